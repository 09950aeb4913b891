package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentTurnsTotal  *prometheus.HistogramVec
	handoffTotal     *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	previewTotal          *prometheus.CounterVec
	commitTotal           *prometheus.CounterVec

	streamFramesTotal   *prometheus.CounterVec
	activeStreams       prometheus.Gauge
	rateLimitRejections prometheus.Counter

	historyLoadDuration   prometheus.Histogram
	historyAppendDuration prometheus.Histogram
	activeConversations   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_agent_run_total",
					Help: "Total agent runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "assistant_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			agentTurnsTotal: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "assistant_agent_turns",
					Help:    "Model turns consumed per run by agent.",
					Buckets: []float64{1, 2, 3, 5, 8, 13},
				},
				[]string{"agent"},
			),
			handoffTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_handoff_total",
					Help: "Total handoffs by source and target agent.",
				},
				[]string{"from", "to"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "assistant_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			previewTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_mutation_preview_total",
					Help: "Total mutation previews issued by tool.",
				},
				[]string{"tool"},
			),
			commitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_mutation_commit_total",
					Help: "Total mutation commits by tool and status.",
				},
				[]string{"tool", "status"},
			),
			streamFramesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "assistant_stream_frames_total",
					Help: "Total stream frames emitted by frame type.",
				},
				[]string{"type"},
			),
			activeStreams: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "assistant_active_streams",
					Help: "Streams currently open to callers.",
				},
			),
			rateLimitRejections: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "assistant_rate_limit_rejections_total",
					Help: "Chat requests rejected by the rate limiter.",
				},
			),
			historyLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "assistant_history_load_duration_seconds",
					Help:    "Conversation history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			historyAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "assistant_history_append_duration_seconds",
					Help:    "Conversation history append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "assistant_conversations_total",
					Help: "Conversations currently retained in the history store.",
				},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentTurnsTotal,
			m.handoffTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.previewTotal,
			m.commitTotal,
			m.streamFramesTotal,
			m.activeStreams,
			m.rateLimitRejections,
			m.historyLoadDuration,
			m.historyAppendDuration,
			m.activeConversations,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordAgentRun(agent string, duration time.Duration, turns int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(agent, status).Inc()
	m.agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.agentTurnsTotal.WithLabelValues(agent).Observe(float64(turns))
}

func RecordHandoff(from, to string) {
	getMetrics().handoffTotal.WithLabelValues(from, to).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordMutationPreview(tool string) {
	getMetrics().previewTotal.WithLabelValues(tool).Inc()
}

func RecordMutationCommit(tool string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().commitTotal.WithLabelValues(tool, status).Inc()
}

func RecordStreamFrame(frameType string) {
	getMetrics().streamFramesTotal.WithLabelValues(frameType).Inc()
}

func StreamOpened() {
	getMetrics().activeStreams.Inc()
}

func StreamClosed() {
	getMetrics().activeStreams.Dec()
}

func RecordRateLimitRejection() {
	getMetrics().rateLimitRejections.Inc()
}

func RecordHistoryLoad(duration time.Duration) {
	getMetrics().historyLoadDuration.Observe(duration.Seconds())
}

func RecordHistoryAppend(duration time.Duration) {
	getMetrics().historyAppendDuration.Observe(duration.Seconds())
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}
