package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sightlinehq/sightline/internal/observability"
	"github.com/sightlinehq/sightline/internal/tracing"
	"github.com/sightlinehq/sightline/pkg/stream"
	"github.com/sightlinehq/sightline/pkg/toolexec"
)

// HandoffToolName is the synthetic tool through which an agent routes a
// conversation to one of its delegates.
const HandoffToolName = "handoff_to_agent"

const (
	llmMaxRetries   = 3
	llmRetryBackoff = time.Second
)

// Runner executes agent runs: it drives the model/tool loop, enforces turn
// and step budgets, and surfaces handoff decisions to the caller.
type Runner struct {
	providers ProviderCreator
	executor  *toolexec.Executor
	logger    zerolog.Logger

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// Config contains runner configuration
type Config struct {
	Providers ProviderCreator
	Executor  *toolexec.Executor
	Logger    zerolog.Logger
}

// NewRunner creates a new Runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	observability.EnsureRegistered()

	return &Runner{
		providers:  cfg.Providers,
		executor:   cfg.Executor,
		logger:     cfg.Logger.With().Str("component", "agent_runner").Logger(),
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// RunParams contains everything run-specific: the conversation so far, the
// new user input, and the emitter the run reports progress on.
type RunParams struct {
	RunID   string
	Input   string
	History []Message
	Emitter *stream.Emitter
}

// Run executes one agent against the given input until it produces a final
// answer, hands off, errors, or exhausts a budget.
func (r *Runner) Run(ctx context.Context, def Definition, params RunParams) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if params.RunID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.activeRuns[params.RunID] = cancel
	r.mu.Unlock()

	// Confirmation tokens minted during this run are not released here: a
	// previewed mutation is confirmed in a later request of the same
	// conversation. Unconsumed tokens expire on their own TTL.
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.activeRuns, params.RunID)
		r.mu.Unlock()
	}()

	ctx = tracing.WithRunID(ctx, params.RunID)
	ctx = tracing.WithAgentName(ctx, def.Name)
	ctx, span := tracing.StartSpan(ctx, "agent", "agent.run",
		attribute.String("agent.name", def.Name),
		attribute.String("agent.model", def.Model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("agent", def.Name).
		Str("model", def.Model).
		Int("max_turns", def.MaxTurns).
		Int("step_budget", def.StepBudget()).
		Msg("Starting agent run")

	start := time.Now()
	result, err := r.runLoop(ctx, def, params, logger)
	if err != nil {
		observability.RecordAgentRun(def.Name, time.Since(start), 0, false)
		return nil, err
	}

	observability.RecordAgentRun(def.Name, time.Since(start), result.Turns, true)
	if result.Handoff != nil {
		observability.RecordHandoff(def.Name, result.Handoff.Target)
	}

	return result, nil
}

// Abort cancels an in-flight run. Committed work stays committed; the run
// simply stops issuing new model and tool calls.
func (r *Runner) Abort(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.activeRuns[runID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	cancel()
	r.logger.Info().Str("run_id", runID).Msg("Agent run aborted")
	return true
}

func (r *Runner) runLoop(ctx context.Context, def Definition, params RunParams, logger zerolog.Logger) (*Result, error) {
	provider, err := r.providers.NewProvider(def.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider for model %s: %w", def.Model, err)
	}

	tools, err := r.buildTools(def)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(params.History)+1)
	messages = append(messages, params.History...)
	messages = append(messages, Message{Role: "user", Content: params.Input})

	result := &Result{AgentName: def.Name}
	usage := &TokenUsage{}
	stepBudget := def.StepBudget()
	steps := 0

	for turn := 1; turn <= def.MaxTurns; turn++ {
		if ctx.Err() != nil {
			result.Aborted = true
			result.Usage = usage
			return result, nil
		}

		request := LLMRequest{
			Model:        def.Model,
			Messages:     messages,
			Tools:        tools,
			Temperature:  def.Temperature,
			MaxTokens:    def.TokenBudget(),
			SystemPrompt: def.Instructions,
		}
		if turn == 1 && def.PinnedTool != "" {
			request.ToolChoice = def.PinnedTool
		}

		response, err := r.callLLMWithRetry(ctx, provider, request, logger)
		if err != nil {
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}

		if response.Usage != nil {
			usage.InputTokens += response.Usage.InputTokens
			usage.OutputTokens += response.Usage.OutputTokens
		}

		// No tool calls means the model produced its final answer.
		if len(response.ToolCalls) == 0 {
			result.Response = response.Content
			result.Usage = usage
			result.Turns = turn
			return result, nil
		}

		if response.Content != "" && params.Emitter != nil {
			params.Emitter.Thinking(response.Content)
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		// A handoff ends the run immediately; remaining tool calls are
		// the delegate's problem.
		if handoff, ok := extractHandoff(response.ToolCalls); ok {
			logger.Info().
				Str("from", def.Name).
				Str("to", handoff.Target).
				Str("reason", handoff.Reason).
				Msg("Agent requested handoff")
			result.Usage = usage
			result.Turns = turn
			result.Handoff = handoff
			return result, nil
		}

		steps += len(response.ToolCalls)
		if steps > stepBudget {
			logger.Warn().
				Str("agent", def.Name).
				Int("steps", steps).
				Int("budget", stepBudget).
				Msg("Agent exceeded step budget")
			return nil, &BudgetExceededError{Agent: def.Name, Kind: "steps", Limit: stepBudget}
		}

		toolMessages := r.dispatchToolCalls(ctx, def, params, response.ToolCalls, logger)
		messages = append(messages, toolMessages...)
		result.ToolCalls = append(result.ToolCalls, response.ToolCalls...)
	}

	logger.Warn().
		Str("agent", def.Name).
		Int("max_turns", def.MaxTurns).
		Msg("Agent exceeded turn budget")
	return nil, &BudgetExceededError{Agent: def.Name, Kind: "turns", Limit: def.MaxTurns}
}

// dispatchToolCalls executes one model turn's tool calls. Read-only tools run
// concurrently; mutating tools run one at a time, after the reads, so a
// commit never races a preview from the same turn. Result order always
// matches request order.
func (r *Runner) dispatchToolCalls(ctx context.Context, def Definition, params RunParams, calls []ToolCall, logger zerolog.Logger) []Message {
	results := make([]toolexec.ToolResult, len(calls))

	var wg sync.WaitGroup
	var mutating []int

	for i, call := range calls {
		tool := r.executor.GetTool(call.Name)
		if tool != nil && tool.Mutating {
			mutating = append(mutating, i)
			continue
		}

		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = r.executeToolCall(ctx, def, params, call, logger)
		}(i, call)
	}

	wg.Wait()

	for _, i := range mutating {
		results[i] = r.executeToolCall(ctx, def, params, calls[i], logger)
	}

	messages := make([]Message, 0, len(calls))
	for i, call := range calls {
		content, err := json.Marshal(results[i])
		if err != nil {
			content = []byte(`{"success":false,"error":"failed to encode tool result"}`)
		}
		messages = append(messages, Message{
			Role:       "tool",
			Content:    string(content),
			ToolCallID: call.ID,
		})
	}

	return messages
}

func (r *Runner) executeToolCall(ctx context.Context, def Definition, params RunParams, call ToolCall, logger zerolog.Logger) toolexec.ToolResult {
	logger.Debug().
		Str("tool", call.Name).
		Str("run_id", params.RunID).
		Msg("Executing tool call")

	if params.Emitter != nil {
		params.Emitter.Progress(fmt.Sprintf("Running %s", call.Name), map[string]interface{}{
			"tool": call.Name,
		})
	}

	return r.executor.Execute(ctx, call.Name, call.Parameters, &toolexec.ExecutionContext{
		RunID:     params.RunID,
		AgentName: def.Name,
	})
}

// buildTools assembles the model-facing tool list from the executor's
// registered schemas plus, when the agent has delegates, the handoff tool.
func (r *Runner) buildTools(def Definition) ([]map[string]interface{}, error) {
	tools := make([]map[string]interface{}, 0, len(def.Tools)+1)

	for _, name := range def.Tools {
		schema := r.executor.ToolSchema(name)
		if schema == nil {
			return nil, fmt.Errorf("agent %s references unregistered tool %s", def.Name, name)
		}
		tool := r.executor.GetTool(name)
		tools = append(tools, map[string]interface{}{
			"name":         name,
			"description":  tool.Description,
			"input_schema": schema,
		})
	}

	if len(def.Handoffs) > 0 {
		tools = append(tools, handoffToolDefinition(def.Handoffs))
	}

	if def.PinnedTool != "" {
		found := false
		for _, tool := range tools {
			if tool["name"] == def.PinnedTool {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("agent %s pins tool %s but does not expose it", def.Name, def.PinnedTool)
		}
	}

	return tools, nil
}

func handoffToolDefinition(targets []string) map[string]interface{} {
	enum := make([]interface{}, len(targets))
	for i, t := range targets {
		enum[i] = t
	}

	return map[string]interface{}{
		"name":        HandoffToolName,
		"description": "Route this conversation to the specialist agent best suited to answer it.",
		"input_schema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent": map[string]interface{}{
					"type":        "string",
					"description": "Name of the agent to hand off to",
					"enum":        enum,
				},
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Short explanation of why this agent was chosen",
				},
			},
			"required": []interface{}{"agent"},
		},
	}
}

// extractHandoff returns the handoff decision if any of the tool calls is the
// handoff tool.
func extractHandoff(calls []ToolCall) (*Handoff, bool) {
	for _, call := range calls {
		if call.Name != HandoffToolName {
			continue
		}

		target, _ := call.Parameters["agent"].(string)
		reason, _ := call.Parameters["reason"].(string)
		if target == "" {
			continue
		}

		return &Handoff{Target: target, Reason: reason}, true
	}
	return nil, false
}

// callLLMWithRetry retries transient provider failures with exponential
// backoff (1s, 2s, 4s).
func (r *Runner) callLLMWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, logger zerolog.Logger) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < llmMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := llmRetryBackoff * time.Duration(1<<(attempt-1))
			logger.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying LLM call")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("LLM call failed after %d attempts: %w", llmMaxRetries, lastErr)
}
