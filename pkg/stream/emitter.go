// Package stream carries assistant run output to the client as an ordered
// sequence of frames. A run emits any number of thinking and progress frames
// followed by exactly one terminal frame, complete or error.
package stream

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sightlinehq/sightline/internal/observability"
)

// FrameType classifies a stream frame.
type FrameType string

const (
	FrameThinking FrameType = "thinking"
	FrameProgress FrameType = "progress"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Frame is one unit of streamed output.
type Frame struct {
	Type    FrameType              `json:"type"`
	Content string                 `json:"content"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

// CompletePayload is the structured data a complete frame may carry.
type CompletePayload struct {
	HasVisualization bool                     `json:"hasVisualization"`
	ChartType        string                   `json:"chartType,omitempty"`
	Rows             []map[string]interface{} `json:"rows,omitempty"`
	ResponseType     string                   `json:"responseType"`
	MetricValue      interface{}              `json:"metricValue,omitempty"`
	MetricLabel      string                   `json:"metricLabel,omitempty"`
}

// Data converts the payload into frame data.
func (p CompletePayload) Data() map[string]interface{} {
	data := map[string]interface{}{
		"hasVisualization": p.HasVisualization,
		"responseType":     p.ResponseType,
	}
	if p.ChartType != "" {
		data["chartType"] = p.ChartType
	}
	if p.Rows != nil {
		data["rows"] = p.Rows
	}
	if p.MetricValue != nil {
		data["metricValue"] = p.MetricValue
	}
	if p.MetricLabel != "" {
		data["metricLabel"] = p.MetricLabel
	}
	return data
}

// DefaultBuffer is the emitter channel depth.
const DefaultBuffer = 64

// Emitter is the producer half of a run's stream. It is safe for concurrent
// use. Sends never block the run: if the consumer has stopped draining and
// the buffer is full, thinking and progress frames are dropped. The terminal
// frame is never dropped; a full buffer sheds its oldest frame to make room.
// After the terminal frame, or after Abandon, every further emit is dropped.
type Emitter struct {
	mu     sync.Mutex
	frames chan Frame
	ended  bool
}

// NewEmitter creates an emitter with the given channel depth, DefaultBuffer
// when depth is non-positive.
func NewEmitter(depth int) *Emitter {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	observability.EnsureRegistered()
	return &Emitter{
		frames: make(chan Frame, depth),
	}
}

// Frames is the consumer side. The channel is closed after the terminal
// frame has been delivered or the stream has been abandoned.
func (e *Emitter) Frames() <-chan Frame {
	return e.frames
}

// Thinking emits a reasoning status line.
func (e *Emitter) Thinking(content string) {
	e.emit(Frame{Type: FrameThinking, Content: content})
}

// Progress emits an intermediate progress update.
func (e *Emitter) Progress(content string, data map[string]interface{}) {
	e.emit(Frame{Type: FrameProgress, Content: content, Data: data})
}

// Complete emits the successful terminal frame and closes the stream.
func (e *Emitter) Complete(content string, payload *CompletePayload) {
	frame := Frame{Type: FrameComplete, Content: content}
	if payload != nil {
		frame.Data = payload.Data()
	}
	e.emit(frame)
}

// Error emits the failure terminal frame and closes the stream. The message
// must already be user-safe.
func (e *Emitter) Error(message string) {
	e.emit(Frame{Type: FrameError, Content: message})
}

// Abandon ends the stream without a terminal frame. The transport calls it
// when the caller disconnects; the run keeps going until its context stops
// it, and whatever it still emits is dropped.
func (e *Emitter) Abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ended {
		return
	}
	e.ended = true
	close(e.frames)
}

// Closed reports whether the stream has ended.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

func (e *Emitter) emit(frame Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ended {
		log.Warn().Str("type", string(frame.Type)).Msg("Frame dropped after stream end")
		return
	}

	if frame.Terminal() {
		e.deliverTerminal(frame)
		e.ended = true
		close(e.frames)
		return
	}

	select {
	case e.frames <- frame:
		observability.RecordStreamFrame(string(frame.Type))
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("Frame dropped, stream buffer full")
	}
}

// deliverTerminal places the terminal frame on the channel, shedding the
// oldest buffered frame when the buffer is full. The emitter is the only
// sender, so shedding one frame always makes room.
func (e *Emitter) deliverTerminal(frame Frame) {
	for {
		select {
		case e.frames <- frame:
			observability.RecordStreamFrame(string(frame.Type))
			return
		default:
		}

		select {
		case shed := <-e.frames:
			log.Warn().Str("type", string(shed.Type)).Msg("Shed buffered frame to deliver terminal frame")
		default:
		}
	}
}
