package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightlinehq/sightline/pkg/stream"
	"github.com/sightlinehq/sightline/pkg/toolexec"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []LLMRequest
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, request LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, request)

	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.requests))
	}

	response := p.responses[0]
	p.responses = p.responses[1:]
	return response, nil
}

func (p *scriptedProvider) recorded() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LLMRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

type staticFactory struct {
	provider LLMProvider
}

func (f *staticFactory) NewProvider(string) (LLMProvider, error) {
	return f.provider, nil
}

func finalResponse(content string) *LLMResponse {
	return &LLMResponse{
		Content: content,
		Usage:   &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolCallResponse(calls ...ToolCall) *LLMResponse {
	return &LLMResponse{
		ToolCalls: calls,
		Usage:     &TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func newTestRunner(t *testing.T, provider LLMProvider, lookups *int) *Runner {
	t.Helper()

	gate := toolexec.NewGate(toolexec.DefaultTokenTTL)
	executor := toolexec.New(gate)

	err := executor.RegisterTool(toolexec.ToolDefinition{
		Name:        "lookup",
		Description: "Look up a record by id",
		Parameters: []toolexec.ToolParameter{
			{Name: "id", Type: "string", Description: "Record id", Required: true},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			if lookups != nil {
				*lookups++
			}
			return map[string]interface{}{"id": params["id"], "name": "Checkout"}, nil
		},
	})
	require.NoError(t, err)

	runner, err := NewRunner(Config{
		Providers: &staticFactory{provider: provider},
		Executor:  executor,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return runner
}

func analyticsDefinition() Definition {
	return Definition{
		Name:         "analytics",
		Model:        "gpt-4o",
		Instructions: "Answer analytics questions using the available tools.",
		Tools:        []string{"lookup"},
		MaxTurns:     5,
	}
}

func TestRunnerFinalAnswer(t *testing.T) {
	t.Run("should return the model response when no tools are called", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{finalResponse("Pageviews are up 12% this week.")}}
		runner := newTestRunner(t, provider, nil)

		result, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-1",
			Input: "How are pageviews trending?",
		})

		require.NoError(t, err)
		assert.Equal(t, "analytics", result.AgentName)
		assert.Equal(t, "Pageviews are up 12% this week.", result.Response)
		assert.Equal(t, 1, result.Turns)
		assert.Nil(t, result.Handoff)
		assert.Equal(t, 10, result.Usage.InputTokens)
	})

	t.Run("should include conversation history before the new input", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{finalResponse("Yes, same funnel.")}}
		runner := newTestRunner(t, provider, nil)

		_, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-2",
			Input: "Is that the same funnel?",
			History: []Message{
				{Role: "user", Content: "Show me the checkout funnel"},
				{Role: "assistant", Content: "The checkout funnel converts at 3.1%."},
			},
		})

		require.NoError(t, err)
		requests := provider.recorded()
		require.Len(t, requests, 1)
		require.Len(t, requests[0].Messages, 3)
		assert.Equal(t, "Show me the checkout funnel", requests[0].Messages[0].Content)
		assert.Equal(t, "Is that the same funnel?", requests[0].Messages[2].Content)
	})
}

func TestRunnerToolLoop(t *testing.T) {
	t.Run("should execute tool calls and feed results back to the model", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{ID: "call-1", Name: "lookup", Parameters: map[string]interface{}{"id": "fnl-1"}}),
			finalResponse("The funnel is named Checkout."),
		}}

		lookups := 0
		runner := newTestRunner(t, provider, &lookups)

		result, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-3",
			Input: "What is funnel fnl-1 called?",
		})

		require.NoError(t, err)
		assert.Equal(t, 1, lookups)
		assert.Equal(t, "The funnel is named Checkout.", result.Response)
		assert.Equal(t, 2, result.Turns)
		require.Len(t, result.ToolCalls, 1)

		// Second request must carry the assistant tool-call message and the
		// tool result, in that order.
		requests := provider.recorded()
		require.Len(t, requests, 2)
		msgs := requests[1].Messages
		require.Len(t, msgs, 3)
		assert.Equal(t, "assistant", msgs[1].Role)
		require.Len(t, msgs[1].ToolCalls, 1)
		assert.Equal(t, "tool", msgs[2].Role)
		assert.Equal(t, "call-1", msgs[2].ToolCallID)

		var toolResult toolexec.ToolResult
		require.NoError(t, json.Unmarshal([]byte(msgs[2].Content), &toolResult))
		assert.True(t, toolResult.Success)
	})

	t.Run("should run parallel read-only calls and keep result order", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(
				ToolCall{ID: "call-a", Name: "lookup", Parameters: map[string]interface{}{"id": "a"}},
				ToolCall{ID: "call-b", Name: "lookup", Parameters: map[string]interface{}{"id": "b"}},
			),
			finalResponse("Both found."),
		}}

		lookups := 0
		runner := newTestRunner(t, provider, &lookups)

		_, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-4",
			Input: "Compare a and b",
		})

		require.NoError(t, err)
		assert.Equal(t, 2, lookups)

		requests := provider.recorded()
		msgs := requests[1].Messages
		require.Len(t, msgs, 4)
		assert.Equal(t, "call-a", msgs[2].ToolCallID)
		assert.Equal(t, "call-b", msgs[3].ToolCallID)
	})

	t.Run("should emit progress frames for tool calls", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{ID: "call-1", Name: "lookup", Parameters: map[string]interface{}{"id": "x"}}),
			finalResponse("Done."),
		}}
		runner := newTestRunner(t, provider, nil)
		emitter := stream.NewEmitter(stream.DefaultBuffer)

		_, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID:   "run-5",
			Input:   "Look up x",
			Emitter: emitter,
		})
		require.NoError(t, err)
		emitter.Complete("Done.", nil)

		sawProgress := false
		for frame := range emitter.Frames() {
			if frame.Type == stream.FrameProgress {
				sawProgress = true
				assert.Equal(t, "lookup", frame.Data["tool"])
			}
		}
		assert.True(t, sawProgress)
	})

	t.Run("should fail when an agent references an unregistered tool", func(t *testing.T) {
		provider := &scriptedProvider{}
		runner := newTestRunner(t, provider, nil)

		def := analyticsDefinition()
		def.Tools = []string{"nonexistent"}

		_, err := runner.Run(context.Background(), def, RunParams{RunID: "run-6", Input: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unregistered tool")
	})
}

func TestRunnerBudgets(t *testing.T) {
	t.Run("should stop with a budget error when turns run out", func(t *testing.T) {
		// The model never stops asking for tools.
		responses := make([]*LLMResponse, 0, 5)
		for i := 0; i < 5; i++ {
			responses = append(responses, toolCallResponse(
				ToolCall{ID: fmt.Sprintf("call-%d", i), Name: "lookup", Parameters: map[string]interface{}{"id": "x"}},
			))
		}
		provider := &scriptedProvider{responses: responses}
		runner := newTestRunner(t, provider, nil)

		def := analyticsDefinition()
		def.MaxTurns = 2
		def.MaxSteps = 10

		_, err := runner.Run(context.Background(), def, RunParams{RunID: "run-7", Input: "loop forever"})
		require.Error(t, err)

		var budgetErr *BudgetExceededError
		require.ErrorAs(t, err, &budgetErr)
		assert.Equal(t, "turns", budgetErr.Kind)
		assert.Equal(t, 2, budgetErr.Limit)
		assert.Contains(t, budgetErr.UserMessage(), "investigation limit")
	})

	t.Run("should stop with a budget error when steps run out", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(
				ToolCall{ID: "call-1", Name: "lookup", Parameters: map[string]interface{}{"id": "a"}},
				ToolCall{ID: "call-2", Name: "lookup", Parameters: map[string]interface{}{"id": "b"}},
			),
		}}
		lookups := 0
		runner := newTestRunner(t, provider, &lookups)

		def := analyticsDefinition()
		def.MaxSteps = 1

		_, err := runner.Run(context.Background(), def, RunParams{RunID: "run-8", Input: "two calls"})
		require.Error(t, err)

		var budgetErr *BudgetExceededError
		require.ErrorAs(t, err, &budgetErr)
		assert.Equal(t, "steps", budgetErr.Kind)
		// Budget is checked before dispatch, so neither call runs.
		assert.Equal(t, 0, lookups)
	})

	t.Run("should default the step budget to three per turn", func(t *testing.T) {
		def := analyticsDefinition()
		def.MaxTurns = 4
		assert.Equal(t, 12, def.StepBudget())

		def.MaxSteps = 7
		assert.Equal(t, 7, def.StepBudget())
	})

	t.Run("should default the token budget when a definition leaves it unset", func(t *testing.T) {
		def := analyticsDefinition()
		assert.Equal(t, 4096, def.TokenBudget())

		def.MaxTokens = 8192
		assert.Equal(t, 8192, def.TokenBudget())
	})

	t.Run("should send a positive max tokens on every model call", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{finalResponse("Done.")}}
		runner := newTestRunner(t, provider, nil)

		_, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-tokens",
			Input: "Anything new?",
		})

		require.NoError(t, err)
		requests := provider.recorded()
		require.Len(t, requests, 1)
		assert.Equal(t, 4096, requests[0].MaxTokens)
	})
}

func TestRunnerHandoff(t *testing.T) {
	t.Run("should surface a handoff decision and stop", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{
				ID:   "call-1",
				Name: HandoffToolName,
				Parameters: map[string]interface{}{
					"agent":  "funnels",
					"reason": "funnel-specific question",
				},
			}),
		}}
		runner := newTestRunner(t, provider, nil)

		def := analyticsDefinition()
		def.Handoffs = []string{"funnels", "analytics"}

		result, err := runner.Run(context.Background(), def, RunParams{RunID: "run-9", Input: "fix my funnel"})
		require.NoError(t, err)
		require.NotNil(t, result.Handoff)
		assert.Equal(t, "funnels", result.Handoff.Target)
		assert.Equal(t, "funnel-specific question", result.Handoff.Reason)

		// The handoff tool must have been offered to the model.
		requests := provider.recorded()
		require.Len(t, requests, 1)
		names := make([]string, 0, len(requests[0].Tools))
		for _, tool := range requests[0].Tools {
			names = append(names, tool["name"].(string))
		}
		assert.Contains(t, names, HandoffToolName)
	})

	t.Run("should pin the handoff tool for a router agent", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{
				ID:         "call-1",
				Name:       HandoffToolName,
				Parameters: map[string]interface{}{"agent": "analytics"},
			}),
		}}
		runner := newTestRunner(t, provider, nil)

		def := Definition{
			Name:         "triage",
			Model:        "gpt-4o-mini",
			Instructions: "Route the question to a specialist.",
			Handoffs:     []string{"analytics", "funnels"},
			MaxTurns:     1,
			PinnedTool:   HandoffToolName,
		}

		result, err := runner.Run(context.Background(), def, RunParams{RunID: "run-10", Input: "hello"})
		require.NoError(t, err)
		require.NotNil(t, result.Handoff)

		requests := provider.recorded()
		require.Len(t, requests, 1)
		assert.Equal(t, HandoffToolName, requests[0].ToolChoice)
	})

	t.Run("should reject a pinned tool the agent does not expose", func(t *testing.T) {
		provider := &scriptedProvider{}
		runner := newTestRunner(t, provider, nil)

		def := Definition{
			Name:         "triage",
			Model:        "gpt-4o-mini",
			Instructions: "Route.",
			Tools:        []string{"lookup"},
			MaxTurns:     1,
			PinnedTool:   "missing_tool",
		}

		_, err := runner.Run(context.Background(), def, RunParams{RunID: "run-11", Input: "hello"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not expose it")
	})
}

func TestRunnerRetry(t *testing.T) {
	t.Run("should retry a transient provider failure", func(t *testing.T) {
		provider := &scriptedProvider{
			errs:      []error{errors.New("429 rate limit exceeded"), nil},
			responses: []*LLMResponse{finalResponse("Recovered.")},
		}
		runner := newTestRunner(t, provider, nil)

		result, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-12",
			Input: "retry me",
		})
		require.NoError(t, err)
		assert.Equal(t, "Recovered.", result.Response)
		assert.Len(t, provider.recorded(), 2)
	})

	t.Run("should not retry a non-retryable provider failure", func(t *testing.T) {
		provider := &scriptedProvider{errs: []error{errors.New("400 invalid request")}}
		runner := newTestRunner(t, provider, nil)

		_, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-13",
			Input: "fail fast",
		})
		require.Error(t, err)
		assert.Len(t, provider.recorded(), 1)
	})
}

func TestRunnerAbort(t *testing.T) {
	t.Run("should stop issuing calls after an abort", func(t *testing.T) {
		provider := &scriptedProvider{responses: []*LLMResponse{
			toolCallResponse(ToolCall{ID: "call-1", Name: "lookup", Parameters: map[string]interface{}{"id": "x"}}),
			finalResponse("should never be reached"),
		}}

		gate := toolexec.NewGate(toolexec.DefaultTokenTTL)
		executor := toolexec.New(gate)

		runner, err := NewRunner(Config{
			Providers: &staticFactory{provider: provider},
			Executor:  executor,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)

		// The tool aborts its own run, simulating a client disconnect
		// arriving mid-execution.
		require.NoError(t, executor.RegisterTool(toolexec.ToolDefinition{
			Name:        "lookup",
			Description: "Look up a record by id",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "Record id", Required: true},
			},
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				runner.Abort("run-14")
				return "ok", nil
			},
		}))

		result, err := runner.Run(context.Background(), analyticsDefinition(), RunParams{
			RunID: "run-14",
			Input: "abort mid-run",
		})
		require.NoError(t, err)
		assert.True(t, result.Aborted)
		assert.Len(t, provider.recorded(), 1)
	})

	t.Run("should report false for an unknown run", func(t *testing.T) {
		provider := &scriptedProvider{}
		runner := newTestRunner(t, provider, nil)
		assert.False(t, runner.Abort("no-such-run"))
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("should classify provider errors", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
		assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
		assert.True(t, IsRetryableError(errors.New("request timeout")))
		assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
		assert.True(t, IsRetryableError(errors.New("503 Service Unavailable")))
		assert.False(t, IsRetryableError(errors.New("401 unauthorized")))
		assert.False(t, IsRetryableError(errors.New("invalid schema")))
	})
}

func TestDefinitionValidate(t *testing.T) {
	t.Run("should accept a well-formed definition", func(t *testing.T) {
		assert.NoError(t, analyticsDefinition().Validate())
	})

	t.Run("should reject missing fields", func(t *testing.T) {
		def := analyticsDefinition()
		def.Name = ""
		assert.Error(t, def.Validate())

		def = analyticsDefinition()
		def.Model = ""
		assert.Error(t, def.Validate())

		def = analyticsDefinition()
		def.MaxTurns = 0
		assert.Error(t, def.Validate())
	})

	t.Run("should reject a pinned tool with more than one turn", func(t *testing.T) {
		def := analyticsDefinition()
		def.PinnedTool = HandoffToolName
		def.MaxTurns = 2
		assert.Error(t, def.Validate())
	})

	t.Run("should reject an unknown memory tier", func(t *testing.T) {
		def := analyticsDefinition()
		def.MemoryTier = "bottomless"
		assert.Error(t, def.Validate())
	})
}
