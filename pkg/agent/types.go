package agent

import (
	"fmt"
	"strings"

	"github.com/sightlinehq/sightline/pkg/memorytier"
)

// Definition describes one agent: its model, instructions, tool surface, and
// hard execution budgets. Definitions are static; everything run-specific
// arrives through RunParams.
type Definition struct {
	Name         string          `json:"name"`
	Model        string          `json:"model"`
	Instructions string          `json:"instructions"`
	Tools        []string        `json:"tools,omitempty"`
	Handoffs     []string        `json:"handoffs,omitempty"`
	MaxTurns     int             `json:"max_turns"`
	MaxSteps     int             `json:"max_steps,omitempty"`
	Temperature  float64         `json:"temperature,omitempty"`
	MaxTokens    int             `json:"max_tokens,omitempty"`
	MemoryTier   memorytier.Tier `json:"memory_tier,omitempty"`

	// PinnedTool forces the model's first (and with MaxTurns=1, only) action
	// to be this tool. The router uses it to guarantee a handoff decision.
	PinnedTool string `json:"pinned_tool,omitempty"`
}

// StepBudget returns the effective step ceiling: MaxSteps when set, otherwise
// three steps per turn.
func (d Definition) StepBudget() int {
	if d.MaxSteps > 0 {
		return d.MaxSteps
	}
	return d.MaxTurns * 3
}

// defaultMaxTokens is the per-response token cap when a definition does not
// set one. The Anthropic API requires an explicit positive max_tokens.
const defaultMaxTokens = 4096

// TokenBudget returns the effective per-response token cap.
func (d Definition) TokenBudget() int {
	if d.MaxTokens > 0 {
		return d.MaxTokens
	}
	return defaultMaxTokens
}

// Validate checks the definition's invariants.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if d.Model == "" {
		return fmt.Errorf("agent %s: model cannot be empty", d.Name)
	}
	if d.MaxTurns <= 0 {
		return fmt.Errorf("agent %s: max turns must be positive", d.Name)
	}
	if d.Temperature < 0 || d.Temperature > 1 {
		return fmt.Errorf("agent %s: temperature must be between 0 and 1", d.Name)
	}
	if !memorytier.Valid(d.MemoryTier) {
		return fmt.Errorf("agent %s: unknown memory tier %q", d.Name, d.MemoryTier)
	}
	if d.PinnedTool != "" && d.MaxTurns != 1 {
		return fmt.Errorf("agent %s: a pinned tool requires exactly one turn", d.Name)
	}
	return nil
}

// Message represents a message in the model conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Handoff is the router's routing decision: which agent takes over and why.
type Handoff struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// Result contains the output of one agent run.
type Result struct {
	AgentName string      `json:"agent_name"`
	Response  string      `json:"response"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Turns     int         `json:"turns"`
	Handoff   *Handoff    `json:"handoff,omitempty"`
	Aborted   bool        `json:"aborted,omitempty"`
}

// BudgetExceededError signals that a run hit its turn or step ceiling before
// producing a final answer.
type BudgetExceededError struct {
	Agent string
	Kind  string // "turns" or "steps"
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("agent %s exceeded its %s budget (%d)", e.Agent, e.Kind, e.Limit)
}

// UserMessage is the sentence shown to the end user when a budget runs out.
func (e *BudgetExceededError) UserMessage() string {
	return "I reached the investigation limit for this question. Try narrowing it down or asking again."
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
