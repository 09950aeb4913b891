package agent

import (
	"context"
	"fmt"
	"strings"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for an LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []map[string]interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	// ToolChoice, when set, forces the model to call that tool this turn.
	ToolChoice string
}

// LLMResponse contains the response from the LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderCreator resolves a model name to a provider client.
type ProviderCreator interface {
	NewProvider(model string) (LLMProvider, error)
}

// ProviderFactory routes models to providers by name: claude models go to
// Anthropic, everything else to OpenAI.
type ProviderFactory struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// NewProvider creates an LLM provider for the given model.
func (f *ProviderFactory) NewProvider(model string) (LLMProvider, error) {
	if strings.HasPrefix(model, "claude") {
		if f.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic API key is not configured")
		}
		return NewAnthropicProvider(f.AnthropicAPIKey), nil
	}
	if f.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai API key is not configured")
	}
	return NewOpenAIProvider(f.OpenAIAPIKey), nil
}
