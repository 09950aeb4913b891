package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for the per-request correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// RunIDKey is the context key for the agent run ID
	RunIDKey ContextKey = "run_id"
	// AgentNameKey is the context key for the active agent name
	AgentNameKey ContextKey = "agent_name"
	// ConversationIDKey is the context key for the conversation ID
	ConversationIDKey ContextKey = "conversation_id"
	// TenantIDKey is the context key for the tenant ID
	TenantIDKey ContextKey = "tenant_id"
)

// TraceContext holds tracing information for one assistant run
type TraceContext struct {
	CorrelationID  string
	RunID          string
	AgentName      string
	ConversationID string
	TenantID       string
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgentName adds the active agent name to the context
func WithAgentName(ctx context.Context, agentName string) context.Context {
	return context.WithValue(ctx, AgentNameKey, agentName)
}

// WithConversationID adds a conversation ID to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// GetAgentName retrieves the active agent name from the context
func GetAgentName(ctx context.Context) string {
	if name, ok := ctx.Value(AgentNameKey).(string); ok {
		return name
	}
	return ""
}

// GetConversationID retrieves the conversation ID from the context
func GetConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(TenantIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		CorrelationID:  GetCorrelationID(ctx),
		RunID:          GetRunID(ctx),
		AgentName:      GetAgentName(ctx),
		ConversationID: GetConversationID(ctx),
		TenantID:       GetTenantID(ctx),
	}
}

// NewRequestContext creates a new context for a request with a fresh correlation ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithCorrelationID(ctx, NewCorrelationID())
}

// PropagateToDelegate propagates tracing context to a delegated agent run.
// The correlation ID is kept; the run ID is fresh so the delegate's steps are
// attributable to its own run.
func PropagateToDelegate(ctx context.Context, agentName string) context.Context {
	correlationID := GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}

	newCtx := WithCorrelationID(ctx, correlationID)
	newCtx = WithRunID(newCtx, uuid.New().String())
	newCtx = WithAgentName(newCtx, agentName)

	if conversationID := GetConversationID(ctx); conversationID != "" {
		newCtx = WithConversationID(newCtx, conversationID)
	}

	return newCtx
}

// LoggerFromContext creates a logger carrying the tracing fields from the context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	logger := baseLogger
	if tc.CorrelationID != "" {
		logger = logger.With().Str("correlation_id", tc.CorrelationID).Logger()
	}
	if tc.RunID != "" {
		logger = logger.With().Str("run_id", tc.RunID).Logger()
	}
	if tc.AgentName != "" {
		logger = logger.With().Str("agent", tc.AgentName).Logger()
	}
	if tc.ConversationID != "" {
		logger = logger.With().Str("conversation_id", tc.ConversationID).Logger()
	}

	return logger
}
