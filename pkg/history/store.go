// Package history persists assistant conversations: user and assistant turns
// keyed by conversation id, loaded back subject to an agent's memory window.
package history

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Data carries the structured payload
// of assistant turns (chart rows, metric values) when present.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Data           json.RawMessage `json:"data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversation groups messages under a tenant/website/caller binding. Loads
// are ownership-checked against that binding.
type Conversation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	WebsiteID string    `json:"website_id"`
	CallerID  string    `json:"caller_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owner is the binding a load or append must match.
type Owner struct {
	TenantID  string
	WebsiteID string
	CallerID  string
}

// Store is the narrow persistence interface the assistant needs.
type Store interface {
	// EnsureConversation creates the conversation if it does not exist and
	// verifies ownership if it does.
	EnsureConversation(ctx context.Context, id string, owner Owner) (*Conversation, error)

	// Append adds messages to a conversation and bumps its updated time.
	Append(ctx context.Context, conversationID string, owner Owner, messages ...Message) error

	// Load returns up to limit most recent messages in chronological order.
	// A non-positive limit returns no messages.
	Load(ctx context.Context, conversationID string, owner Owner, limit int) ([]Message, error)

	// DeleteIdleBefore removes conversations whose last activity predates the
	// cutoff, returning how many were removed.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
