package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/sightlinehq/sightline/internal/observability"
)

var (
	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden means the conversation exists but belongs to someone else.
	ErrForbidden = errors.New("conversation belongs to another owner")
)

// Config holds SQLite store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the history database at cfg.Path.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, logger: cfg.Logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	observability.EnsureRegistered()
	cfg.Logger.Info().Str("path", cfg.Path).Msg("History store opened")

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		website_id TEXT NOT NULL,
		caller_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		data TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// EnsureConversation creates or ownership-checks a conversation.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id string, owner Owner) (*Conversation, error) {
	conv, err := s.getConversation(ctx, id)
	if err == nil {
		if err := checkOwner(conv, owner); err != nil {
			return nil, err
		}
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:        id,
		TenantID:  owner.TenantID,
		WebsiteID: owner.WebsiteID,
		CallerID:  owner.CallerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, website_id, caller_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.TenantID, conv.WebsiteID, conv.CallerID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Debug().Str("conversation_id", id).Msg("Conversation created")
	return conv, nil
}

// Append stores messages and bumps the conversation's updated time.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, owner Owner, messages ...Message) error {
	start := time.Now()

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := checkOwner(conv, owner); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		if msg.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				return fmt.Errorf("failed to mint message id: %w", err)
			}
			msg.ID = id
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		var data interface{}
		if len(msg.Data) > 0 {
			data = string(msg.Data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, conversationID, string(msg.Role), msg.Content, data, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	observability.RecordHistoryAppend(time.Since(start))
	return nil
}

// Load returns the limit most recent messages in chronological order.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string, owner Owner, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := time.Now()

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(conv, owner); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, data, created_at
		 FROM (
			SELECT id, role, content, data, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg  Message
			role string
			data sql.NullString
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &data, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ConversationID = conversationID
		msg.Role = Role(role)
		if data.Valid {
			msg.Data = []byte(data.String)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	observability.RecordHistoryLoad(time.Since(start))
	return messages, nil
}

// DeleteIdleBefore removes conversations idle since before the cutoff.
func (s *SQLiteStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle conversations: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Idle conversations removed")
	}
	return deleted, nil
}

// CountConversations reports how many conversations the store holds.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) getConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, website_id, caller_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.TenantID, &conv.WebsiteID, &conv.CallerID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return &conv, nil
}

func checkOwner(conv *Conversation, owner Owner) error {
	if conv.TenantID != owner.TenantID || conv.WebsiteID != owner.WebsiteID || conv.CallerID != owner.CallerID {
		return ErrForbidden
	}
	return nil
}
