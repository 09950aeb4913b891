package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{
		Path:   filepath.Join(t.TempDir(), "history.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var testOwner = Owner{TenantID: "org-1", WebsiteID: "web-1", CallerID: "user-1"}

func TestEnsureConversation(t *testing.T) {
	t.Run("should create a conversation on first use", func(t *testing.T) {
		store := newTestStore(t)
		conv, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)
		assert.Equal(t, "c-1", conv.ID)
		assert.Equal(t, "org-1", conv.TenantID)
	})

	t.Run("should return the existing conversation for its owner", func(t *testing.T) {
		store := newTestStore(t)
		first, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)
		second, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
	})

	t.Run("should refuse another caller's conversation", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)

		other := Owner{TenantID: "org-1", WebsiteID: "web-1", CallerID: "user-2"}
		_, err = store.EnsureConversation(context.Background(), "c-1", other)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestAppendAndLoad(t *testing.T) {
	seed := func(t *testing.T, store *SQLiteStore, n int) {
		t.Helper()
		_, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)
		base := time.Now().Add(-time.Hour)
		for i := 0; i < n; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			require.NoError(t, store.Append(context.Background(), "c-1", testOwner, Message{
				Role:      role,
				Content:   string(rune('a' + i)),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
	}

	t.Run("should return the most recent window in chronological order", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, 6)

		messages, err := store.Load(context.Background(), "c-1", testOwner, 4)
		require.NoError(t, err)
		require.Len(t, messages, 4)
		assert.Equal(t, "c", messages[0].Content)
		assert.Equal(t, "f", messages[3].Content)
		assert.True(t, messages[0].CreatedAt.Before(messages[3].CreatedAt))
	})

	t.Run("should return nothing for a non-positive limit", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, 3)

		messages, err := store.Load(context.Background(), "c-1", testOwner, 0)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("should preserve structured data payloads", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.EnsureConversation(context.Background(), "c-1", testOwner)
		require.NoError(t, err)

		require.NoError(t, store.Append(context.Background(), "c-1", testOwner, Message{
			Role:    RoleAssistant,
			Content: "Here is your chart",
			Data:    []byte(`{"chartType":"line","rows":[{"x":1}]}`),
		}))

		messages, err := store.Load(context.Background(), "c-1", testOwner, 10)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.JSONEq(t, `{"chartType":"line","rows":[{"x":1}]}`, string(messages[0].Data))
	})

	t.Run("should reject loads from another owner", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, 2)

		other := Owner{TenantID: "org-2", WebsiteID: "web-1", CallerID: "user-1"}
		_, err := store.Load(context.Background(), "c-1", other, 10)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("should signal missing conversations on append", func(t *testing.T) {
		store := newTestStore(t)
		err := store.Append(context.Background(), "nope", testOwner, Message{Role: RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteIdleBefore(t *testing.T) {
	t.Run("should remove only conversations idle past the cutoff", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.EnsureConversation(context.Background(), "old", testOwner)
		require.NoError(t, err)
		_, err = store.EnsureConversation(context.Background(), "fresh", testOwner)
		require.NoError(t, err)

		// Backdate the old conversation.
		_, err = store.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = 'old'`,
			time.Now().Add(-100*24*time.Hour).UTC())
		require.NoError(t, err)

		deleted, err := store.DeleteIdleBefore(context.Background(), time.Now().Add(-90*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		count, err := store.CountConversations(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("should cascade message deletion", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.EnsureConversation(context.Background(), "old", testOwner)
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), "old", testOwner, Message{Role: RoleUser, Content: "hi"}))

		_, err = store.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = 'old'`,
			time.Now().Add(-100*24*time.Hour).UTC())
		require.NoError(t, err)

		_, err = store.DeleteIdleBefore(context.Background(), time.Now().Add(-90*24*time.Hour))
		require.NoError(t, err)

		var remaining int
		require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&remaining))
		assert.Zero(t, remaining)
	})
}

func TestCleanup(t *testing.T) {
	t.Run("should validate its schedule", func(t *testing.T) {
		store := newTestStore(t)
		_, err := NewCleanup(CleanupConfig{
			Store:         store,
			RetentionDays: 90,
			Schedule:      "not a schedule",
			Logger:        zerolog.New(os.Stdout).Level(zerolog.Disabled),
		})
		require.Error(t, err)
	})

	t.Run("should purge idle conversations on a pass", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.EnsureConversation(context.Background(), "old", testOwner)
		require.NoError(t, err)
		_, err = store.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = 'old'`,
			time.Now().Add(-100*24*time.Hour).UTC())
		require.NoError(t, err)

		cleanup, err := NewCleanup(CleanupConfig{
			Store:         store,
			RetentionDays: 90,
			Schedule:      "0 3 * * *",
			Logger:        zerolog.New(os.Stdout).Level(zerolog.Disabled),
		})
		require.NoError(t, err)

		require.NoError(t, cleanup.RunOnce(context.Background()))
		count, err := store.CountConversations(context.Background())
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
