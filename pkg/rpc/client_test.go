package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		Logger:  zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	return client
}

func TestClientCall(t *testing.T) {
	t.Run("should unwrap result envelope", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/funnels/list", r.URL.Path)
			fmt.Fprint(w, `{"result": [{"id": "f-1"}]}`)
		})

		raw, err := client.Call(context.Background(), "funnels", "list", map[string]any{"websiteId": "w-1"})
		require.NoError(t, err)

		var rows []map[string]any
		require.NoError(t, json.Unmarshal(raw, &rows))
		assert.Len(t, rows, 1)
	})

	t.Run("should forward bound headers", func(t *testing.T) {
		var seen string
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			seen = r.Header.Get("Authorization")
			fmt.Fprint(w, `{"result": {}}`)
		})

		h := http.Header{}
		h.Set("Authorization", "Bearer token-1")
		_, err := client.WithHeaders(h).Call(context.Background(), "goals", "list", nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer token-1", seen)
	})

	t.Run("should map known error codes", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error": {"code": "UNAUTHORIZED", "message": "nope"}}`)
		})

		_, err := client.Call(context.Background(), "funnels", "getById", map[string]any{"id": "f-1"})
		require.Error(t, err)

		rpcErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeUnauthorized, rpcErr.Code)
		assert.Equal(t, "You don't have permission to perform this action.", rpcErr.UserMessage())
		assert.False(t, rpcErr.IsTransport())
	})

	t.Run("should collapse unknown codes to UNKNOWN", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error": {"code": "TEAPOT", "message": "odd"}}`)
		})

		_, err := client.Call(context.Background(), "links", "get", nil)
		rpcErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeUnknown, rpcErr.Code)
		assert.True(t, rpcErr.IsTransport())
	})

	t.Run("should map bare HTTP status when envelope has no error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{}`)
		})

		_, err := client.Call(context.Background(), "annotations", "getById", nil)
		rpcErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeNotFound, rpcErr.Code)
	})

	t.Run("should treat connection failure as transport error", func(t *testing.T) {
		client, err := NewClient(Config{
			BaseURL: "http://127.0.0.1:1",
			Logger:  zerolog.New(os.Stdout).Level(zerolog.Disabled),
		})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), "funnels", "list", nil)
		rpcErr, ok := AsError(err)
		require.True(t, ok)
		assert.True(t, rpcErr.IsTransport())
	})

	t.Run("should reject malformed backend response", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `not json`)
		})

		_, err := client.Call(context.Background(), "goals", "list", nil)
		rpcErr, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, CodeUnknown, rpcErr.Code)
	})
}

func TestUserMessage(t *testing.T) {
	t.Run("should echo detail only for bad requests", func(t *testing.T) {
		badReq := &Error{Code: CodeBadRequest, Message: "steps must have at least 2 entries"}
		assert.Contains(t, badReq.UserMessage(), "steps must have at least 2 entries")

		unknown := &Error{Code: CodeUnknown, Message: "connection reset by peer"}
		assert.NotContains(t, unknown.UserMessage(), "connection reset")
	})
}
