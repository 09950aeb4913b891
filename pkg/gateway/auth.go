package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sightlinehq/sightline/pkg/rpc"
)

// Identity is the authenticated caller of a chat request.
type Identity struct {
	UserID string `json:"userId"`
}

// Website is the resolved chat target. The backend only returns it when the
// authenticated caller may access it.
type Website struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Domain         string `json:"domain"`
	Timezone       string `json:"timezone"`
}

// Authenticator resolves the caller and the website through the backend. The
// gateway holds no credentials of its own; the caller's headers are forwarded
// as-is and the backend's verdict is final.
type Authenticator struct {
	backend *rpc.Client
	logger  zerolog.Logger
}

// NewAuthenticator creates a new Authenticator
func NewAuthenticator(backend *rpc.Client, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		backend: backend,
		logger:  logger.With().Str("component", "gateway_auth").Logger(),
	}
}

// Authenticate verifies the request's identity headers with the backend.
func (a *Authenticator) Authenticate(ctx context.Context, headers http.Header) (*Identity, error) {
	var identity Identity
	raw, err := a.backend.WithHeaders(headers).Call(ctx, "auth", "verify", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if err := decode(raw, &identity); err != nil {
		return nil, err
	}
	if identity.UserID == "" {
		return nil, &rpc.Error{Code: rpc.CodeUnauthorized, Procedure: "auth.verify", Message: "no user in verification response"}
	}
	return &identity, nil
}

// ResolveWebsite loads the website the chat is scoped to. The backend answers
// NOT_FOUND for a missing website and FORBIDDEN for one the caller cannot
// access; both pass through untouched for the HTTP layer to map.
func (a *Authenticator) ResolveWebsite(ctx context.Context, headers http.Header, websiteID string) (*Website, error) {
	var website Website
	raw, err := a.backend.WithHeaders(headers).Call(ctx, "websites", "getById", map[string]interface{}{
		"id": websiteID,
	})
	if err != nil {
		return nil, err
	}
	if err := decode(raw, &website); err != nil {
		return nil, err
	}
	if website.ID == "" {
		website.ID = websiteID
	}
	return &website, nil
}

// statusForError maps an authentication or resolution failure to its HTTP
// status: 401 for no identity, 403 for a forbidden website, 404 for a missing
// one, 500 for anything else.
func statusForError(err error) int {
	rpcErr, ok := rpc.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch rpcErr.Code {
	case rpc.CodeUnauthorized:
		return http.StatusUnauthorized
	case rpc.CodeForbidden:
		return http.StatusForbidden
	case rpc.CodeNotFound:
		return http.StatusNotFound
	case rpc.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
