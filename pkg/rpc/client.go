// Package rpc is the narrow boundary between assistant tools and the
// analytics backend. Every tool call maps to one named backend procedure;
// transport wrapping is stripped and error codes are normalized to a closed
// set before results reach agent logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Caller invokes a single named backend procedure
type Caller interface {
	Call(ctx context.Context, router, method string, input any) (json.RawMessage, error)
}

// Client is the HTTP implementation of Caller
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	logger     zerolog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Headers are forwarded on every call; the request handler seeds them
	// from the inbound request so backend auth follows the caller identity.
	Headers http.Header
	Logger  zerolog.Logger
}

// NewClient creates a backend RPC client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		headers:    cfg.Headers,
		logger:     cfg.Logger,
	}, nil
}

// WithHeaders returns a shallow copy of the client bound to the given
// request-scoped headers. The underlying HTTP client is shared.
func (c *Client) WithHeaders(headers http.Header) *Client {
	clone := *c
	clone.headers = headers
	return &clone
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call invokes router.method with the given input. Application errors come
// back as *Error with a code from the closed set; transport failures map to
// CodeUnknown.
func (c *Client) Call(ctx context.Context, router, method string, input any) (json.RawMessage, error) {
	procedure := fmt.Sprintf("%s.%s", router, method)

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input for %s: %w", procedure, err)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, router, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", procedure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("procedure", procedure).Msg("RPC transport failure")
		return nil, &Error{Code: CodeUnknown, Procedure: procedure, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeUnknown, Procedure: procedure, Message: err.Error()}
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Error().
			Str("procedure", procedure).
			Int("status", resp.StatusCode).
			Msg("RPC response was not valid JSON")
		return nil, &Error{Code: CodeUnknown, Procedure: procedure, Message: "malformed backend response"}
	}

	if envelope.Error != nil {
		rpcErr := &Error{
			Code:      normalizeCode(envelope.Error.Code),
			Procedure: procedure,
			Message:   envelope.Error.Message,
		}
		c.logger.Warn().
			Str("procedure", procedure).
			Str("code", string(rpcErr.Code)).
			Msg("RPC application error")
		return nil, rpcErr
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Code:      codeFromStatus(resp.StatusCode),
			Procedure: procedure,
			Message:   http.StatusText(resp.StatusCode),
		}
	}

	return envelope.Result, nil
}

func codeFromStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusConflict:
		return CodeConflict
	default:
		return CodeUnknown
	}
}
