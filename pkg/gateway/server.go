// Package gateway is the HTTP surface of the assistant: the streaming chat
// endpoint (NDJSON and WebSocket), backend-delegated authentication,
// per-caller rate limiting, and the admin mux with health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/sightlinehq/sightline/internal/observability"
	"github.com/sightlinehq/sightline/internal/tracing"
	"github.com/sightlinehq/sightline/pkg/assistant"
	"github.com/sightlinehq/sightline/pkg/sessionctx"
	"github.com/sightlinehq/sightline/pkg/stream"
)

// forwardedHeaders are the inbound headers passed through to the backend so
// its auth sees the original caller.
var forwardedHeaders = []string{"Authorization", "Cookie", "X-Forwarded-For"}

// Server is the assistant's HTTP server.
type Server struct {
	host              string
	port              int
	adminPort         int
	retryAfterSeconds int

	service  *assistant.Service
	auth     *Authenticator
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	server         *http.Server
	adminServer    *http.Server
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	AdminPort         int
	RequestsPerMinute int
	MaxConcurrent     int
	RetryAfterSeconds int

	Service *assistant.Service
	Auth    *Authenticator
	Logger  zerolog.Logger
}

// NewServer creates a new gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("assistant service is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	retryAfter := cfg.RetryAfterSeconds
	if retryAfter <= 0 {
		retryAfter = 60
	}

	observability.EnsureRegistered()

	return &Server{
		host:              cfg.Host,
		port:              cfg.Port,
		adminPort:         cfg.AdminPort,
		retryAfterSeconds: retryAfter,
		service:           cfg.Service,
		auth:              cfg.Auth,
		limiter:           NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:            cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Cross-origin access is governed by the backend's cookie
				// rules, not by the gateway.
				return true
			},
		},
	}, nil
}

// Handler returns the public HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/chat/ws", s.handleWebSocket)
	return mux
}

// Limiter exposes the rate limiter for config hot reload.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Start starts the public and admin HTTP servers.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	if s.adminPort > 0 {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", observability.MetricsHandler())
		adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})

		s.adminServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.host, s.adminPort),
			Handler: adminMux,
		}

		s.logger.Info().Str("addr", s.adminServer.Addr).Msg("Starting admin server")
		go func() {
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("Admin server error")
			}
		}()
	}

	return nil
}

// Stop gracefully stops both servers, waiting for in-flight chat requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to shutdown admin server")
		}
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// chatRequest is the body of a chat call on either transport.
type chatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	WebsiteID      string `json:"websiteId"`
	Message        string `json:"message"`
	ModelTier      string `json:"modelTier,omitempty"`
	// Timezone optionally overrides the website's configured timezone, for
	// dashboards viewing the data in the visitor's local time.
	Timezone string `json:"timezone,omitempty"`
}

// preparedChat is a chat request that has passed auth, website resolution and
// rate limiting.
type preparedChat struct {
	request chatRequest
	session *sessionctx.SessionContext
	release func()
}

// prepare runs the shared admission pipeline. On failure it writes the HTTP
// error itself and returns false.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, req chatRequest) (*preparedChat, bool) {
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return nil, false
	}
	if req.WebsiteID == "" {
		http.Error(w, "websiteId is required", http.StatusBadRequest)
		return nil, false
	}

	headers := http.Header{}
	for _, name := range forwardedHeaders {
		for _, v := range r.Header.Values(name) {
			headers.Add(name, v)
		}
	}

	identity, err := s.auth.Authenticate(r.Context(), headers)
	if err != nil {
		http.Error(w, "authentication failed", statusForError(err))
		return nil, false
	}

	website, err := s.auth.ResolveWebsite(r.Context(), headers, req.WebsiteID)
	if err != nil {
		http.Error(w, "website unavailable", statusForError(err))
		return nil, false
	}

	release, allowed := s.limiter.Allow(identity.UserID)
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return nil, false
	}

	tenantID := website.OrganizationID
	if tenantID == "" {
		tenantID = website.ID
	}

	timezone := website.Timezone
	if req.Timezone != "" {
		timezone = req.Timezone
	}

	session, err := sessionctx.Build(sessionctx.BuildParams{
		TenantID:  tenantID,
		WebsiteID: website.ID,
		Domain:    website.Domain,
		Timezone:  timezone,
		CallerID:  identity.UserID,
		Headers:   headers,
	})
	if err != nil {
		release()
		s.logger.Error().Err(err).Msg("Failed to build session context")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}

	if req.ConversationID == "" {
		id, err := gonanoid.New()
		if err != nil {
			release()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return nil, false
		}
		req.ConversationID = id
	}

	return &preparedChat{request: req, session: session, release: release}, true
}

// handleChat answers one chat message over NDJSON: one frame per line,
// flushed as produced, ending with the terminal frame.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prepared, ok := s.prepare(w, r, req)
	if !ok {
		return
	}
	defer prepared.release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Conversation-Id", prepared.request.ConversationID)
	w.Header().Set("X-Correlation-Id", prepared.session.CorrelationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	observability.StreamOpened()
	defer observability.StreamClosed()

	ctx := tracing.NewRequestContext(r.Context())
	emitter := stream.NewEmitter(stream.DefaultBuffer)

	go func() {
		_, _ = s.service.Chat(ctx, assistant.Request{
			ConversationID: prepared.request.ConversationID,
			Input:          prepared.request.Message,
			ModelTier:      prepared.request.ModelTier,
			Session:        prepared.session,
		}, emitter)
	}()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// Caller is gone. Stop writing; the run winds down on its own
			// context and any in-flight commit still finishes.
			emitter.Abandon()
			return
		case frame, ok := <-emitter.Frames():
			if !ok {
				return
			}
			if err := encoder.Encode(frame); err != nil {
				emitter.Abandon()
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket carries the same frames over a WebSocket: the client sends
// one chat request per message and receives the run's frames as JSON texts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	var req chatRequest
	if err := json.Unmarshal([]byte(r.URL.Query().Get("request")), &req); err != nil || req.Message == "" {
		// The request rides the upgrade URL so admission can run before the
		// protocol switch and keep plain HTTP status codes.
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	prepared, ok := s.prepare(w, r, req)
	if !ok {
		return
	}
	defer prepared.release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	observability.StreamOpened()
	defer observability.StreamClosed()

	ctx, cancel := context.WithCancel(tracing.NewRequestContext(r.Context()))
	defer cancel()

	// Reads only serve to detect the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	emitter := stream.NewEmitter(stream.DefaultBuffer)
	go func() {
		_, _ = s.service.Chat(ctx, assistant.Request{
			ConversationID: prepared.request.ConversationID,
			Input:          prepared.request.Message,
			ModelTier:      prepared.request.ModelTier,
			Session:        prepared.session,
		}, emitter)
	}()

	for {
		select {
		case <-ctx.Done():
			emitter.Abandon()
			return
		case frame, ok := <-emitter.Frames():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				emitter.Abandon()
				return
			}
		}
	}
}
