// Package assistant ties the platform together: it owns the agent catalog,
// builds the per-run tool surface, drives runs through the agent runner,
// follows handoffs, and persists the conversation.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/tracing"
	"github.com/sightlinehq/sightline/pkg/agent"
	"github.com/sightlinehq/sightline/pkg/history"
	"github.com/sightlinehq/sightline/pkg/memorytier"
	"github.com/sightlinehq/sightline/pkg/rpc"
	"github.com/sightlinehq/sightline/pkg/sessionctx"
	"github.com/sightlinehq/sightline/pkg/stream"
	"github.com/sightlinehq/sightline/pkg/toolexec"
	"github.com/sightlinehq/sightline/pkg/tools"
)

// maxHandoffs bounds the routing chain within one request. Triage to a
// specialist is one; a specialist correcting the route is two.
const maxHandoffs = 3

// genericErrorMessage is what the user sees when a run fails for a reason we
// cannot phrase better.
const genericErrorMessage = "Something went wrong while answering that. Please try again."

// Service orchestrates chat requests end to end.
type Service struct {
	providers agent.ProviderCreator
	backend   *rpc.Client
	gate      *toolexec.Gate
	store     history.Store
	models    config.ModelsConfig
	logger    zerolog.Logger
}

// Config contains service configuration
type Config struct {
	Providers agent.ProviderCreator
	Backend   *rpc.Client
	Gate      *toolexec.Gate
	Store     history.Store
	Models    config.ModelsConfig
	Logger    zerolog.Logger
}

// New creates a new assistant Service
func New(cfg Config) (*Service, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("mutation gate is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("history store is required")
	}

	return &Service{
		providers: cfg.Providers,
		backend:   cfg.Backend,
		gate:      cfg.Gate,
		store:     cfg.Store,
		models:    cfg.Models,
		logger:    cfg.Logger.With().Str("component", "assistant").Logger(),
	}, nil
}

// Request is one inbound chat message.
type Request struct {
	ConversationID string
	Input          string
	ModelTier      string
	Session        *sessionctx.SessionContext
}

// Result summarizes a finished chat run for the transport layer. The frames
// have already gone out on the emitter by the time it is returned.
type Result struct {
	ConversationID string
	AgentName      string
	Response       string
	Turns          int
}

// Chat answers one user message, streaming frames on the emitter. It always
// terminates the stream: with a complete frame on success (including budget
// exhaustion, which yields a user-facing sentence) or an error frame
// otherwise.
func (s *Service) Chat(ctx context.Context, req Request, emitter *stream.Emitter) (*Result, error) {
	if req.Input == "" {
		emitter.Error("The message was empty.")
		return nil, fmt.Errorf("input cannot be empty")
	}
	if req.Session == nil {
		emitter.Error(genericErrorMessage)
		return nil, fmt.Errorf("session context is required")
	}

	session := req.Session
	ctx = tracing.WithCorrelationID(ctx, session.CorrelationID)
	ctx = tracing.WithTenantID(ctx, session.TenantID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	owner := history.Owner{
		TenantID:  session.TenantID,
		WebsiteID: session.WebsiteID,
		CallerID:  session.CallerID,
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		id, err := gonanoid.New()
		if err != nil {
			emitter.Error(genericErrorMessage)
			return nil, fmt.Errorf("failed to mint conversation id: %w", err)
		}
		conversationID = id
	}
	ctx = tracing.WithConversationID(ctx, conversationID)

	if _, err := s.store.EnsureConversation(ctx, conversationID, owner); err != nil {
		logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to open conversation")
		emitter.Error(genericErrorMessage)
		return nil, err
	}

	catalog := NewCatalog(s.models, session)
	entry, err := catalog.Entry(req.ModelTier)
	if err != nil {
		emitter.Error(genericErrorMessage)
		return nil, err
	}

	runner, err := s.buildRunner(catalog, session, emitter, conversationID)
	if err != nil {
		emitter.Error(genericErrorMessage)
		return nil, err
	}

	result, err := s.runWithHandoffs(ctx, runner, catalog, entry, req.Input, emitter, conversationID, owner, logger)
	if err != nil {
		var budgetErr *agent.BudgetExceededError
		if errors.As(err, &budgetErr) {
			// Budget exhaustion is an answer, not a failure.
			response := budgetErr.UserMessage()
			payload := &stream.CompletePayload{ResponseType: "text"}
			s.persistTurn(ctx, conversationID, owner, req.Input, response, payload, logger)
			emitter.Complete(response, payload)
			return &Result{ConversationID: conversationID, AgentName: budgetErr.Agent, Response: response}, nil
		}

		logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Chat run failed")
		emitter.Error(genericErrorMessage)
		return nil, err
	}

	if result.Aborted {
		// Caller is gone; nothing to persist and no one to stream to.
		emitter.Abandon()
		return nil, context.Canceled
	}

	payload := &stream.CompletePayload{ResponseType: "text"}
	s.persistTurn(ctx, conversationID, owner, req.Input, result.Response, payload, logger)
	emitter.Complete(result.Response, payload)

	return &Result{
		ConversationID: conversationID,
		AgentName:      result.AgentName,
		Response:       result.Response,
		Turns:          result.Turns,
	}, nil
}

// buildRunner assembles the per-run executor (tools closed over this run's
// session and headers) and the runner on top of it.
func (s *Service) buildRunner(catalog *Catalog, session *sessionctx.SessionContext, emitter *stream.Emitter, conversationID string) (*agent.Runner, error) {
	executor := toolexec.New(s.gate)

	deps := tools.Deps{
		Caller:  s.backend.WithHeaders(session.Headers),
		Session: session,
	}
	if err := tools.RegisterAll(executor, deps); err != nil {
		return nil, err
	}

	runner, err := agent.NewRunner(agent.Config{
		Providers: s.providers,
		Executor:  executor,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := executor.RegisterTool(s.delegateTool(runner, catalog, emitter, conversationID)); err != nil {
		return nil, err
	}

	return runner, nil
}

// delegateTool lets reflection agents run the analytics specialist as a
// sub-investigation and get its answer back as a tool result.
func (s *Service) delegateTool(runner *agent.Runner, catalog *Catalog, emitter *stream.Emitter, conversationID string) toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        DelegateToolName,
		Description: "Ask the analytics specialist a single focused question and return its answer.",
		Parameters: []toolexec.ToolParameter{
			{Name: "question", Type: "string", Description: "The focused question to investigate", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			question, _ := params["question"].(string)
			if question == "" {
				return nil, fmt.Errorf("question cannot be empty")
			}

			delegate, err := catalog.Delegate()
			if err != nil {
				return nil, err
			}

			subID, err := gonanoid.New()
			if err != nil {
				return nil, fmt.Errorf("failed to mint delegation id: %w", err)
			}

			ctx = tracing.PropagateToDelegate(ctx, delegate.Name)
			result, err := runner.Run(ctx, delegate, agent.RunParams{
				RunID:   conversationID + "." + subID,
				Input:   question,
				Emitter: emitter,
			})
			if err != nil {
				var budgetErr *agent.BudgetExceededError
				if errors.As(err, &budgetErr) {
					return "The investigation ran out of budget before finishing. Narrow the question and try again.", nil
				}
				return nil, err
			}

			return result.Response, nil
		},
	}
}

// runWithHandoffs drives the entry agent and follows routing decisions until
// an agent produces an answer or the handoff chain runs out.
func (s *Service) runWithHandoffs(ctx context.Context, runner *agent.Runner, catalog *Catalog, def agent.Definition, input string, emitter *stream.Emitter, conversationID string, owner history.Owner, logger zerolog.Logger) (*agent.Result, error) {
	for hops := 0; ; hops++ {
		turnLimit, err := memorytier.Resolve(def.MemoryTier)
		if err != nil {
			return nil, err
		}

		msgs, err := s.loadHistory(ctx, conversationID, owner, turnLimit)
		if err != nil {
			return nil, err
		}

		result, err := runner.Run(ctx, def, agent.RunParams{
			RunID:   conversationID,
			Input:   input,
			History: msgs,
			Emitter: emitter,
		})
		if err != nil {
			return nil, err
		}

		if result.Handoff == nil || result.Aborted {
			return result, nil
		}

		if hops+1 >= maxHandoffs {
			logger.Warn().
				Str("from", def.Name).
				Str("to", result.Handoff.Target).
				Msg("Handoff chain limit reached")
			return nil, &agent.BudgetExceededError{Agent: def.Name, Kind: "handoffs", Limit: maxHandoffs}
		}

		next, err := catalog.Get(result.Handoff.Target)
		if err != nil {
			return nil, fmt.Errorf("handoff to unknown agent: %w", err)
		}

		emitter.Progress(fmt.Sprintf("Routing to the %s specialist", next.Name), map[string]interface{}{
			"agent":  next.Name,
			"reason": result.Handoff.Reason,
		})

		def = next
	}
}

// loadHistory reads the memory window and converts it to model messages.
// Structured assistant payloads are dropped; the model only needs the prose.
func (s *Service) loadHistory(ctx context.Context, conversationID string, owner history.Owner, turnLimit int) ([]agent.Message, error) {
	if turnLimit <= 0 {
		return nil, nil
	}

	stored, err := s.store.Load(ctx, conversationID, owner, turnLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	msgs := make([]agent.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, agent.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs, nil
}

// persistTurn appends the user and assistant messages. Persistence failures
// are logged, not surfaced: the user already has the answer.
func (s *Service) persistTurn(ctx context.Context, conversationID string, owner history.Owner, input, response string, payload *stream.CompletePayload, logger zerolog.Logger) {
	now := time.Now().UTC()

	err := s.store.Append(ctx, conversationID, owner,
		history.Message{Role: history.RoleUser, Content: input, CreatedAt: now},
		history.Message{Role: history.RoleAssistant, Content: response, Data: marshalData(payload), CreatedAt: now},
	)
	if err != nil {
		logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist conversation turn")
	}
}

// marshalData is a small helper for attaching structured payloads to stored
// assistant messages.
func marshalData(payload *stream.CompletePayload) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload.Data())
	if err != nil {
		return nil
	}
	return raw
}
