package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/turfbot/internal/bus"
	otelPkg "github.com/basket/turfbot/internal/otel"
	"github.com/basket/turfbot/internal/rpc"
	"github.com/basket/turfbot/internal/shared"
	"go.opentelemetry.io/otel/trace"
)

// Wire method names.
const (
	MethodGetBotInfo        = "get_bot_info"
	MethodCreateSession     = "create_session"
	MethodSessionInitialize = "session_initialize"
	MethodSessionQuery      = "session_query"
	MethodSessionUpdate     = "session_update"
	MethodSessionFinalize   = "session_finalize"
)

// Lifecycle receives session counts, e.g. for metrics.
type Lifecycle interface {
	SessionCreated(ctx context.Context)
	SessionFinalized(ctx context.Context)
}

type endpointConfig struct {
	connID    string
	bus       *bus.Bus
	logger    *slog.Logger
	lifecycle Lifecycle
	rpcOpts   []rpc.Option
}

// EndpointOption configures NewEndpoint.
type EndpointOption func(*endpointConfig)

// WithConnID tags logs, spans and events with the serving connection's id.
func WithConnID(id string) EndpointOption {
	return func(c *endpointConfig) { c.connID = id }
}

// WithBus publishes session lifecycle events on b.
func WithBus(b *bus.Bus) EndpointOption {
	return func(c *endpointConfig) { c.bus = b }
}

func WithLogger(l *slog.Logger) EndpointOption {
	return func(c *endpointConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithLifecycle(l Lifecycle) EndpointOption {
	return func(c *endpointConfig) { c.lifecycle = l }
}

// WithRPCOptions passes options through to the underlying rpc.Endpoint.
func WithRPCOptions(opts ...rpc.Option) EndpointOption {
	return func(c *endpointConfig) { c.rpcOpts = append(c.rpcOpts, opts...) }
}

// CreateSessionResult is the create_session response.
type CreateSessionResult struct {
	Session string `json:"session"`
	Deck    Deck   `json:"deck"`
}

// botEndpoint holds one connection's sessions.
type botEndpoint struct {
	bot      *Bot
	sessions *Registry
	cfg      endpointConfig
}

// NewEndpoint exposes b on t. Each call gets its own empty Registry, so
// sessions are never visible across connections.
func NewEndpoint(b *Bot, t rpc.Transport, opts ...EndpointOption) *rpc.Endpoint {
	cfg := endpointConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.connID != "" {
		cfg.logger = cfg.logger.With("conn_id", cfg.connID)
	}
	be := &botEndpoint{bot: b, sessions: NewRegistry(), cfg: cfg}
	rpcOpts := append([]rpc.Option{rpc.WithLogger(cfg.logger)}, cfg.rpcOpts...)
	return rpc.NewEndpoint(t, be.methods(), rpcOpts...)
}

func (e *botEndpoint) methods() rpc.Methods {
	return rpc.Methods{
		MethodGetBotInfo:        e.getBotInfo,
		MethodCreateSession:     e.createSession,
		MethodSessionInitialize: e.sessionInitialize,
		MethodSessionQuery:      e.sessionQuery,
		MethodSessionUpdate:     e.sessionUpdate,
		MethodSessionFinalize:   e.sessionFinalize,
	}
}

func (e *botEndpoint) getBotInfo(context.Context, json.RawMessage) (any, error) {
	return e.bot.Info(), nil
}

func (e *botEndpoint) createSession(ctx context.Context, params json.RawMessage) (any, error) {
	s, deck, err := e.bot.CreateSession(ctx, params)
	if err != nil {
		return nil, err
	}
	id := e.sessions.Add(s)
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrSessionID.String(id))
	e.cfg.logger.Info("session created", "session_id", id, "bot", e.bot.Name(), "sessions", e.sessions.Len())

	if e.cfg.lifecycle != nil {
		e.cfg.lifecycle.SessionCreated(ctx)
	}
	e.publish(bus.TopicSessionCreated, id, deck, 0)
	return CreateSessionResult{Session: id, Deck: deck}, nil
}

func (e *botEndpoint) sessionInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	id, s, inner, err := e.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, id)
	if err := s.Initialize(ctx, inner); err != nil {
		return nil, fmt.Errorf("session %s: initialize: %w", id, err)
	}
	return nil, nil
}

func (e *botEndpoint) sessionQuery(ctx context.Context, params json.RawMessage) (any, error) {
	id, s, inner, err := e.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, id)
	out, err := s.Query(ctx, inner)
	if err != nil {
		return nil, fmt.Errorf("session %s: query: %w", id, err)
	}
	e.publish(bus.TopicSessionQueried, id, nil, s.QueryCount())
	return out, nil
}

func (e *botEndpoint) sessionUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	id, s, inner, err := e.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, id)
	if err := s.Update(ctx, inner); err != nil {
		return nil, fmt.Errorf("session %s: update: %w", id, err)
	}
	return nil, nil
}

func (e *botEndpoint) sessionFinalize(ctx context.Context, params json.RawMessage) (any, error) {
	id, s, inner, err := e.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithSessionID(ctx, id)
	already := s.Phase() == PhaseFinalized
	err = s.Finalize(ctx, inner)
	if !already {
		e.cfg.logger.Info("session finalized", "session_id", id, "queries", s.QueryCount())
		if e.cfg.lifecycle != nil {
			e.cfg.lifecycle.SessionFinalized(ctx)
		}
		e.publish(bus.TopicSessionFinalized, id, nil, s.QueryCount())
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: finalize: %w", id, err)
	}
	return nil, nil
}

// resolve decodes the {session, params} envelope and looks the session up.
// Both keys are required; an explicit null inner params is passed on as nil.
func (e *botEndpoint) resolve(ctx context.Context, params json.RawMessage) (string, *Session, json.RawMessage, error) {
	if params == nil {
		return "", nil, nil, errors.New("missing params: expected {session, params}")
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(params, &env); err != nil {
		return "", nil, nil, fmt.Errorf("decode session envelope: %w", err)
	}
	var id string
	if raw, ok := env["session"]; !ok || json.Unmarshal(raw, &id) != nil || id == "" {
		return "", nil, nil, errors.New("missing session id")
	}
	inner, ok := env["params"]
	if !ok {
		return "", nil, nil, errors.New("missing params: expected {session, params}")
	}
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrSessionID.String(id))
	s, err := e.sessions.Lookup(id)
	if err != nil {
		return "", nil, nil, err
	}
	if string(inner) == "null" {
		inner = nil
	}
	return id, s, inner, nil
}

func (e *botEndpoint) publish(topic, sessionID string, deck Deck, queries int) {
	if e.cfg.bus == nil {
		return
	}
	e.cfg.bus.Publish(topic, bus.SessionEvent{
		ConnID:    e.cfg.connID,
		SessionID: sessionID,
		Bot:       e.bot.Name(),
		Deck:      []byte(deck),
		Queries:   queries,
		At:        time.Now().UTC(),
	})
}
