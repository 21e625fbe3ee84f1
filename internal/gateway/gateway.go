// Package gateway is the listening surface: it upgrades HTTP requests to
// websocket connections and serves one bot endpoint per connection, plus
// /healthz and /metrics.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turfbot/internal/bot"
	"github.com/basket/turfbot/internal/bus"
	otelPkg "github.com/basket/turfbot/internal/otel"
	"github.com/basket/turfbot/internal/persistence"
	"github.com/basket/turfbot/internal/rpc"
	"github.com/basket/turfbot/internal/shared"
)

// Journal is the part of the persistence store the gateway reports on.
type Journal interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (persistence.Stats, error)
}

type Config struct {
	Bot     *bot.Bot
	Bus     *bus.Bus
	Store   Journal // nil when the journal is disabled
	Tracer  trace.Tracer
	Metrics *Metrics
	Logger  *slog.Logger

	// AllowOrigins lists accepted Origin patterns for browser connections.
	// Empty means same-origin only.
	AllowOrigins []string

	MaxMessageBytes int64

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	base     context.Context
	shutdown context.CancelFunc

	// closeMu orders wg.Add against Close's wg.Wait.
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	connID   string
	path     string
	openedAt time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otelPkg.ScopeName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "gateway"),
		clients:  map[*client]struct{}{},
		base:     base,
		shutdown: cancel,
	}
}

// Handler routes /healthz and /metrics; every other path is a bot endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.cfg.Metrics.Handler())
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// ActiveConnections reports the number of connected hosts.
func (s *Server) ActiveConnections() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close ends every open connection and waits for their handlers to return.
// http.Server.Shutdown does not track hijacked websocket connections.
// Upgrades arriving after Close are refused with 503.
func (s *Server) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()

	s.shutdown()
	s.wg.Wait()
}

// track registers a connection handler unless the server is closed.
func (s *Server) track() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	journalOK := true
	var stats *persistence.Stats
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			journalOK = false
			s.logger.Warn("healthz: journal unreachable", "error", err)
		} else if st, err := s.cfg.Store.Stats(ctx); err == nil {
			stats = &st
		}
	}

	payload := map[string]any{
		"healthy":            journalOK,
		"bot":                s.cfg.Bot.Name(),
		"active_connections": s.ActiveConnections(),
		"journal_enabled":    s.cfg.Store != nil,
		"journal_ok":         journalOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if stats != nil {
		payload["journal"] = stats
	}
	w.Header().Set("Content-Type", "application/json")
	if !journalOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	connID := shared.NewConnID()
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(shared.WithConnID(ctx, connID), traceID)
	ctx, span := otelPkg.StartServerSpan(ctx, s.cfg.Tracer, "ws.connection",
		otelPkg.AttrConnID.String(connID),
		otelPkg.AttrBot.String(s.cfg.Bot.Name()),
	)
	defer span.End()

	c := &client{connID: connID, path: r.URL.Path, openedAt: time.Now().UTC()}
	s.addClient(ctx, c, r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.logger.Debug("connection opened", "conn_id", connID, "trace_id", traceID, "remote_addr", r.RemoteAddr, "path", r.URL.Path)

	transport := newTransport(conn, r.RemoteAddr, r.URL.Path, s.cfg.MaxMessageBytes)
	ep := bot.NewEndpoint(s.cfg.Bot, transport,
		bot.WithConnID(connID),
		bot.WithBus(s.cfg.Bus),
		bot.WithLogger(s.cfg.Logger),
		bot.WithLifecycle(s.cfg.Metrics),
		bot.WithRPCOptions(
			rpc.WithTracer(s.cfg.Tracer),
			rpc.WithObserver(s.cfg.Metrics),
		),
	)
	if err := ep.Run(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("connection ended with error", "conn_id", connID, "error", err)
	}
}

func (s *Server) addClient(ctx context.Context, c *client, remoteAddr string) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	s.cfg.Metrics.connectionOpened(ctx)
	s.cfg.Bus.Publish(bus.TopicConnectionOpened, bus.ConnectionEvent{
		ConnID:     c.connID,
		RemoteAddr: remoteAddr,
		Path:       c.path,
		At:         c.openedAt,
	})
}

func (s *Server) removeClient(c *client) {
	s.cfg.Metrics.connectionClosed(context.Background())
	s.cfg.Bus.Publish(bus.TopicConnectionClosed, bus.ConnectionEvent{
		ConnID: c.connID,
		Path:   c.path,
		At:     time.Now().UTC(),
	})

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	s.logger.Debug("client removed", "conn_id", c.connID, "duration", time.Since(c.openedAt).Round(time.Millisecond))
}
