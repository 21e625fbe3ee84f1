package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// HandlerFunc serves one method. params is nil when the request carried no
// params (or params was null).
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Methods is the callable surface of an endpoint, keyed by wire method name.
type Methods map[string]HandlerFunc

// Outcome classifies a handled request for observers.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFail     Outcome = "fail"
)

// Observer is notified once per request after its response was written.
// For OutcomeNotFound the method name is peer-controlled.
type Observer interface {
	ObserveRequest(method string, outcome Outcome, d time.Duration)
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the endpoint logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer wraps every request in a server span.
func WithTracer(t trace.Tracer) Option {
	return func(e *Endpoint) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithObserver registers a request observer.
func WithObserver(o Observer) Option {
	return func(e *Endpoint) {
		e.observer = o
	}
}

// Endpoint is a JSON-RPC message loop bound to one Transport. It is not safe
// for concurrent use: messages are handled strictly one after another.
type Endpoint struct {
	transport Transport
	methods   Methods
	logger    *slog.Logger
	tracer    trace.Tracer
	observer  Observer
}

// NewEndpoint binds methods to t. The table is copied; later changes to
// methods do not affect the endpoint.
func NewEndpoint(t Transport, methods Methods, opts ...Option) *Endpoint {
	e := &Endpoint{
		transport: t,
		methods:   make(Methods, len(methods)),
		logger:    slog.Default(),
		tracer:    nooptrace.NewTracerProvider().Tracer("turfbot"),
	}
	for name, h := range methods {
		e.methods[name] = h
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run receives and handles messages until the transport closes or ctx is
// cancelled, in which case it returns nil. Any other receive failure is
// returned.
func (e *Endpoint) Run(ctx context.Context) error {
	e.logger.Info("connection established", "remote_addr", e.transport.RemoteAddr(), "path", e.transport.Path())
	for {
		msg, err := e.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				e.logger.Info("connection closed")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		e.HandleMessage(ctx, msg)
	}
}

// HandleMessage runs the dispatch step for one raw message. Messages that are
// not valid JSON-RPC 2.0 are logged and dropped without a reply.
func (e *Endpoint) HandleMessage(ctx context.Context, raw []byte) {
	e.logger.Debug("recv", "msg", string(raw))
	in, err := parseMessage(raw)
	if err != nil {
		e.logger.Error("dropping malformed message", "error", err)
		return
	}
	if in.request == nil {
		if err := e.handleResponse(in.response); err != nil {
			e.logger.Error("dropping response message", "error", err)
		}
		return
	}
	e.handleRequest(ctx, in.request)
}

// handleResponse has nothing to match a response against.
func (e *Endpoint) handleResponse(map[string]json.RawMessage) error {
	return ErrUnsupportedResponse
}

func (e *Endpoint) resolve(method string) (HandlerFunc, bool) {
	if strings.HasPrefix(method, PrivatePrefix) {
		return nil, false
	}
	h, ok := e.methods[method]
	return h, ok && h != nil
}

func (e *Endpoint) handleRequest(ctx context.Context, req *Request) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rpc "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)),
	)
	defer span.End()

	h, ok := e.resolve(req.Method)
	if !ok {
		e.logger.Debug("method not found", "method", req.Method)
		span.SetStatus(codes.Error, "method not found")
		e.reject(ctx, req.ID, CodeMethodNotFound, req.Method)
		e.observe(req.Method, OutcomeNotFound, start)
		return
	}

	e.logger.Debug("run", "method", req.Method, "params", string(req.Params))
	out, err := e.invoke(ctx, h, req)
	if err == nil {
		out, err = json.Marshal(resultResponse{JSONRPC: Version, ID: req.ID, Result: out})
		if err != nil {
			err = fmt.Errorf("encode result: %w", err)
		}
	}
	if err != nil {
		e.logFailure(req.Method, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.reject(ctx, req.ID, CodeFail, failMessage(err))
		e.observe(req.Method, OutcomeFail, start)
		return
	}

	e.logger.Debug("response", "method", req.Method)
	e.send(ctx, out.([]byte))
	e.observe(req.Method, OutcomeOK, start)
}

// invoke calls h, turning a panic into a *PanicError.
func (e *Endpoint) invoke(ctx context.Context, h HandlerFunc, req *Request) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, req.Params)
}

func (e *Endpoint) logFailure(method string, err error) {
	var pe *PanicError
	if errors.As(err, &pe) {
		e.logger.Error("method failed", "method", method, "error", err, "stack", string(pe.Stack))
		return
	}
	e.logger.Error("method failed", "method", method, "error", err)
}

func (e *Endpoint) reject(ctx context.Context, id json.RawMessage, code int, message string) {
	out, err := json.Marshal(errorResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	})
	if err != nil {
		e.logger.Error("encode error response", "error", err)
		return
	}
	e.send(ctx, out)
}

func (e *Endpoint) send(ctx context.Context, out []byte) {
	if err := e.transport.Send(ctx, out); err != nil {
		e.logger.Error("send failed", "error", err)
	}
}

func (e *Endpoint) observe(method string, outcome Outcome, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveRequest(method, outcome, time.Since(start))
	}
}

// PanicError reports a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func failMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}
