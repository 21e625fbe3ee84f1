package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/turfbot/internal/bot"
	otelPkg "github.com/basket/turfbot/internal/otel"
	"github.com/basket/turfbot/internal/rpc"
)

const namespace = "turfbot"

// unknownMethod replaces peer-chosen method names in labels.
const unknownMethod = "_unknown"

var knownMethods = map[string]bool{
	bot.MethodGetBotInfo:        true,
	bot.MethodCreateSession:     true,
	bot.MethodSessionInitialize: true,
	bot.MethodSessionQuery:      true,
	bot.MethodSessionUpdate:     true,
	bot.MethodSessionFinalize:   true,
}

// Metrics records request and connection counters into a private Prometheus
// registry and, when set, the OpenTelemetry instruments. It implements
// rpc.Observer and bot.Lifecycle.
type Metrics struct {
	registry *prometheus.Registry
	otel     *otelPkg.Metrics

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsFinalized prometheus.Counter
}

// NewMetrics registers every collector. om may be nil.
func NewMetrics(om *otelPkg.Metrics) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		otel:     om,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request handling time.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"method"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open host connections.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Bot sessions created.",
		}),
		sessionsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Bot sessions finalized.",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConnections,
		m.sessionsCreated,
		m.sessionsFinalized,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, outcome rpc.Outcome, d time.Duration) {
	label := methodLabel(method)
	m.requestsTotal.WithLabelValues(label, string(outcome)).Inc()
	m.requestDuration.WithLabelValues(label).Observe(d.Seconds())

	if m.otel == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		otelPkg.AttrMethod.String(label),
		otelPkg.AttrOutcome.String(string(outcome)),
	)
	m.otel.RequestDuration.Record(ctx, d.Seconds(), attrs)
	if outcome != rpc.OutcomeOK {
		m.otel.RequestErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) SessionCreated(ctx context.Context) {
	m.sessionsCreated.Inc()
	if m.otel != nil {
		m.otel.SessionsCreated.Add(ctx, 1)
	}
}

func (m *Metrics) SessionFinalized(ctx context.Context) {
	m.sessionsFinalized.Inc()
	if m.otel != nil {
		m.otel.SessionsFinalized.Add(ctx, 1)
	}
}

func (m *Metrics) connectionOpened(ctx context.Context) {
	m.activeConnections.Inc()
	if m.otel != nil {
		m.otel.ActiveConnections.Add(ctx, 1)
	}
}

func (m *Metrics) connectionClosed(ctx context.Context) {
	m.activeConnections.Dec()
	if m.otel != nil {
		m.otel.ActiveConnections.Add(ctx, -1)
	}
}

func methodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return unknownMethod
}
