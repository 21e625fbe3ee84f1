// Package otel sets up the tracer and meter the daemon hands to the gateway
// and every connection's endpoint. Spans cover one websocket connection
// ("ws.connection") and each JSON-RPC request on it ("rpc <method>").
// With telemetry disabled the tracer and meter are no-ops.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for turfbot traces and metrics.
	ScopeName = "turfbot"

	defaultServiceName  = "turfbot"
	defaultOTLPEndpoint = "localhost:4318"
)

// Config selects the exporter. Bot and Version end up as resource
// attributes so traces from daemons serving different bots stay apart.
type Config struct {
	Enabled     bool
	Exporter    string // otlp-http (default), stdout or none
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Bot         string
	Version     string
}

// Option adjusts Init beyond what Config expresses.
type Option func(*initOptions)

type initOptions struct {
	metricReaders []sdkmetric.Reader
	spanExporter  sdktrace.SpanExporter
}

// WithMetricReader attaches an extra reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.metricReaders = append(o.metricReaders, r) }
}

// WithSpanExporter replaces the configured exporter. Spans are handed to it
// as they end instead of in batches.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *initOptions) { o.spanExporter = e }
}

// Provider bundles the tracer and meter handed to the rest of the daemon.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds a Provider from cfg. The caller must Shutdown it on exit.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:         mp.Meter(ScopeName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	spanProcessor := sdktrace.WithSyncer(o.spanExporter)
	if o.spanExporter == nil {
		exporter, err := createExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		spanProcessor = sdktrace.WithBatcher(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		spanProcessor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	otel.SetTracerProvider(tp)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.metricReaders {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Bot != "" {
		attrs = append(attrs, AttrBot.String(cfg.Bot))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// sampleRate clamps out-of-range rates to sampling everything.
func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1.0
	}
	return r
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
