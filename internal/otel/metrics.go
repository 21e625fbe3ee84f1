package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's OpenTelemetry instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RequestErrors     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	SessionsCreated   metric.Int64Counter
	SessionsFinalized metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("turfbot.rpc.duration",
		metric.WithDescription("JSON-RPC request handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("turfbot.rpc.errors",
		metric.WithDescription("JSON-RPC requests answered with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("turfbot.connections.active",
		metric.WithDescription("Open host connections"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCreated, err = meter.Int64Counter("turfbot.sessions.created",
		metric.WithDescription("Bot sessions created"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsFinalized, err = meter.Int64Counter("turfbot.sessions.finalized",
		metric.WithDescription("Bot sessions finalized"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
