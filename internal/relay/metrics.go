package relay

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/speech-relay/internal/relay"

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// Metrics holds the relay's OpenTelemetry instruments.
type Metrics struct {
	ActiveStreams     metric.Int64UpDownCounter
	Streams           metric.Int64Counter
	BytesForwarded    metric.Int64Counter
	FirstByteDuration metric.Float64Histogram
	StreamDuration    metric.Float64Histogram
	ProviderErrors    metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveStreams, err = m.Int64UpDownCounter("relay.streams.active",
		metric.WithDescription("Number of live speech streams."),
	); err != nil {
		return nil, err
	}
	if met.Streams, err = m.Int64Counter("relay.streams.total",
		metric.WithDescription("Finished speech streams by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("relay.bytes.forwarded",
		metric.WithDescription("Audio bytes forwarded to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FirstByteDuration, err = m.Float64Histogram("relay.first_byte.duration",
		metric.WithDescription("Time from stream registration to the first audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamDuration, err = m.Float64Histogram("relay.stream.duration",
		metric.WithDescription("Lifetime of a speech stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("relay.provider.errors",
		metric.WithDescription("Synthesis provider failures by stage."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) recordOutcome(ctx context.Context, state State, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", state.String()))
	m.Streams.Add(ctx, 1, attrs)
	m.StreamDuration.Record(ctx, seconds, attrs)
	m.ActiveStreams.Add(ctx, -1)
}

func (m *Metrics) recordProviderError(ctx context.Context, stage string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
