// Package observability records registry lifecycle metrics through the
// OpenTelemetry metric API. The embedder chooses the MeterProvider;
// with none configured the no-op global provider makes every
// instrument free.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/OpenAgentsInc/openagents-pool"

// Metrics holds the registry's instruments.
type Metrics struct {
	EventsIngested   metric.Int64Counter
	EventsDropped    metric.Int64Counter
	JobsCreated      metric.Int64Counter
	JobsEvicted      metric.Int64Counter
	PaymentsRecorded metric.Int64Counter
	PaymentsRejected metric.Int64Counter
	WebhooksSent     metric.Int64Counter
}

// New creates the instrument set on the given provider. A nil provider
// uses the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.EventsIngested, err = meter.Int64Counter("pool.events.ingested",
		metric.WithDescription("Events accepted and merged into job state")); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("pool.events.dropped",
		metric.WithDescription("Events rejected at ingestion")); err != nil {
		return nil, err
	}
	if m.JobsCreated, err = meter.Int64Counter("pool.jobs.created",
		metric.WithDescription("Job aggregates created")); err != nil {
		return nil, err
	}
	if m.JobsEvicted, err = meter.Int64Counter("pool.jobs.evicted",
		metric.WithDescription("Job aggregates evicted after expiration")); err != nil {
		return nil, err
	}
	if m.PaymentsRecorded, err = meter.Int64Counter("pool.payments.recorded",
		metric.WithDescription("Payment proofs accepted")); err != nil {
		return nil, err
	}
	if m.PaymentsRejected, err = meter.Int64Counter("pool.payments.rejected",
		metric.WithDescription("Payment proofs that failed verification")); err != nil {
		return nil, err
	}
	if m.WebhooksSent, err = meter.Int64Counter("pool.webhooks.sent",
		metric.WithDescription("Webhook deliveries attempted")); err != nil {
		return nil, err
	}
	return m, nil
}

// IngestDrop records one dropped event with the drop reason.
func (m *Metrics) IngestDrop(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Ingest records one accepted event with its kind.
func (m *Metrics) Ingest(ctx context.Context, kind int) {
	m.EventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.Int("kind", kind)))
}
