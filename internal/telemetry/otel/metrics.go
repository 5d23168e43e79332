package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	auditdomain "session-control-plane/internal/audit/domain"
)

// Metrics counts security events by action. It satisfies the audit emitter
// contract, so it is wired alongside the log emitter via audit.MultiEmitter.
type Metrics struct {
	events otelmetric.Int64Counter
	sweeps otelmetric.Int64Counter
}

// NewMetrics registers the session counters on the given MeterProvider.
func NewMetrics(mp *metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("scp.session")
	events, err := meter.Int64Counter("security_events_total",
		otelmetric.WithDescription("Security events recorded, by action"))
	if err != nil {
		return nil, err
	}
	sweeps, err := meter.Int64Counter("sessions_swept_total",
		otelmetric.WithDescription("Sessions physically deleted by the sweeper"))
	if err != nil {
		return nil, err
	}
	return &Metrics{events: events, sweeps: sweeps}, nil
}

// Emit increments the event counter for the action.
func (m *Metrics) Emit(ctx context.Context, ev *auditdomain.SecurityEvent) error {
	if ev == nil {
		return nil
	}
	m.events.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action", ev.Action)))
	return nil
}

// RecordSwept adds the sweeper's deletion count.
func (m *Metrics) RecordSwept(ctx context.Context, n int64) {
	if n > 0 {
		m.sweeps.Add(ctx, n)
	}
}
