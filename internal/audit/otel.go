package audit

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-control-plane/internal/audit/domain"
)

// NewOTelEmitter returns an Emitter that sends security events as OTel log
// records via the given LoggerProvider. If provider is nil, returns a no-op.
func NewOTelEmitter(provider *sdklog.LoggerProvider) Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("scp.audit")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.SecurityEvent) error { return nil }

// MultiEmitter fans one event out to several emitters. The first error is
// returned after every emitter has been tried.
func MultiEmitter(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, ev *domain.SecurityEvent) error {
	var firstErr error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the security event to an OTel log record and emits it.
func (e *otelEmitter) Emit(ctx context.Context, ev *domain.SecurityEvent) error {
	if ev == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetBody(otellog.StringValue(ev.Action))
	if !ev.CreatedAt.IsZero() {
		rec.SetTimestamp(ev.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if ev.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", ev.UserID))
	}
	if ev.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", ev.SessionID))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	if ev.IP != "" {
		rec.AddAttributes(otellog.String("ip", ev.IP))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
