// Package otel provides OpenTelemetry TracerProvider, MeterProvider, and
// LoggerProvider configured with OTLP exporters for the auth server.
package otel

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const metricExportInterval = 10 * time.Second

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// otlpTarget is the dial address for the collector. plaintext disables TLS.
type otlpTarget struct {
	addr      string
	plaintext bool
}

// parseOTLPEndpoint accepts "host:port" or a URL and reduces it to the
// host:port the gRPC exporters dial. A path in the URL is ignored. TLS is on
// for https endpoints unless insecureOverride forces it off.
func parseOTLPEndpoint(endpoint string, insecureOverride bool) (otlpTarget, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return otlpTarget{
		addr:      u.Host,
		plaintext: insecureOverride || u.Scheme != "https",
	}, nil
}

// shutdownChain runs registered shutdown hooks in reverse order.
type shutdownChain []func(context.Context) error

func (c *shutdownChain) add(fn func(context.Context) error) {
	*c = append(*c, fn)
}

// run flushes and stops every registered provider, returning the last error.
// Individual failures are logged so one stuck exporter does not hide another.
func (c shutdownChain) run(ctx context.Context) error {
	var lastErr error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			log.Printf("telemetry: shutdown: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// abort tears down providers already built when a later exporter fails to
// construct, so NewProviders never leaks a running batcher on error.
func (c shutdownChain) abort(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i](ctx)
	}
}

func noopProviders() *Providers {
	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(),
		MeterProvider:  metric.NewMeterProvider(),
		LoggerProvider: sdklog.NewLoggerProvider(),
		Shutdown:       func(context.Context) error { return nil },
	}
}

func buildResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
}

func newTraceProvider(ctx context.Context, tgt otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tgt.addr)}
	if tgt.plaintext {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, tgt otlpTarget, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(tgt.addr)}
	if tgt.plaintext {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	reader := metric.NewPeriodicReader(exp, metric.WithInterval(metricExportInterval))
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}

func newLoggerProvider(ctx context.Context, tgt otlpTarget, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(tgt.addr)}
	if tgt.plaintext {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// NewProviders creates the three providers exporting via OTLP gRPC to
// endpoint. An empty endpoint means telemetry is off and the providers are
// no-ops with a no-op Shutdown.
func NewProviders(ctx context.Context, endpoint, serviceName string, insecureOverride bool) (*Providers, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return noopProviders(), nil
	}

	tgt, err := parseOTLPEndpoint(endpoint, insecureOverride)
	if err != nil {
		return nil, err
	}
	res, err := buildResource(serviceName)
	if err != nil {
		return nil, err
	}

	var chain shutdownChain

	tp, err := newTraceProvider(ctx, tgt, res)
	if err != nil {
		return nil, err
	}
	chain.add(tp.Shutdown)

	mp, err := newMeterProvider(ctx, tgt, res)
	if err != nil {
		chain.abort(ctx)
		return nil, err
	}
	chain.add(mp.Shutdown)

	lp, err := newLoggerProvider(ctx, tgt, res)
	if err != nil {
		chain.abort(ctx)
		return nil, err
	}
	chain.add(lp.Shutdown)

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown:       chain.run,
	}, nil
}

// SetGlobal installs the TracerProvider and MeterProvider as process globals
// so instrumentation picks them up. The LoggerProvider is passed explicitly
// to the components that emit through it.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
