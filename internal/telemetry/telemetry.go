package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process TracerProvider and MeterProvider.
//
// Exporter failures do not fail startup; they degrade the instance.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
	reason   atomic.Value // string
}

// New creates a Telemetry instance and installs its providers globally.
//
// A disabled config yields an instance that hands out the global (no-op)
// providers. Exporter construction errors degrade the instance.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{
		config: cfg,
	}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.setDegraded("resource creation failed: %v", err)
		return t, nil
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded("tracer provider failed: %v", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded("meter provider failed: %v", err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope, falling back
// to the global provider when telemetry is disabled or degraded.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope, falling back
// to the global provider when telemetry is disabled or degraded.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// TracerProvider returns the SDK provider, or the global one when unset.
func (t *Telemetry) TracerProvider() oteltrace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return t.tracerProvider
}

// MeterProvider returns the SDK provider, or the global one when unset.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider()
	}
	return t.meterProvider
}

// LoggerProvider feeds the otelzap bridge. It is the global provider, a
// no-op unless the embedding program installs one.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	return global.GetLoggerProvider()
}

// provider is the lifecycle both SDK providers share.
type provider interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

func (t *Telemetry) providers() map[string]provider {
	out := make(map[string]provider, 2)
	if t.tracerProvider != nil {
		out["trace"] = t.tracerProvider
	}
	if t.meterProvider != nil {
		out["meter"] = t.meterProvider
	}
	return out
}

// Shutdown flushes and stops both providers, bounded by the configured
// shutdown timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	for name, p := range t.providers() {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s provider shutdown: %w", name, err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush exports everything pending without stopping the providers.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for name, p := range t.providers() {
		if err := p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s flush: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthStatus reports whether exporters are running.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
	Reason   string
}

// Health returns the current telemetry health status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Healthy: false, Degraded: true}
	}
	reason, _ := t.reason.Load().(string)
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
		Reason:   reason,
	}
}

// IsEnabled returns true if telemetry is enabled and healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

// setDegraded marks telemetry as degraded and records why.
func (t *Telemetry) setDegraded(format string, args ...interface{}) {
	t.degraded.Store(true)
	t.reason.Store(fmt.Sprintf(format, args...))
}
