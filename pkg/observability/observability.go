// Package observability wires structured logging, OpenTelemetry tracing
// and Prometheus-scraped metrics for the three ptocore daemons: a tracing
// slog.Handler that injects trace/span ids into every record, an RED
// instrument set each control loop records its ticks through, and a
// Prometheus exporter so /metrics can be scraped without an external
// collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// AppMode identifies which daemon initialized observability, so a single
// dashboard can distinguish ptosensor/ptosupervisor/ptovalidator ticks.
type AppMode string

// Recognised modes, one per daemon plus the read-only inspector.
const (
	ModeSensor     AppMode = "sensor"
	ModeSupervisor AppMode = "supervisor"
	ModeValidator  AppMode = "validator"
	ModeCtl        AppMode = "ctl"
)

// Config controls Init.
type Config struct {
	ServiceName string
	Environment string
	Mode        AppMode
	LogLevel    slog.Level
	LogFormat   string // "json" or "text"
}

// Providers holds the initialized observability surface a daemon's main
// wires into its control loop.
type Providers struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Logger   *slog.Logger
	Handler  http.Handler
	Shutdown func(ctx context.Context) error
}

const tracerName = "ptocore"

// Init builds the tracer/meter providers and structured logger for cfg.Mode.
func Init(cfg Config) (Providers, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("ptocore.mode", string(cfg.Mode)),
	))
	if err != nil {
		return Providers{}, fmt.Errorf("observability: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return Providers{}, fmt.Errorf("observability: building prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	logger := buildLogger(cfg)

	shutdown := func(ctx context.Context) error {
		deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		tErr := tp.Shutdown(deadline)
		mErr := mp.Shutdown(deadline)

		if tErr != nil {
			return tErr
		}

		return mErr
	}

	return Providers{
		Tracer:   tp.Tracer(tracerName),
		Meter:    mp.Meter(tracerName),
		Logger:   logger,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown: shutdown,
	}, nil
}

func buildLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var base slog.Handler
	if cfg.LogFormat == "text" {
		base = slog.NewTextHandler(os.Stderr, opts)
	} else {
		base = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(NewTracingHandler(base, cfg.ServiceName, cfg.Environment, cfg.Mode))
}

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"
	attrEnv     = "env"
	attrMode    = "mode"
)

// TracingHandler is an slog.Handler that injects the active span's trace
// and span ids into every record, with service metadata pre-attached so it
// survives any later WithGroup call.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler wraps inner, pre-attaching service/env/mode attributes.
func NewTracingHandler(inner slog.Handler, service, env string, mode AppMode) *TracingHandler {
	attrs := []slog.Attr{
		slog.String(attrService, service),
		slog.String(attrMode, string(mode)),
	}

	if env != "" {
		attrs = append(attrs, slog.String(attrEnv, env))
	}

	return &TracingHandler{inner: inner.WithAttrs(attrs)}
}

// Enabled delegates to the inner handler.
func (th *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return th.inner.Enabled(ctx, level)
}

// Handle adds trace context attributes from the span context, then delegates.
func (th *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	if err := th.inner.Handle(ctx, record); err != nil {
		return fmt.Errorf("observability: tracing handler: %w", err)
	}

	return nil
}

// WithAttrs returns a new TracingHandler with additional attributes.
func (th *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{inner: th.inner.WithAttrs(attrs)}
}

// WithGroup returns a new TracingHandler with a group prefix.
func (th *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{inner: th.inner.WithGroup(name)}
}

// TickMetrics are the instruments every control loop records its tick
// outcome through: how many analyzers it acted on, how long the tick
// took, and how many ticks errored.
type TickMetrics struct {
	ticksTotal   metric.Int64Counter
	tickDuration metric.Float64Histogram
	errorsTotal  metric.Int64Counter
}

// NewTickMetrics creates the tick instrument set from meter.
func NewTickMetrics(meter metric.Meter) (*TickMetrics, error) {
	ticksTotal, err := meter.Int64Counter("ptocore.ticks.total", metric.WithDescription("control loop ticks completed"))
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram("ptocore.tick.duration.seconds",
		metric.WithDescription("control loop tick duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter("ptocore.errors.total", metric.WithDescription("control loop tick errors"))
	if err != nil {
		return nil, err
	}

	return &TickMetrics{ticksTotal: ticksTotal, tickDuration: tickDuration, errorsTotal: errorsTotal}, nil
}

// RecordTick records one completed tick, whether or not it errored.
func (m *TickMetrics) RecordTick(ctx context.Context, component string, duration time.Duration, errored bool) {
	attrs := metric.WithAttributes(attribute.String("component", component))

	m.ticksTotal.Add(ctx, 1, attrs)
	m.tickDuration.Record(ctx, duration.Seconds(), attrs)

	if errored {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}
