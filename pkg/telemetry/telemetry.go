// Package telemetry wires OpenTelemetry export for the peerlink
// binaries. Export is off unless OTEL_EXPORTER_OTLP_ENDPOINT is set, in
// which case the signals named in Config go to OTLP/HTTP exporters; the
// global providers stay noop for everything else.
//
// The two binaries carry different instrument sets: the peer daemon
// exports traces (rendezvous/STUN spans), metrics (punch, pong, rebind
// counters), and logs, while the registry exports logs only. Setup takes
// that as configuration rather than always bringing up all three.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config names the service and selects which signals to export.
type Config struct {
	Service string
	Version string

	Traces  bool
	Metrics bool
	Logs    bool

	// MetricInterval is the push period for the metric reader.
	// Zero means one minute.
	MetricInterval time.Duration
}

// Telemetry tracks the providers Setup brought up so they can be flushed
// and stopped together. The zero value (and a Setup with no endpoint
// configured) is inert: Shutdown is a no-op and LogHandlers is empty.
type Telemetry struct {
	closers    []func(context.Context) error
	logHandler slog.Handler
}

// Setup registers exporting providers for the signals cfg selects. On
// error the providers brought up so far stay registered in the returned
// Telemetry, so callers should defer Shutdown before checking the error
// and may keep running with whatever subset succeeded.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return t, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return t, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if cfg.Traces {
		exp, err := otlptracehttp.New(ctx)
		if err != nil {
			return t, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		t.closers = append(t.closers, tp.Shutdown)
	}

	if cfg.Metrics {
		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return t, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = time.Minute
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		t.closers = append(t.closers, mp.Shutdown)
	}

	if cfg.Logs {
		exp, err := otlploghttp.New(ctx)
		if err != nil {
			return t, fmt.Errorf("telemetry: log exporter: %w", err)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
			sdklog.WithResource(res),
		)
		global.SetLoggerProvider(lp)
		t.logHandler = otelslog.NewHandler(cfg.Service, otelslog.WithLoggerProvider(lp))
		t.closers = append(t.closers, lp.Shutdown)
	}

	slog.Info("telemetry: exporting",
		"endpoint", endpoint,
		"service", cfg.Service,
		"traces", cfg.Traces, "metrics", cfg.Metrics, "logs", cfg.Logs)

	return t, nil
}

// LogHandlers returns the slog handler that mirrors log records to the
// OTLP log exporter, or nothing when log export is off. The slice form
// feeds straight into logging.Configure's variadic extras.
func (t *Telemetry) LogHandlers() []slog.Handler {
	if t.logHandler == nil {
		return nil
	}
	return []slog.Handler{t.logHandler}
}

// Shutdown flushes and stops the providers in the order Setup started
// them: traces and metrics first, the log provider last, since warnings
// emitted while the others drain still flow through it. Bounded at five
// seconds.
func (t *Telemetry) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, closer := range t.closers {
		if err := closer(ctx); err != nil {
			slog.Warn("telemetry: provider shutdown failed", "error", err)
		}
	}
	t.closers = nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Service),
			semconv.ServiceVersion(cfg.Version),
			semconv.ServiceInstanceID(fmt.Sprintf("%s-%d", hostname, os.Getpid())),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}
