// Package observability wires OpenTelemetry tracing into Genkit.
//
// Traces are exported over OTLP HTTP to a local collector (an OTel
// Collector or any agent speaking OTLP on localhost:4318). The
// collector handles authentication, buffering, and forwarding, so no
// backend credentials ever reach this process. An empty endpoint
// disables export entirely.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the OTLP HTTP host:port. Empty disables export.
	Endpoint string
	// ServiceName appears on every exported span.
	ServiceName string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
}

// Setup registers an OTLP exporter with Genkit's TracerProvider.
// Returns a shutdown function that flushes pending spans; the returned
// function is always safe to call.
//
// Must run before genkit.Init so the TracerProvider is ready when the
// first flow starts.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return noop
	}

	// Genkit's TracerProvider reads these at span creation time.
	// SAFETY: os.Setenv is not concurrent-safe, but Setup runs exactly
	// once during startup before any goroutines exist.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		logger.Warn("creating OTLP exporter, tracing disabled", "error", err)
		return noop
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown
}
