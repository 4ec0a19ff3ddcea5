// Package tracing wires the ingestion pipeline into the real
// OpenTelemetry SDK (otel/otel-sdk/otel-trace are pinned in go.mod)
// instead of hand-rolling trace/span identifiers, so spans emitted here
// interoperate with any OTLP collector downstream, not just the
// in-process log exporter used for local development.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls how the pipeline's tracer provider is constructed.
type Config struct {
	// ServiceName is recorded as a resource attribute on every span.
	ServiceName string
	// SampleRatio is the fraction of root spans sampled, 0.0-1.0.
	SampleRatio float64
	// Enabled controls whether a real exporter is installed. When false,
	// spans are created against a no-op provider so call sites never
	// need to branch on whether tracing is configured.
	Enabled bool
}

// DefaultConfig returns sane defaults with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "ingestor",
		SampleRatio: 1.0,
		Enabled:     false,
	}
}

// Provider wraps the SDK's TracerProvider and the pipeline's logger so
// Shutdown can report export failures the way every other component
// here logs its own lifecycle events.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewProvider builds a TracerProvider backed by the stdout exporter.
// The stdout exporter stands in for an OTLP exporter in this pipeline:
// swapping it for otlptracegrpc is a one-line change at the call site
// wherever a collector endpoint is actually deployed.
func NewProvider(cfg Config, logger zerolog.Logger) (*Provider, error) {
	logger = logger.With().Str("component", "tracing").Logger()

	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Info().Msg("tracing disabled: spans will not be exported")
		return &Provider{tp: tp, tracer: tp.Tracer("ingestor"), logger: logger}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: build stdout exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info().Float64("sample_ratio", ratio).Msg("tracing enabled")
	return &Provider{tp: tp, tracer: tp.Tracer("ingestor"), logger: logger}, nil
}

// Tracer returns the tracer components should use to start spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and closes the underlying exporter.
func (p *Provider) Shutdown(ctx context.Context) {
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error().Err(err).Msg("tracer provider shutdown failed")
	}
}

// Middleware creates a server span for each HTTP request, extracting
// any W3C traceparent header from the incoming request and propagating
// the resulting context back out on the response.
func Middleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	propagator := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.host", r.Host),
				attribute.String("http.user_agent", r.UserAgent()),
			)
			if reqID := chimw.GetReqID(ctx); reqID != "" {
				span.SetAttributes(attribute.String("ingestor.request_id", reqID))
			}

			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.Status()))
			if rw.Status() >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.Status()))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// StartCollectorSpan wraps a collector's ingest cycle in a span so
// buffer backpressure or parser failures downstream can be correlated
// back to the adapter and connection that produced the event.
func StartCollectorSpan(ctx context.Context, tracer trace.Tracer, collector, source string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "collector.ingest", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("ingestor.collector", collector),
		attribute.String("ingestor.source", source),
	)
	return ctx, span
}

// StartDispatchSpan wraps one producer-pool send-or-requeue cycle.
func StartDispatchSpan(ctx context.Context, tracer trace.Tracer, topic string, batchSize int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "dispatcher.send", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("ingestor.topic", topic),
		attribute.Int("ingestor.batch_size", batchSize),
	)
	return ctx, span
}
