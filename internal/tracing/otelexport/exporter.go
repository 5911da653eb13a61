// Package otelexport exports agent spans to an OTLP backend (Jaeger,
// Grafana Tempo, Datadog, etc.) via the OpenTelemetry SDK.
package otelexport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/maxagent/maxd/internal/tracing"
)

// Config configures the OTLP exporter.
type Config struct {
	Endpoint    string            // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local dev
	ServiceName string            // OTEL service name (default "maxd")
	Headers     map[string]string // extra headers (auth tokens, etc.)
}

// Exporter converts SpanData to OTel spans and exports via OTLP.
// It implements the tracing.SpanExporter interface.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates an OTLP exporter with the given config.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "maxd"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Exporter{
		provider: tp,
		tracer:   tp.Tracer("maxd"),
	}, nil
}

// ExportSpans converts spans to OTel form and exports them.
// Called by the collector during each flush.
func (e *Exporter) ExportSpans(ctx context.Context, spans []tracing.SpanData) {
	if e == nil || len(spans) == 0 {
		return
	}

	for _, s := range spans {
		e.exportSpan(ctx, s)
	}
}

func (e *Exporter) exportSpan(ctx context.Context, s tracing.SpanData) {
	traceID := uuidToTraceID(s.TraceID)

	attrs := []attribute.KeyValue{
		attribute.String("maxd.span_type", s.SpanType),
	}

	if s.SessionKey != "" {
		attrs = append(attrs, attribute.String("maxd.session_key", s.SessionKey))
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", s.Model))
	}
	if s.Provider != "" {
		attrs = append(attrs, attribute.String("gen_ai.system", s.Provider))
	}
	if s.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", s.InputTokens))
	}
	if s.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", s.OutputTokens))
	}
	if s.FinishReason != "" {
		attrs = append(attrs, attribute.String("gen_ai.response.finish_reason", s.FinishReason))
	}
	if s.ToolName != "" {
		attrs = append(attrs, attribute.String("maxd.tool.name", s.ToolName))
	}
	if s.ToolCallID != "" {
		attrs = append(attrs, attribute.String("maxd.tool.call_id", s.ToolCallID))
	}
	if s.DurationMS > 0 {
		attrs = append(attrs, attribute.Int("maxd.duration_ms", s.DurationMS))
	}
	if s.InputPreview != "" {
		attrs = append(attrs, attribute.String("maxd.input_preview", s.InputPreview))
	}
	if s.OutputPreview != "" {
		attrs = append(attrs, attribute.String("maxd.output_preview", s.OutputPreview))
	}

	parentCtx := ctx
	if s.ParentSpanID != nil {
		parentSpanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     uuidToSpanID(*s.ParentSpanID),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		parentCtx = trace.ContextWithRemoteSpanContext(parentCtx, parentSpanCtx)
	}

	kind := trace.SpanKindInternal
	if s.SpanType == tracing.SpanTypeLLMCall {
		kind = trace.SpanKindClient
	}

	_, span := e.tracer.Start(parentCtx, s.Name,
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	// The SDK generates its own IDs, so record ours as attributes for
	// correlation with the audit log.
	span.SetAttributes(
		attribute.String("maxd.trace_id", s.TraceID.String()),
		attribute.String("maxd.span_id", s.ID.String()),
	)

	if s.Status == "error" {
		span.SetStatus(codes.Error, s.Error)
		if s.Error != "" {
			span.RecordError(fmt.Errorf("%s", s.Error))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	endTime := s.StartTime.Add(time.Duration(s.DurationMS) * time.Millisecond)
	if s.EndTime != nil {
		endTime = *s.EndTime
	}
	span.End(trace.WithTimestamp(endTime))
}

// Shutdown flushes remaining spans and shuts down the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

// uuidToTraceID converts a UUID to an OTel TraceID (16 bytes).
func uuidToTraceID(id [16]byte) trace.TraceID {
	return trace.TraceID(id)
}

// uuidToSpanID converts a UUID to an OTel SpanID (last 8 bytes of the UUID).
func uuidToSpanID(id [16]byte) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:16])
	return sid
}
