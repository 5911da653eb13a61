// Package tracing buffers agent run spans (model calls, capability
// invocations) and exports them in batches to an external backend over
// OTLP. When no exporter is attached the collector is effectively a
// cheap in-memory drain.
package tracing

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	previewMaxLen        = 500
)

// Span types emitted by the agent runtime.
const (
	SpanTypeTurn       = "turn"
	SpanTypeLLMCall    = "llm_call"
	SpanTypeCapability = "capability"
)

// SpanData is one timed unit of work inside an agent turn.
type SpanData struct {
	ID           uuid.UUID
	TraceID      uuid.UUID // groups all spans of one turn
	ParentSpanID *uuid.UUID
	SessionKey   string
	SpanType     string
	Name         string
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   int

	// LLM call fields
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	FinishReason string

	// Capability fields
	ToolName   string
	ToolCallID string

	Status        string // "ok" or "error"
	Error         string
	InputPreview  string
	OutputPreview string
}

// SpanExporter is implemented by backends that receive span batches
// (e.g. OpenTelemetry OTLP). Keeping this as an interface lets the OTel
// dependency live in a separate sub-package.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []SpanData)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans in memory and periodically flushes them to the
// attached exporter in batches.
type Collector struct {
	spanCh chan SpanData
	stopCh chan struct{}
	wg     sync.WaitGroup

	verbose  bool         // when true, LLM spans include full input messages
	exporter SpanExporter // nil = disabled
}

// NewCollector creates a tracing collector.
// Set MAXD_TRACE_VERBOSE=1 to include full LLM input in spans.
func NewCollector() *Collector {
	verbose := os.Getenv("MAXD_TRACE_VERBOSE") != ""
	if verbose {
		slog.Info("tracing: verbose mode enabled (MAXD_TRACE_VERBOSE)")
	}
	return &Collector{
		spanCh:  make(chan SpanData, defaultBufferSize),
		stopCh:  make(chan struct{}),
		verbose: verbose,
	}
}

// Verbose reports whether full LLM input logging is enabled.
func (c *Collector) Verbose() bool { return c.verbose }

// SetExporter attaches an external span exporter.
func (c *Collector) SetExporter(exp SpanExporter) {
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop shuts down the collector, flushing remaining spans.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: span exporter shutdown failed", "error", err)
		}
	}

	slog.Info("tracing collector stopped")
}

// EmitSpan enqueues a span for the next flush.
// Non-blocking: drops the span if the buffer is full.
func (c *Collector) EmitSpan(span SpanData) {
	if span.ID == uuid.Nil {
		span.ID = uuid.New()
	}
	if span.StartTime.IsZero() {
		span.StartTime = time.Now().UTC()
	}
	span.InputPreview = truncatePreview(span.InputPreview)
	span.OutputPreview = truncatePreview(span.OutputPreview)

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span",
			"span_type", span.SpanType, "name", span.Name)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []SpanData
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			goto done
		}
	}
done:

	if len(spans) == 0 {
		return
	}
	slog.Debug("tracing: flushing spans", "count", len(spans))

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.exporter.ExportSpans(ctx, spans)
	}
}

// truncatePreview sanitizes and truncates a string to previewMaxLen bytes.
func truncatePreview(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= previewMaxLen {
		return s
	}
	maxLen := previewMaxLen
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
