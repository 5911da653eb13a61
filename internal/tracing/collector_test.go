package tracing

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type captureExporter struct {
	mu       sync.Mutex
	spans    []SpanData
	shutdown bool
}

func (c *captureExporter) ExportSpans(ctx context.Context, spans []SpanData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, spans...)
}

func (c *captureExporter) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return nil
}

func (c *captureExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

func TestCollectorFlushesOnStop(t *testing.T) {
	exp := &captureExporter{}
	col := NewCollector()
	col.SetExporter(exp)
	col.Start()

	col.EmitSpan(SpanData{
		TraceID:  uuid.New(),
		SpanType: SpanTypeLLMCall,
		Name:     "chat",
	})
	col.EmitSpan(SpanData{
		TraceID:  uuid.New(),
		SpanType: SpanTypeCapability,
		Name:     "web_fetch",
	})

	col.Stop()

	if exp.count() != 2 {
		t.Errorf("exported %d spans, want 2", exp.count())
	}
	if !exp.shutdown {
		t.Error("exporter should be shut down with the collector")
	}

	for _, s := range exp.spans {
		if s.ID == uuid.Nil {
			t.Error("emitted span should get an ID")
		}
		if s.StartTime.IsZero() {
			t.Error("emitted span should get a start time")
		}
	}
}

func TestEmitSpanDropsWhenBufferFull(t *testing.T) {
	col := NewCollector()
	// Not started: nothing drains the channel.
	for i := 0; i < defaultBufferSize+10; i++ {
		col.EmitSpan(SpanData{SpanType: SpanTypeCapability, Name: "noop"})
	}
	if len(col.spanCh) != defaultBufferSize {
		t.Errorf("buffered %d, want %d", len(col.spanCh), defaultBufferSize)
	}
}

func TestEmitSpanTruncatesPreviews(t *testing.T) {
	col := NewCollector()
	col.EmitSpan(SpanData{
		SpanType:      SpanTypeLLMCall,
		Name:          "chat",
		OutputPreview: strings.Repeat("x", previewMaxLen*2),
	})
	s := <-col.spanCh
	if len(s.OutputPreview) > previewMaxLen+3 {
		t.Errorf("preview not truncated: %d bytes", len(s.OutputPreview))
	}
	if !strings.HasSuffix(s.OutputPreview, "...") {
		t.Error("truncated preview should end with ellipsis")
	}
}

func TestTruncatePreviewKeepsValidUTF8(t *testing.T) {
	// Multibyte rune straddling the cut point must not be split.
	s := strings.Repeat("a", previewMaxLen-1) + "世界"
	out := truncatePreview(s)
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("expected truncation, got %q tail", out[len(out)-10:])
	}
	trimmed := strings.TrimSuffix(out, "...")
	if strings.ToValidUTF8(trimmed, "?") != trimmed {
		t.Error("truncated preview contains invalid UTF-8")
	}

	if got := truncatePreview("short"); got != "short" {
		t.Errorf("short string altered: %q", got)
	}

}
