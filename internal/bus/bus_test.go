package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := New()
	mb.PublishInbound(InboundMessage{Channel: "cli", Content: "hi"})

	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok || msg.Content != "hi" {
		t.Fatalf("got %+v ok=%v", msg, ok)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	mb := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("consume should report cancellation")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	mb := New()
	var mu sync.Mutex
	got := map[string]EventKind{}

	mb.Subscribe("a", func(e Event) {
		mu.Lock()
		got["a"] = e.Kind
		mu.Unlock()
	})
	mb.Subscribe("b", func(e Event) {
		mu.Lock()
		got["b"] = e.Kind
		mu.Unlock()
	})
	mb.Unsubscribe("b")

	mb.Broadcast(Event{Kind: EventTurnDone, SessionKey: "cli:x"})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != EventTurnDone {
		t.Fatalf("subscriber a missed event: %v", got)
	}
	if _, ok := got["b"]; ok {
		t.Fatal("unsubscribed handler still received event")
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(50*time.Millisecond, 10)

	if d.IsDuplicate("telegram:42:msg1") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !d.IsDuplicate("telegram:42:msg1") {
		t.Fatal("second sighting not flagged")
	}

	time.Sleep(60 * time.Millisecond)
	if d.IsDuplicate("telegram:42:msg1") {
		t.Fatal("expired key still flagged as duplicate")
	}
}

func TestDedupeCacheEviction(t *testing.T) {
	d := NewDedupeCache(time.Minute, 3)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		d.IsDuplicate(k)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) > 3 {
		t.Fatalf("cache grew past max size: %d", len(d.seen))
	}
}

func TestDebouncerMergesBurst(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(30*time.Millisecond, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})

	base := InboundMessage{Channel: "telegram", ChatID: "7", SenderID: "42"}
	for _, text := range []string{"hey", "are you there", "ping"} {
		m := base
		m.Content = text
		d.Push(m)
	}

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("burst should flush once, got %d", len(flushed))
	}
	if flushed[0].Content != "hey\nare you there\nping" {
		t.Fatalf("merged content = %q", flushed[0].Content)
	}
}

func TestDebouncerMediaBypasses(t *testing.T) {
	var mu sync.Mutex
	var flushed []InboundMessage
	d := NewInboundDebouncer(time.Hour, func(m InboundMessage) {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
	})

	d.Push(InboundMessage{Channel: "telegram", ChatID: "7", SenderID: "42", Content: "look at this"})
	d.Push(InboundMessage{Channel: "telegram", ChatID: "7", SenderID: "42", Media: []string{"/tmp/pic.jpg"}})

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Fatalf("media should flush buffered text then itself, got %d", len(flushed))
	}
	if flushed[0].Content != "look at this" || len(flushed[1].Media) != 1 {
		t.Fatalf("unexpected flush order: %+v", flushed)
	}
}

func TestDebouncerDisabledPassesThrough(t *testing.T) {
	var flushed int
	d := NewInboundDebouncer(0, func(InboundMessage) { flushed++ })
	d.Push(InboundMessage{Content: "x"})
	d.Push(InboundMessage{Content: "y"})
	if flushed != 2 {
		t.Fatalf("disabled debouncer should pass through, got %d", flushed)
	}
}
