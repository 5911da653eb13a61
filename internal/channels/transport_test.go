package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxagent/maxd/internal/bus"
)

type fakeTransport struct {
	name string

	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerRejectsDuplicate(t *testing.T) {
	m := NewManager(bus.New())
	if err := m.Register(&fakeTransport{name: "cli"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&fakeTransport{name: "cli"}); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestManagerRoutesOutboundByChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	cli := &fakeTransport{name: "cli"}
	tg := &fakeTransport{name: "telegram"}
	if err := m.Register(cli); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(tg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.StartAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "unknown", ChatID: "1", Content: "dropped"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "local", Content: "hey"})

	deadline := time.After(2 * time.Second)
	for tg.sentCount() < 1 || cli.sentCount() < 1 {
		select {
		case <-deadline:
			t.Fatalf("routing incomplete: telegram=%d cli=%d", tg.sentCount(), cli.sentCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	m.Wait()

	if tg.sent[0].Content != "hi" {
		t.Errorf("telegram got %q", tg.sent[0].Content)
	}
	if cli.sent[0].Content != "hey" {
		t.Errorf("cli got %q", cli.sent[0].Content)
	}
}
