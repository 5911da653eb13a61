package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same
// sender into one InboundMessage, so a burst of short texts runs a
// single agent turn instead of five.
type InboundDebouncer struct {
	window  time.Duration
	flushFn func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*burst
}

type burst struct {
	messages []InboundMessage
	timer    *time.Timer
}

// NewInboundDebouncer builds a debouncer that calls flushFn once per
// merged burst. A window <= 0 disables buffering entirely.
func NewInboundDebouncer(window time.Duration, flushFn func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flushFn: flushFn,
		pending: make(map[string]*burst),
	}
}

// Push buffers msg, restarting the quiet-window timer for its sender.
// Messages with media skip the buffer: any buffered text flushes first
// so ordering holds, then the media message goes through on its own.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 {
		d.flushFn(msg)
		return
	}

	key := msg.Channel + ":" + msg.ChatID + ":" + msg.SenderID

	if len(msg.Media) > 0 {
		d.flush(key)
		d.flushFn(msg)
		return
	}

	d.mu.Lock()
	b := d.pending[key]
	if b == nil {
		b = &burst{}
		d.pending[key] = b
	}
	b.messages = append(b.messages, msg)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d.window, func() { d.flush(key) })
	buffered := len(b.messages)
	d.mu.Unlock()

	slog.Debug("inbound debounce", "key", key, "buffered", buffered)
}

// Stop flushes everything still buffered. Call on shutdown so no
// message is lost.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.flush(k)
	}
}

func (d *InboundDebouncer) flush(key string) {
	d.mu.Lock()
	b := d.pending[key]
	if b == nil || len(b.messages) == 0 {
		d.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	msgs := b.messages
	delete(d.pending, key)
	d.mu.Unlock()

	if len(msgs) > 1 {
		slog.Info("inbound debounce merged", "key", key, "count", len(msgs))
	}
	d.flushFn(mergeInbound(msgs))
}

// mergeInbound joins the burst into one message. Content concatenates
// in arrival order; identity fields come from the newest message.
func mergeInbound(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}

	out := msgs[len(msgs)-1]

	parts := make([]string, 0, len(msgs))
	var media []string
	for _, m := range msgs {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
		media = append(media, m.Media...)
	}
	out.Content = strings.Join(parts, "\n")
	out.Media = media
	return out
}
