// Package bus decouples transports from the agent runtime. Transports
// publish inbound messages and consume outbound replies; runtime
// components broadcast events to any interested subscriber.
package bus

import (
	"context"
	"sync"
)

const queueDepth = 100

// MessageBus carries messages between transports and the agent runtime.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound hands a transport message to the runtime.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.inbound <- msg
}

// ConsumeInbound blocks for the next inbound message. The false return
// means ctx was cancelled.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound hands a reply to whichever transport owns its channel.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.outbound <- msg
}

// SubscribeOutbound blocks for the next outbound message.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (mb *MessageBus) Subscribe(id string, h EventHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.subs[id] = h
}

// Unsubscribe removes the handler registered under id.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.subs, id)
}

// Broadcast delivers an event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (mb *MessageBus) Broadcast(event Event) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, h := range mb.subs {
		h(event)
	}
}

// Close shuts the bus down. Publishing after Close panics, so stop
// transports first.
func (mb *MessageBus) Close() {
	close(mb.inbound)
	close(mb.outbound)
}
