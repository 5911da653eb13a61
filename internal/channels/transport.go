// Package channels connects chat transports (CLI, Telegram, Discord) to the
// message bus. Each transport turns platform events into inbound bus
// messages and delivers outbound replies back to the platform.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maxagent/maxd/internal/bus"
)

// Transport is one chat surface the agent listens on.
type Transport interface {
	// Name is the channel identifier used in session keys ("cli", "telegram").
	Name() string
	// Start runs the transport until the context is cancelled.
	Start(ctx context.Context) error
	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Manager owns the registered transports and routes outbound bus
// traffic to the one that matches each message's channel.
type Manager struct {
	mu         sync.RWMutex
	transports map[string]Transport
	bus        *bus.MessageBus
	wg         sync.WaitGroup
}

func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{
		transports: make(map[string]Transport),
		bus:        b,
	}
}

func (m *Manager) Register(t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transports[t.Name()]; exists {
		return fmt.Errorf("transport %s already registered", t.Name())
	}
	m.transports[t.Name()] = t
	return nil
}

func (m *Manager) Get(name string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[name]
	return t, ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transports))
	for n := range m.transports {
		names = append(names, n)
	}
	return names
}

// StartAll launches every transport plus the outbound pump. It returns
// immediately; transports run until the context is cancelled.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.transports {
		t := t
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := t.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("transport stopped", "channel", t.Name(), "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pumpOutbound(ctx)
	}()
}

// Wait blocks until all transports have shut down.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		t, found := m.Get(msg.Channel)
		if !found {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}
		if err := t.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}
