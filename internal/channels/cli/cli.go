// Package cli provides an interactive terminal transport, mainly for
// local development and the `maxd chat` command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maxagent/maxd/internal/bus"
)

// Transport reads lines from an input stream and publishes them as
// inbound messages. Outbound messages are printed to the output stream.
type Transport struct {
	bus    *bus.MessageBus
	in     io.Reader
	out    io.Writer
	userID string
}

func New(b *bus.MessageBus) *Transport {
	return &Transport{
		bus:    b,
		in:     os.Stdin,
		out:    os.Stdout,
		userID: "local",
	}
}

// NewWithStreams is used by tests to substitute the terminal.
func NewWithStreams(b *bus.MessageBus, in io.Reader, out io.Writer, userID string) *Transport {
	return &Transport{bus: b, in: in, out: out, userID: userID}
}

func (t *Transport) Name() string { return "cli" }

func (t *Transport) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			t.bus.PublishInbound(bus.InboundMessage{
				Channel:   t.Name(),
				ChatID:    t.userID,
				SenderID:  t.userID,
				MessageID: uuid.NewString(),
				Content:   text,
				Timestamp: time.Now(),
			})
		}
	}
}

func (t *Transport) Send(_ context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(t.out, "%s\n", msg.Content)
	return err
}
