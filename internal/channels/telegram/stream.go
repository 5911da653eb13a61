package telegram

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	// defaultStreamThrottle is the minimum delay between message edits,
	// kept at 1s to stay clear of Telegram's edit rate limits.
	defaultStreamThrottle = 1000 * time.Millisecond

	// streamMaxChars is the max message length for streaming previews.
	streamMaxChars = 4096
)

// DraftStream manages a preview message that gets edited as a multi-step
// turn progresses, so the user sees intermediate commentary before the
// final reply replaces it.
type DraftStream struct {
	bot       *telego.Bot
	chatID    int64
	messageID int // 0 = not yet created
	lastText  string
	throttle  time.Duration
	lastEdit  time.Time
	mu        sync.Mutex
	stopped   bool
	pending   string
}

func newDraftStream(bot *telego.Bot, chatID int64) *DraftStream {
	return &DraftStream{
		bot:      bot,
		chatID:   chatID,
		throttle: defaultStreamThrottle,
	}
}

// Update sends or edits the preview with the latest text. Edits are
// throttled; the most recent text wins.
func (ds *DraftStream) Update(ctx context.Context, text string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.stopped {
		return
	}
	if len(text) > streamMaxChars {
		text = text[:streamMaxChars]
	}
	if text == ds.lastText {
		return
	}
	ds.pending = text

	if time.Since(ds.lastEdit) < ds.throttle {
		return
	}
	ds.flush(ctx)
}

// flush sends or edits the pending text. Caller holds mu.
func (ds *DraftStream) flush(ctx context.Context) {
	if ds.pending == "" || ds.pending == ds.lastText {
		return
	}

	text := ds.pending
	if ds.messageID == 0 {
		msg, err := ds.bot.SendMessage(ctx, tu.Message(tu.ID(ds.chatID), text))
		if err != nil {
			slog.Debug("stream: failed to send initial message", "error", err)
			return
		}
		ds.messageID = msg.MessageID
	} else {
		if _, err := ds.bot.EditMessageText(ctx, tu.EditMessageText(tu.ID(ds.chatID), ds.messageID, text)); err != nil {
			if !strings.Contains(err.Error(), "message is not modified") {
				slog.Debug("stream: failed to edit message", "error", err)
			}
		}
	}

	ds.lastText = text
	ds.lastEdit = time.Now()
}

// Clear stops the stream and deletes the preview message, making room
// for the fully formatted final reply.
func (ds *DraftStream) Clear(ctx context.Context) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.stopped = true
	if ds.messageID != 0 {
		_ = ds.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
			ChatID:    tu.ID(ds.chatID),
			MessageID: ds.messageID,
		})
		ds.messageID = 0
	}
}
