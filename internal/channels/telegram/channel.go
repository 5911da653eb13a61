// Package telegram implements the Telegram transport: long-polling
// updates in, chunked replies out, and inline-keyboard prompts for
// action approvals.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/bus"
	"github.com/maxagent/maxd/internal/channels"
)

// Config holds Telegram transport settings.
type Config struct {
	Token string
	// AllowedUserIDs restricts who may talk to the bot. Empty allows
	// everyone.
	AllowedUserIDs []int64
	// GroupHistoryLimit caps unaddressed group messages kept as context.
	GroupHistoryLimit int
	// MediaDir is where downloaded attachments land.
	MediaDir string
}

// Channel is the Telegram transport.
type Channel struct {
	bot  *telego.Bot
	cfg  Config
	bus  *bus.MessageBus
	gate *approval.Gate

	botUsername string
	history     *channels.PendingHistory

	drafts sync.Map // chat id string → *DraftStream
	chats  sync.Map // session key → int64 chat id
}

func New(cfg Config, b *bus.MessageBus, gate *approval.Gate) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.GroupHistoryLimit == 0 {
		cfg.GroupHistoryLimit = channels.DefaultGroupHistoryLimit
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = os.TempDir()
	}

	bot, err := telego.NewBot(cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		bot:     bot,
		cfg:     cfg,
		bus:     b,
		gate:    gate,
		history: channels.NewPendingHistory(),
	}, nil
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	c.botUsername = me.Username
	slog.Info("telegram transport started", "bot", "@"+me.Username)

	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, upd)
		}
	}
}

func (c *Channel) handleUpdate(ctx context.Context, upd telego.Update) {
	switch {
	case upd.Message != nil:
		c.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		c.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if !c.userAllowed(msg.From.ID) {
		slog.Debug("telegram message from unauthorized user", "user_id", msg.From.ID)
		return
	}

	chatID := msg.Chat.ID
	chatIDStr := strconv.FormatInt(chatID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if c.handleBotCommand(ctx, chatID, chatIDStr, senderID, text) {
		return
	}

	// In groups the bot only answers when mentioned; everything else is
	// recorded so the next addressed message carries the conversation.
	if isGroup {
		mention := "@" + c.botUsername
		if !strings.Contains(text, mention) {
			c.history.Record(chatIDStr, channels.HistoryEntry{
				Sender:    displayName(msg.From),
				Body:      text,
				Timestamp: time.Unix(msg.Date, 0),
				MessageID: strconv.Itoa(msg.MessageID),
			}, c.cfg.GroupHistoryLimit)
			return
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
		text = c.history.BuildContext(chatIDStr, text, c.cfg.GroupHistoryLimit)
		c.history.Clear(chatIDStr)
	}

	text = buildMessageContext(msg, c.botUsername).render(text)
	if strings.TrimSpace(text) == "" && msg.Photo == nil {
		return
	}

	var media []string
	if len(msg.Photo) > 0 {
		if path, err := c.downloadPhoto(ctx, msg.Photo); err != nil {
			slog.Warn("photo download failed", "chat_id", chatIDStr, "error", err)
		} else {
			media = append(media, path)
		}
	}

	// Remember which chat this session talks in, for approval prompts.
	c.chats.Store(c.Name()+":"+senderID, chatID)

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.Name(),
		ChatID:    chatIDStr,
		SenderID:  senderID,
		MessageID: strconv.Itoa(msg.MessageID),
		Content:   text,
		Media:     media,
		Timestamp: time.Unix(msg.Date, 0),
	})
}

func (c *Channel) userAllowed(id int64) bool {
	if len(c.cfg.AllowedUserIDs) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedUserIDs {
		if id == allowed {
			return true
		}
	}
	return false
}

// downloadPhoto fetches the largest size of a photo and sanitizes it for
// vision input.
func (c *Channel) downloadPhoto(ctx context.Context, sizes []telego.PhotoSize) (string, error) {
	best := sizes[len(sizes)-1]
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: best.FileID})
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}

	url := c.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	raw := filepath.Join(c.cfg.MediaDir, fmt.Sprintf("tg_%s.jpg", best.FileUniqueID))
	out, err := os.Create(raw)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return "", err
	}
	out.Close()

	sanitized, err := sanitizeImage(raw)
	if err != nil {
		// Fall back to the raw download; the provider may still accept it.
		slog.Debug("image sanitize failed", "path", raw, "error", err)
		return raw, nil
	}
	os.Remove(raw)
	return sanitized, nil
}

// Send delivers an outbound message. Partial messages update an editable
// preview; final messages replace the preview with formatted chunks.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	if msg.Partial {
		val, _ := c.drafts.LoadOrStore(msg.ChatID, newDraftStream(c.bot, chatID))
		val.(*DraftStream).Update(ctx, msg.Content)
		return nil
	}

	if val, ok := c.drafts.LoadAndDelete(msg.ChatID); ok {
		val.(*DraftStream).Clear(ctx)
	}

	for _, chunk := range chunkMessage(formatOutbound(msg.Content), telegramMaxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("sendMessage: %w", err)
		}
	}
	return nil
}

// --- Approval prompts ---

const callbackPrefix = "appr"

// PromptApproval surfaces a held proposal as an inline keyboard. Wire it
// with gate.SetNotifier.
func (c *Channel) PromptApproval(p *approval.Pending) {
	sessionKey := p.Proposal.SessionKey
	if !strings.HasPrefix(sessionKey, c.Name()+":") {
		return
	}
	val, ok := c.chats.Load(sessionKey)
	if !ok {
		slog.Warn("no known chat for approval prompt", "session", sessionKey)
		return
	}
	chatID := val.(int64)

	text := fmt.Sprintf(
		"The agent wants to run:\n\n  %s\n\nArguments: %s\nThis action is %s. Approve?",
		p.Proposal.Capability,
		formatArgs(p.Proposal.Arguments),
		p.Proposal.Reversibility,
	)

	rows := [][]telego.InlineKeyboardButton{
		{
			tu.InlineKeyboardButton("✅ Approve").WithCallbackData(callbackData(p.ID, approval.DecisionApprove)),
			tu.InlineKeyboardButton("❌ Reject").WithCallbackData(callbackData(p.ID, approval.DecisionReject)),
		},
		{
			tu.InlineKeyboardButton("🔁 Always allow").WithCallbackData(callbackData(p.ID, approval.DecisionAllowAlways)),
		},
	}
	if p.BatchID != "" {
		rows[1] = append(rows[1],
			tu.InlineKeyboardButton("📦 Approve all").WithCallbackData(callbackData(p.ID, approval.DecisionApproveBatch)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := tu.Message(tu.ID(chatID), text)
	out.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	if _, err := c.bot.SendMessage(ctx, out); err != nil {
		slog.Error("approval prompt failed", "session", sessionKey, "error", err)
	}
}

func callbackData(id string, d approval.Decision) string {
	return strings.Join([]string{callbackPrefix, id, string(d)}, "|")
}

func (c *Channel) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	parts := strings.SplitN(q.Data, "|", 3)
	answer := func(text string) {
		_ = c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		})
	}

	if len(parts) != 3 || parts[0] != callbackPrefix {
		answer("")
		return
	}
	if !c.userAllowed(q.From.ID) {
		answer("You are not allowed to decide this.")
		return
	}

	decision := approval.Decision(parts[2])
	switch decision {
	case approval.DecisionApprove, approval.DecisionReject,
		approval.DecisionAllowAlways, approval.DecisionApproveBatch:
	default:
		answer("")
		return
	}
	resolver := c.Name() + ":" + strconv.FormatInt(q.From.ID, 10)

	err := c.gate.Resolve(parts[1], decision, resolver)
	switch {
	case err == nil:
		answer("Recorded: " + string(decision))
		c.stripKeyboard(ctx, q, decision)
	case errors.Is(err, approval.ErrAlreadyResolved):
		answer("Already decided.")
	case errors.Is(err, approval.ErrUnknownApproval):
		answer("This request has expired.")
	default:
		slog.Error("approval resolve failed", "id", parts[1], "error", err)
		answer("Something went wrong.")
	}
}

// stripKeyboard removes the buttons and appends the decision to the
// prompt message.
func (c *Channel) stripKeyboard(ctx context.Context, q *telego.CallbackQuery, decision approval.Decision) {
	msg, ok := q.Message.(*telego.Message)
	if !ok || msg == nil {
		return
	}
	edit := tu.EditMessageText(
		tu.ID(msg.Chat.ID),
		msg.MessageID,
		msg.Text+"\n\nDecision: "+string(decision),
	)
	if _, err := c.bot.EditMessageText(ctx, edit); err != nil {
		slog.Debug("failed to edit approval prompt", "error", err)
	}
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "(none)"
	}
	var parts []string
	for k, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > 200 {
			s = s[:200] + "…"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, s))
	}
	return strings.Join(parts, ", ")
}
