// Package discord implements the Discord transport: gateway events in,
// chunked replies out, and reaction-based prompts for action approvals.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/bus"
)

// discordMaxMessageLen is the hard limit Discord puts on one message.
const discordMaxMessageLen = 2000

const (
	emojiApprove     = "✅"
	emojiReject      = "❌"
	emojiAllowAlways = "🔁"
)

// Config holds Discord transport settings.
type Config struct {
	Token string
	// ChannelID locks the bot to one channel. Empty answers everywhere
	// the bot can read.
	ChannelID string
	// AllowedUserIDs restricts who may talk to the bot. Empty allows
	// everyone.
	AllowedUserIDs []string
}

// Channel is the Discord transport.
type Channel struct {
	session *discordgo.Session
	cfg     Config
	bus     *bus.MessageBus
	gate    *approval.Gate

	chats     sync.Map // session key → channel id
	approvals sync.Map // prompt message id → approval id
}

func New(cfg Config, b *bus.MessageBus, gate *approval.Gate) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	c := &Channel{
		session: session,
		cfg:     cfg,
		bus:     b,
		gate:    gate,
	}
	session.AddHandler(c.onMessage)
	session.AddHandler(c.onReactionAdd)
	return c, nil
}

func (c *Channel) Name() string { return "discord" }

// Start opens the gateway connection and blocks until the context is
// cancelled. Events arrive on discordgo's own goroutines.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	if u := c.session.State.User; u != nil {
		slog.Info("discord transport started", "bot", u.Username)
	}

	<-ctx.Done()
	if err := c.session.Close(); err != nil {
		slog.Warn("discord gateway close failed", "error", err)
	}
	return ctx.Err()
}

func (c *Channel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if c.cfg.ChannelID != "" && m.ChannelID != c.cfg.ChannelID {
		return
	}
	if !c.userAllowed(m.Author.ID) {
		slog.Debug("discord message from unauthorized user", "user_id", m.Author.ID)
		return
	}

	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	// Remember which channel this session talks in, for approval prompts.
	c.chats.Store(c.Name()+":"+m.Author.ID, m.ChannelID)

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		slog.Debug("typing indicator failed", "channel_id", m.ChannelID, "error", err)
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.Name(),
		ChatID:    m.ChannelID,
		SenderID:  m.Author.ID,
		MessageID: m.ID,
		Content:   text,
		Timestamp: m.Timestamp,
	})
}

func (c *Channel) userAllowed(id string) bool {
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

// Send delivers an outbound message in Discord-sized chunks. Partial
// updates are dropped; Discord gets the final reply only.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Partial {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, chunk := range splitMessage(msg.Content, discordMaxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks below limit, preferring newline
// boundaries so code blocks and lists stay readable.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text = strings.TrimRight(text, "\n"); text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// PromptApproval surfaces a held proposal as a message the user decides
// with reactions. Wire it with gate.SetNotifier.
func (c *Channel) PromptApproval(p *approval.Pending) {
	sessionKey := p.Proposal.SessionKey
	if !strings.HasPrefix(sessionKey, c.Name()+":") {
		return
	}
	val, ok := c.chats.Load(sessionKey)
	if !ok {
		slog.Warn("no known channel for approval prompt", "session", sessionKey)
		return
	}
	channelID := val.(string)

	text := fmt.Sprintf(
		"The agent wants to run:\n\n  %s\n\nArguments: %s\nThis action is %s.\nReact %s to approve, %s to reject, %s to always allow.",
		p.Proposal.Capability,
		formatArgs(p.Proposal.Arguments),
		p.Proposal.Reversibility,
		emojiApprove, emojiReject, emojiAllowAlways,
	)

	msg, err := c.session.ChannelMessageSend(channelID, text)
	if err != nil {
		slog.Error("approval prompt failed", "session", sessionKey, "error", err)
		return
	}
	c.approvals.Store(msg.ID, p.ID)

	for _, emoji := range []string{emojiApprove, emojiReject, emojiAllowAlways} {
		if err := c.session.MessageReactionAdd(channelID, msg.ID, emoji); err != nil {
			slog.Debug("seeding reaction failed", "emoji", emoji, "error", err)
		}
	}

	// Drop the mapping once the gate gives up waiting.
	go func(msgID string, wait time.Duration) {
		time.Sleep(wait)
		c.approvals.Delete(msgID)
	}(msg.ID, time.Until(p.ExpiresAt))
}

func (c *Channel) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	val, ok := c.approvals.Load(r.MessageID)
	if !ok {
		return
	}
	if !c.userAllowed(r.UserID) {
		slog.Debug("approval reaction from unauthorized user", "user_id", r.UserID)
		return
	}

	decision, ok := decisionForEmoji(r.Emoji.Name)
	if !ok {
		return
	}
	approvalID := val.(string)
	resolver := c.Name() + ":" + r.UserID

	err := c.gate.Resolve(approvalID, decision, resolver)
	switch {
	case err == nil:
		c.approvals.Delete(r.MessageID)
		if _, err := s.ChannelMessageSend(r.ChannelID, "Recorded: "+string(decision)); err != nil {
			slog.Debug("decision ack failed", "error", err)
		}
	case errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrUnknownApproval):
		c.approvals.Delete(r.MessageID)
	default:
		slog.Error("approval resolve failed", "id", approvalID, "error", err)
	}
}

func decisionForEmoji(name string) (approval.Decision, bool) {
	switch name {
	case emojiApprove:
		return approval.DecisionApprove, true
	case emojiReject:
		return approval.DecisionReject, true
	case emojiAllowAlways:
		return approval.DecisionAllowAlways, true
	}
	return "", false
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
