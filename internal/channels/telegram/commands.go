package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/maxagent/maxd/internal/bus"
)

// handleBotCommand checks if the message is a known bot command and
// handles it. Returns true if the message was consumed.
func (c *Channel) handleBotCommand(ctx context.Context, chatID int64, chatIDStr, senderID, text string) bool {
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	// Extract command (strip @botname suffix if present)
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	chatIDObj := tu.ID(chatID)

	switch cmd {
	case "/start":
		// Let /start pass through to the agent loop as a greeting.
		return false

	case "/help":
		helpText := "Available commands:\n" +
			"/help — Show this help message\n" +
			"/reset — Reset conversation history\n" +
			"/pin <text> — Pin a durable instruction\n" +
			"/pins — List pinned instructions\n" +
			"/unpin <number> — Revoke a pinned instruction\n" +
			"/status — Show bot status\n" +
			"/pending — List actions waiting for approval\n" +
			"\nJust send a message to chat with the agent."
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, helpText))
		return true

	case "/reset":
		c.bus.PublishInbound(bus.InboundMessage{
			Channel:   c.Name(),
			ChatID:    chatIDStr,
			SenderID:  senderID,
			MessageID: fmt.Sprintf("reset-%d", time.Now().UnixNano()),
			Content:   "/reset",
			Timestamp: time.Now(),
		})
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, "Conversation history has been reset."))
		return true

	case "/status":
		statusText := fmt.Sprintf("Bot status: Running\nChannel: Telegram\nBot: @%s", c.botUsername)
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, statusText))
		return true

	case "/pending":
		pending := c.gate.ListPending()
		if len(pending) == 0 {
			c.bot.SendMessage(ctx, tu.Message(chatIDObj, "Nothing is waiting for approval."))
			return true
		}
		var sb strings.Builder
		sb.WriteString("Waiting for approval:\n")
		for _, p := range pending {
			fmt.Fprintf(&sb, "• %s (%s) — expires %s\n",
				p.Proposal.Capability, p.ID[:8], p.ExpiresAt.Format("15:04:05"))
		}
		c.bot.SendMessage(ctx, tu.Message(chatIDObj, sb.String()))
		return true
	}

	return false
}

// SyncMenuCommands registers the bot command menu with Telegram.
func (c *Channel) SyncMenuCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "start", Description: "Start chatting with the agent"},
			{Command: "help", Description: "Show available commands"},
			{Command: "reset", Description: "Reset conversation history"},
			{Command: "pin", Description: "Pin a durable instruction"},
			{Command: "status", Description: "Show bot status"},
			{Command: "pending", Description: "List actions waiting for approval"},
		},
	})
}
