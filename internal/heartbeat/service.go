// Package heartbeat wakes the agent on a cron schedule so it can check
// on things (calendar, inbox, alerts) and surface anything that needs
// attention. If nothing needs attention the agent replies HEARTBEAT_OK,
// which is silently dropped.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/maxagent/maxd/internal/bus"
	"github.com/maxagent/maxd/internal/config"
)

const defaultPrompt = "Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. " +
	"Do not infer or repeat old tasks from prior chats. " +
	"If nothing needs attention, reply HEARTBEAT_OK."

const defaultCron = "0 * * * *"
const defaultAckMaxChars = 300
const heartbeatOKToken = "HEARTBEAT_OK"

// AgentRunner runs one agent turn and returns the reply text.
type AgentRunner func(ctx context.Context, sessionKey, message string) (string, error)

// LastUsedResolver returns the channel and chat id of the most recent
// conversation, for target "last". Returns ("", "") if unknown.
type LastUsedResolver func() (channel, chatID string)

// Config holds resolved runtime config for the heartbeat service.
type Config struct {
	Cron        string
	ActiveHours *config.ActiveHoursConfig
	SessionKey  string
	Target      string // "last", "none", or channel name
	To          string // explicit chat ID
	Prompt      string
	AckMaxChars int
	Workspace   string // for HEARTBEAT.md detection
}

// Service manages the heartbeat loop.
type Service struct {
	cfg      Config
	runner   AgentRunner
	msgBus   *bus.MessageBus
	lastUsed LastUsedResolver

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	lastContent string    // dedup: last non-OK content
	lastAlertAt time.Time // dedup: when last alert was sent
}

func NewService(cfg Config, runner AgentRunner, msgBus *bus.MessageBus, lastUsed LastUsedResolver) *Service {
	if cfg.Cron == "" {
		cfg.Cron = defaultCron
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	if cfg.AckMaxChars <= 0 {
		cfg.AckMaxChars = defaultAckMaxChars
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = "cli:heartbeat"
	}
	if cfg.Target == "" {
		cfg.Target = "last"
	}

	return &Service{
		cfg:      cfg,
		runner:   runner,
		msgBus:   msgBus,
		lastUsed: lastUsed,
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !gronx.New().IsValid(s.cfg.Cron) {
		return fmt.Errorf("invalid heartbeat cron %q", s.cfg.Cron)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	go s.loop(ctx)
	slog.Info("heartbeat service started", "cron", s.cfg.Cron, "target", s.cfg.Target)
	return nil
}

// Stop halts the heartbeat loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	slog.Info("heartbeat service stopped")
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTick(s.cfg.Cron, false)
		if err != nil {
			slog.Error("heartbeat schedule error", "cron", s.cfg.Cron, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if s.cfg.ActiveHours != nil && !isInActiveHours(s.cfg.ActiveHours) {
		slog.Debug("heartbeat skipped: outside active hours")
		return
	}
	if s.isHeartbeatFileEmpty() {
		slog.Debug("heartbeat skipped: HEARTBEAT.md empty")
		return
	}

	reply, err := s.runner(ctx, s.cfg.SessionKey, s.cfg.Prompt)
	if err != nil {
		slog.Warn("heartbeat agent run failed", "error", err)
		return
	}

	content, isOK := stripHeartbeatToken(reply, s.cfg.AckMaxChars)
	if isOK {
		slog.Debug("heartbeat OK")
		return
	}

	// Dedup: skip if same content within 24h.
	s.mu.Lock()
	if content == s.lastContent && time.Since(s.lastAlertAt) < 24*time.Hour {
		s.mu.Unlock()
		slog.Debug("heartbeat dedup: same content within 24h")
		return
	}
	s.lastContent = content
	s.lastAlertAt = time.Now()
	s.mu.Unlock()

	s.deliver(content)
}

// deliver sends the heartbeat alert to the configured target.
func (s *Service) deliver(content string) {
	if s.cfg.Target == "none" {
		slog.Info("heartbeat alert (target=none, not delivered)", "preview", truncate(content, 100))
		return
	}

	channel, chatID := s.resolveTarget()
	if channel == "" || chatID == "" {
		slog.Warn("heartbeat alert: no delivery target resolved", "target", s.cfg.Target)
		return
	}

	slog.Info("heartbeat alert delivered",
		"channel", channel,
		"chat_id", chatID,
		"preview", truncate(content, 100),
	)

	s.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
}

func (s *Service) resolveTarget() (channel, chatID string) {
	if s.cfg.Target != "" && s.cfg.Target != "last" && s.cfg.Target != "none" {
		return s.cfg.Target, s.cfg.To
	}

	if s.lastUsed != nil {
		channel, chatID = s.lastUsed()
	}
	if s.cfg.To != "" {
		chatID = s.cfg.To
	}
	return
}

// isHeartbeatFileEmpty checks whether HEARTBEAT.md has meaningful content.
func (s *Service) isHeartbeatFileEmpty() bool {
	if s.cfg.Workspace == "" {
		return true
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.Workspace, "HEARTBEAT.md"))
	if err != nil {
		return true
	}
	return isEffectivelyEmpty(string(data))
}

// isEffectivelyEmpty returns true if content has no meaningful text
// (only whitespace, bare markdown headers, empty list items, comments).
func isEffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			trimmed := strings.TrimLeft(line, "# ")
			if trimmed == "" {
				continue
			}
			return false
		}
		if strings.HasPrefix(line, "<!--") {
			continue
		}
		if (strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")) && strings.TrimSpace(line[2:]) == "" {
			continue
		}
		return false
	}
	return true
}

// stripHeartbeatToken checks for HEARTBEAT_OK in the reply. If the token
// appears at the start or end and what remains is short enough, the whole
// reply is treated as an ack.
func stripHeartbeatToken(reply string, ackMaxChars int) (string, bool) {
	trimmed := strings.TrimSpace(reply)

	if trimmed == heartbeatOKToken {
		return "", true
	}

	// Strip common markdown/HTML wrappers.
	stripped := trimmed
	for _, pair := range [][2]string{{"**", "**"}, {"<b>", "</b>"}, {"<strong>", "</strong>"}, {"`", "`"}} {
		stripped = strings.TrimPrefix(stripped, pair[0])
		stripped = strings.TrimSuffix(stripped, pair[1])
	}
	stripped = strings.TrimSpace(stripped)
	if stripped == heartbeatOKToken {
		return "", true
	}

	hasPrefix := strings.HasPrefix(trimmed, heartbeatOKToken)
	hasSuffix := strings.HasSuffix(trimmed, heartbeatOKToken)
	if !hasPrefix && !hasSuffix {
		return trimmed, false
	}

	remaining := trimmed
	if hasPrefix {
		remaining = strings.TrimSpace(strings.TrimPrefix(remaining, heartbeatOKToken))
	}
	if hasSuffix {
		remaining = strings.TrimSpace(strings.TrimSuffix(remaining, heartbeatOKToken))
	}

	if len(remaining) <= ackMaxChars {
		return "", true
	}
	return remaining, false
}

// isInActiveHours checks if the current time is in the configured window.
func isInActiveHours(cfg *config.ActiveHoursConfig) bool {
	if cfg == nil || cfg.Start == "" || cfg.End == "" {
		return true
	}

	now := time.Now()
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			now = now.In(loc)
		}
	}

	startH, startM := parseHHMM(cfg.Start)
	endH, endM := parseHHMM(cfg.End)

	currentMin := now.Hour()*60 + now.Minute()
	startMin := startH*60 + startM
	endMin := endH*60 + endM

	if startMin <= endMin {
		return currentMin >= startMin && currentMin < endMin
	}
	// Wrap-around window, e.g. 22:00 - 06:00.
	return currentMin >= startMin || currentMin < endMin
}

func parseHHMM(s string) (int, int) {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h, m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
