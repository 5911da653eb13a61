package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxagent/maxd/internal/config"
	"github.com/maxagent/maxd/internal/contextwin"
	"github.com/maxagent/maxd/internal/memory"
	"github.com/maxagent/maxd/internal/skills"
)

const basePersona = `You are maxd, a personal agent reachable over chat.
Be direct and concise. Use the available tools when a request calls for
action instead of describing what you would do. Destructive or
irreversible actions go through the approval gate; never try to work
around a rejected action. Use skill_search to find specialized
instructions before improvising in an unfamiliar domain.`

// agentNotesFile holds per-workspace operator instructions, pinned
// verbatim when present.
const agentNotesFile = "AGENTS.md"

// pinBootstrap seeds a fresh context window with the durable
// instructions every turn carries: the persona, workspace notes, and
// the skill pack summary. Pins that no longer fit the budget are
// skipped with a warning rather than failing session creation.
func pinBootstrap(w *contextwin.Window, cfg *config.Config, loader *skills.Loader) {
	pin := func(name, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if _, err := w.Pin(text); err != nil {
			slog.Warn("bootstrap pin skipped", "part", name, "error", err)
		}
	}

	pin("persona", basePersona)
	if cfg.Workspace != "" {
		if data, err := os.ReadFile(filepath.Join(cfg.Workspace, agentNotesFile)); err == nil {
			pin(agentNotesFile, string(data))
		}
	}
	if loader != nil {
		pin("skills", loader.BuildSummary())
	}
}

// summaryRecorder returns a window hook that saves compaction summaries
// into long-term memory, where the model can surface them again via
// memory_recall.
func summaryRecorder(mem *memory.Store, sessionKey string) func(string) {
	_, userID, ok := strings.Cut(sessionKey, ":")
	if !ok {
		userID = sessionKey
	}
	return func(text string) {
		if _, err := mem.Save(userID, text, []string{memory.TagContextSummary}); err != nil {
			slog.Warn("compaction summary not saved", "session", sessionKey, "error", err)
		}
	}
}
