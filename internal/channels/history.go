package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxHistoryKeys bounds how many distinct groups are tracked at once.
const maxHistoryKeys = 1000

// DefaultGroupHistoryLimit is the per-group message cap.
const DefaultGroupHistoryLimit = 50

// HistoryEntry is one group message the bot saw but was not addressed
// by.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory accumulates group chatter between mentions. When the
// bot is finally addressed, BuildContext prepends what it missed so the
// model can follow the conversation. Safe for concurrent use; least
// recently active groups fall off first.
type PendingHistory struct {
	mu     sync.Mutex
	groups *lru.Cache[string, []HistoryEntry]
}

func NewPendingHistory() *PendingHistory {
	groups, _ := lru.New[string, []HistoryEntry](maxHistoryKeys)
	return &PendingHistory{groups: groups}
}

// Record appends entry to the group's pending list, keeping only the
// newest limit entries. A limit <= 0 disables tracking.
func (ph *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	if limit <= 0 || key == "" {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	entries, _ := ph.groups.Get(key)
	entries = append(entries, entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	ph.groups.Add(key, entries)
}

// BuildContext wraps currentMessage with whatever built up for the
// group since the bot's last reply. With nothing pending it returns
// currentMessage unchanged.
func (ph *PendingHistory) BuildContext(key, currentMessage string, limit int) string {
	if limit <= 0 || key == "" {
		return currentMessage
	}

	entries := ph.GetEntries(key)
	if len(entries) == 0 {
		return currentMessage
	}

	var lines []string
	for _, e := range entries {
		ts := ""
		if !e.Timestamp.IsZero() {
			ts = fmt.Sprintf(" [%s]", e.Timestamp.Format("15:04"))
		}
		lines = append(lines, fmt.Sprintf("  %s%s: %s", e.Sender, ts, e.Body))
	}

	return fmt.Sprintf("[Chat messages since your last reply - for context]\n%s\n\n[Your current message]\n%s",
		strings.Join(lines, "\n"), currentMessage)
}

// GetEntries returns a copy of the group's pending entries.
func (ph *PendingHistory) GetEntries(key string) []HistoryEntry {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	entries, _ := ph.groups.Get(key)
	if len(entries) == 0 {
		return nil
	}
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// Clear drops the group's pending history, called once the bot has
// replied there.
func (ph *PendingHistory) Clear(key string) {
	if key == "" {
		return
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.groups.Remove(key)
}
