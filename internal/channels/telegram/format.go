package telegram

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// telegramMaxMessageLen is the per-message chunk size. Telegram caps
// messages at 4096 characters; staying under leaves room for formatting
// entities added during send.
const telegramMaxMessageLen = 4000

// displayWidth returns the terminal display width of a string. CJK runes
// count as two cells, combining diacritics as zero.
func displayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// renderTableAsCode re-renders a markdown table with cells padded by
// display width, so it aligns inside a monospace code block even with
// CJK or Vietnamese content.
func renderTableAsCode(lines []string) string {
	type row struct {
		cells []string
		sep   bool
	}

	var rows []row
	for _, line := range lines {
		trimmed := strings.Trim(strings.TrimSpace(line), "|")
		cells := strings.Split(trimmed, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, row{cells: cells, sep: isSeparatorRow(cells)})
	}

	// Column widths by display width of the widest cell.
	var widths []int
	for _, r := range rows {
		if r.sep {
			continue
		}
		for i, c := range r.cells {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := displayWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	for ri, r := range rows {
		if ri > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("|")
		for i, w := range widths {
			if r.sep {
				sb.WriteString(strings.Repeat("-", w+2))
			} else {
				cell := ""
				if i < len(r.cells) {
					cell = r.cells[i]
				}
				sb.WriteString(" ")
				sb.WriteString(cell)
				sb.WriteString(strings.Repeat(" ", w-displayWidth(cell)))
				sb.WriteString(" ")
			}
			sb.WriteString("|")
		}
	}
	return sb.String()
}

func isSeparatorRow(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		if c == "" {
			return false
		}
		for _, r := range c {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}

// formatOutbound prepares agent output for Telegram: markdown tables are
// rewritten into aligned code blocks, everything else passes through.
func formatOutbound(text string) string {
	lines := strings.Split(text, "\n")

	var out []string
	var table []string

	flushTable := func() {
		if len(table) >= 2 {
			out = append(out, "```", renderTableAsCode(table), "```")
		} else {
			out = append(out, table...)
		}
		table = nil
	}

	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "|") && strings.HasSuffix(t, "|") && len(t) > 1 {
			table = append(table, line)
			continue
		}
		if len(table) > 0 {
			flushTable()
		}
		out = append(out, line)
	}
	if len(table) > 0 {
		flushTable()
	}

	return strings.Join(out, "\n")
}

// chunkMessage splits long text at line boundaries where possible, hard
// at the limit otherwise.
func chunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = telegramMaxMessageLen
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
