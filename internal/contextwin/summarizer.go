package contextwin

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxagent/maxd/internal/providers"
)

// Summarizer collapses a run of context entries into shorter synthetic text.
// The selection of which entries to summarize is the Window's deterministic
// policy; the summarizer only produces text.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// ModelSummarizer asks the chat model to summarize.
type ModelSummarizer struct {
	Provider providers.ChatProvider
	Model    string
}

func (s *ModelSummarizer) Summarize(ctx context.Context, entries []Entry) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation history concisely, preserving all key facts, decisions, and outcomes:\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Kind, e.Text)
	}

	resp, err := s.Provider.Chat(ctx, providers.ChatRequest{
		Model:       s.Model,
		Messages:    []providers.Message{{Role: "user", Content: b.String()}},
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// TruncatingSummarizer is a deterministic fallback used when no model is
// configured: it keeps the head of each entry.
type TruncatingSummarizer struct {
	PerEntryChars int
}

func (s TruncatingSummarizer) Summarize(_ context.Context, entries []Entry) (string, error) {
	limit := s.PerEntryChars
	if limit <= 0 {
		limit = 80
	}

	var b strings.Builder
	b.WriteString("[compacted] ")
	for i, e := range entries {
		if i > 0 {
			b.WriteString(" | ")
		}
		text := e.Text
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit]) + "..."
		}
		b.WriteString(string(e.Kind))
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String(), nil
}
