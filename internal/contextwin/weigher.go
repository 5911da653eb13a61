package contextwin

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Weigher computes the token-equivalent cost of a piece of text.
type Weigher interface {
	Weight(text string) int
}

const charsPerTokenEstimate = 4

// HeuristicWeigher estimates weight as runes/4. Used when no tokenizer is
// available and as the deterministic weigher in tests.
type HeuristicWeigher struct{}

func (HeuristicWeigher) Weight(text string) int {
	w := utf8.RuneCountInString(text) / charsPerTokenEstimate
	if w == 0 && text != "" {
		w = 1
	}
	return w
}

// TokenWeigher counts tokens with a tiktoken encoding.
type TokenWeigher struct {
	enc *tiktoken.Tiktoken
}

// NewWeigher returns a TokenWeigher for the cl100k_base encoding, falling
// back to the rune heuristic if the encoding cannot be loaded (offline
// environments).
func NewWeigher() Weigher {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken unavailable, using heuristic weigher", "error", err)
		return HeuristicWeigher{}
	}
	return &TokenWeigher{enc: enc}
}

func (w *TokenWeigher) Weight(text string) int {
	if text == "" {
		return 0
	}
	return len(w.enc.Encode(text, nil, nil))
}
