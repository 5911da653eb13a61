package discord

import (
	"strings"
	"testing"

	"github.com/maxagent/maxd/internal/approval"
)

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := splitMessage("hello", discordMaxMessageLen)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %#v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("line of text\n", 30)
	chunks := splitMessage(text, 100)

	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d too long: %d", i, len(c))
		}
		if strings.Contains(c, "line of text") && !strings.HasSuffix(c, "line of text") {
			t.Fatalf("chunk %d cut mid-line: %q", i, c)
		}
	}
	if got := strings.Join(chunks, "\n") + "\n"; got != text {
		t.Fatalf("content lost across chunks")
	}
}

func TestSplitMessageHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitMessage(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d too long: %d", i, len(c))
		}
	}
}

func TestDecisionForEmoji(t *testing.T) {
	cases := []struct {
		emoji string
		want  approval.Decision
		ok    bool
	}{
		{emojiApprove, approval.DecisionApprove, true},
		{emojiReject, approval.DecisionReject, true},
		{emojiAllowAlways, approval.DecisionAllowAlways, true},
		{"👍", "", false},
	}
	for _, tc := range cases {
		got, ok := decisionForEmoji(tc.emoji)
		if ok != tc.ok || got != tc.want {
			t.Errorf("decisionForEmoji(%q) = %q, %v", tc.emoji, got, ok)
		}
	}
}

func TestUserAllowed(t *testing.T) {
	open := &Channel{cfg: Config{}}
	if !open.userAllowed("123") {
		t.Fatal("empty allowlist should admit everyone")
	}

	locked := &Channel{cfg: Config{AllowedUserIDs: []string{"42"}}}
	if !locked.userAllowed("42") {
		t.Fatal("listed user rejected")
	}
	if locked.userAllowed("123") {
		t.Fatal("unlisted user admitted")
	}
}
