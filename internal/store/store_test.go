package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/contextwin"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "maxd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadWindow(t *testing.T) {
	s := openTestStore(t)

	state := contextwin.State{
		NextSeq: 4,
		Entries: []contextwin.Entry{
			{Seq: 1, Kind: contextwin.KindUserMessage, Text: "hello", Weight: 2},
			{Seq: 2, Kind: contextwin.KindModelUtterance, Text: "hi", Weight: 1},
			{Seq: 3, Kind: contextwin.KindPinnedConstraint, Text: "be brief", Weight: 2},
		},
	}
	if err := s.SaveWindow("cli:alice", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadWindow("cli:alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.NextSeq != 4 || len(got.Entries) != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Entries[2].Kind != contextwin.KindPinnedConstraint {
		t.Fatalf("entry kind lost: %s", got.Entries[2].Kind)
	}
}

func TestSaveWindowUpserts(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveWindow("cli:x", contextwin.State{NextSeq: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveWindow("cli:x", contextwin.State{NextSeq: 9}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.LoadWindow("cli:x")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.NextSeq != 9 {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("upsert created duplicate rows: %d", len(sessions))
	}
}

func TestLoadWindowNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadWindow("cli:nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := openTestStore(t)

	p := capability.ActionProposal{
		ID:            "prop1",
		SessionKey:    "cli:alice",
		Capability:    "shell_exec",
		Arguments:     map[string]interface{}{"command": "ls"},
		Reversibility: capability.Irreversible,
	}
	s.RecordAction("cli:alice", p, "approve", capability.Observation{
		ProposalID: "prop1",
		Capability: "shell_exec",
		Outcome:    capability.OutcomeOK,
		Content:    "file.txt",
		DurationMs: 12,
	})
	s.RecordAction("cli:alice", p, "reject", capability.Observation{
		ProposalID: "prop1",
		Capability: "shell_exec",
		Outcome:    capability.OutcomeUserRejected,
	})
	s.RecordAction("cli:bob", p, "approve", capability.Observation{Outcome: capability.OutcomeOK})

	records, err := s.ListActions("cli:alice", 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records for session", len(records))
	}
	for _, r := range records {
		if r.SessionKey != "cli:alice" {
			t.Fatalf("foreign session leaked: %+v", r)
		}
	}
	if records[0].Outcome != string(capability.OutcomeUserRejected) {
		t.Fatalf("newest record should come first, got %s", records[0].Outcome)
	}
}

func TestTurnLogAppendAndList(t *testing.T) {
	s := openTestStore(t)

	if err := s.AppendTurn("cli:alice", 1, "hello", "hi there", "ok"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTurn("cli:alice", 2, "loop forever", "I stopped early", "error"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTurn("cli:bob", 1, "hey", "hello", "ok"); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := s.ListTurns("cli:alice", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records for session", len(records))
	}
	for _, r := range records {
		if r.SessionKey != "cli:alice" {
			t.Fatalf("foreign session leaked: %+v", r)
		}
	}
	if records[0].TurnNo != 2 || records[0].Status != "error" {
		t.Fatalf("newest turn should come first, got %+v", records[0])
	}
	if records[1].UserText != "hello" || records[1].Reply != "hi there" {
		t.Fatalf("turn content lost: %+v", records[1])
	}
}

func TestNewIDUniqueAndSortable(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("ids collide")
	}
	if len(a) != 36 {
		t.Fatalf("unexpected id shape: %q", a)
	}
}
