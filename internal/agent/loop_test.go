package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maxagent/maxd/internal/approval"
	"github.com/maxagent/maxd/internal/capability"
	"github.com/maxagent/maxd/internal/contextwin"
	"github.com/maxagent/maxd/internal/dispatch"
	"github.com/maxagent/maxd/internal/providers"
)

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	requests  []providers.ChatRequest
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

type charWeigher struct{}

func (charWeigher) Weight(text string) int { return len(text) }

func newTestSession() *Session {
	return &Session{
		Key: "cli:local",
		Window: contextwin.New(contextwin.Config{Budget: 100000},
			charWeigher{}, contextwin.TruncatingSummarizer{}),
		CreatedAt: time.Now(),
	}
}

func toolCall(id, name, args string) providers.ToolCall {
	return providers.ToolCall{
		ID:       id,
		Type:     "function",
		Function: &providers.FunctionCall{Name: name, Arguments: args},
	}
}

func newTestController(p providers.ChatProvider, mode approval.Mode, caps ...capability.Capability) *Controller {
	reg := capability.NewRegistry()
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}
	return NewController(ControllerConfig{
		Provider:   p,
		Model:      "test-model",
		Registry:   reg,
		Gate:       approval.NewGate(approval.Policy{Mode: mode, Timeout: time.Second}),
		Dispatcher: dispatch.New(reg),
		MaxSteps:   5,
		Retry:      RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func echoCap() capability.Capability {
	return capability.Capability{
		Name:          "echo",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	}
}

func TestRunTurnPlainReply(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "hi there"}}}
	c := newTestController(p, approval.ModePermissive)
	sess := newTestSession()

	reply, err := c.RunTurn(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}

	snap := sess.Window.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("window should hold user + utterance, got %d entries", len(snap))
	}
	if snap[0].Kind != contextwin.KindUserMessage || snap[1].Kind != contextwin.KindModelUtterance {
		t.Fatalf("unexpected kinds: %s, %s", snap[0].Kind, snap[1].Kind)
	}
}

func TestRunTurnToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call1", "echo", `{"text":"ping"}`)}},
		{Content: "it said ping"},
	}}
	c := newTestController(p, approval.ModePermissive, echoCap())
	sess := newTestSession()

	reply, err := c.RunTurn(context.Background(), sess, "run echo")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if reply != "it said ping" {
		t.Fatalf("reply = %q", reply)
	}

	var sawProposal, sawObservation bool
	for _, e := range sess.Window.Snapshot() {
		switch e.Kind {
		case contextwin.KindActionProposal:
			sawProposal = true
		case contextwin.KindActionObservation:
			sawObservation = true
			if e.Outcome != string(capability.OutcomeOK) || e.Text != "echo: ping" {
				t.Fatalf("observation %s %q", e.Outcome, e.Text)
			}
			if e.ProposalID != "call1" {
				t.Fatalf("observation not linked to its proposal: %q", e.ProposalID)
			}
		}
	}
	if !sawProposal || !sawObservation {
		t.Fatal("window missing proposal or observation entry")
	}

	// The second model request must carry the tool result.
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.requests[len(p.requests)-1]
	found := false
	for _, m := range last.Messages {
		if m.Role == "tool" && m.ToolCallID == "call1" {
			found = true
		}
	}
	if !found {
		t.Fatal("second request missing tool message")
	}
}

func TestRunTurnStrictModeHoldsAndRejects(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call1", "echo", `{"text":"x"}`)}},
		{Content: "understood, not doing that"},
	}}
	c := newTestController(p, approval.ModeStrict, echoCap())
	sess := newTestSession()

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if err := c.gate.Resolve("call1", approval.DecisionReject, "cli"); err == nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	reply, err := c.RunTurn(context.Background(), sess, "do it")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if reply != "understood, not doing that" {
		t.Fatalf("reply = %q", reply)
	}

	found := false
	for _, e := range sess.Window.Snapshot() {
		if e.Kind == contextwin.KindActionObservation {
			found = true
			if e.Outcome != string(capability.OutcomeUserRejected) {
				t.Fatalf("outcome = %s, want user rejection", e.Outcome)
			}
		}
	}
	if !found {
		t.Fatal("rejection observation missing from window")
	}
}

func TestRunTurnApprovalTimeout(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{toolCall("call1", "echo", `{}`)}},
		{Content: "the request expired"},
	}}
	c := newTestController(p, approval.ModeStrict, echoCap())
	c.gate = approval.NewGate(approval.Policy{Mode: approval.ModeStrict, Timeout: 30 * time.Millisecond})
	sess := newTestSession()

	if _, err := c.RunTurn(context.Background(), sess, "do it"); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	found := false
	for _, e := range sess.Window.Snapshot() {
		if e.Kind == contextwin.KindActionObservation && e.Outcome == string(capability.OutcomeApprovalTimedOut) {
			found = true
		}
	}
	if !found {
		t.Fatal("timeout observation missing from window")
	}
}

func TestRunTurnStepBudgetExceeded(t *testing.T) {
	// Model never stops asking for tools.
	looping := &loopingProvider{}
	c := newTestController(looping, approval.ModePermissive, echoCap())
	sess := newTestSession()

	reply, err := c.RunTurn(context.Background(), sess, "loop forever")
	if !errors.Is(err, ErrStepBudgetExceeded) {
		t.Fatalf("expected ErrStepBudgetExceeded, got %v", err)
	}

	// An exhausted turn still speaks: the user gets told what happened,
	// and the same text lands in the context for the next turn.
	if !strings.Contains(reply, "stopped after 5 steps") {
		t.Fatalf("reply should explain the stop, got %q", reply)
	}
	snap := sess.Window.Snapshot()
	last := snap[len(snap)-1]
	if last.Kind != contextwin.KindModelUtterance || last.Text != reply {
		t.Fatalf("window should end with the synthesized utterance, got %s %q", last.Kind, last.Text)
	}
}

type loopingProvider struct{ n int }

func (l *loopingProvider) Name() string { return "looping" }

func (l *loopingProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	l.n++
	return &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{toolCall("", "echo", `{"text":"again"}`)},
	}, nil
}

func TestRunTurnModelUnavailable(t *testing.T) {
	p := &scriptedProvider{err: errors.New("connection refused")}
	c := newTestController(p, approval.ModePermissive)
	sess := newTestSession()

	_, err := c.RunTurn(context.Background(), sess, "hello")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestRunTurnDependsOnStripped(t *testing.T) {
	var gotArgs map[string]interface{}
	c := newTestController(&scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			toolCall("call1", "probe", `{"x":"1"}`),
			toolCall("call2", "probe", `{"x":"2","depends_on":"call1"}`),
		}},
		{Content: "ok"},
	}}, approval.ModePermissive, capability.Capability{
		Name:          "probe",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			if args["x"] == "2" {
				gotArgs = args
			}
			return "ok", nil
		},
	})
	sess := newTestSession()

	if _, err := c.RunTurn(context.Background(), sess, "go"); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if gotArgs == nil {
		t.Fatal("dependent call never ran")
	}
	if _, leaked := gotArgs["depends_on"]; leaked {
		t.Fatal("ordering argument must not reach the provider")
	}
}

func TestSessionManagerLRUEviction(t *testing.T) {
	persisted := map[string]contextwin.State{}
	p := &mapPersister{states: persisted}

	newWindow := func(string) *contextwin.Window {
		return contextwin.New(contextwin.Config{Budget: 1000}, charWeigher{}, contextwin.TruncatingSummarizer{})
	}
	restore := func(_ string, s contextwin.State) *contextwin.Window {
		return contextwin.Restore(contextwin.Config{Budget: 1000}, charWeigher{}, contextwin.TruncatingSummarizer{}, s)
	}

	m, err := NewSessionManager(2, p, newWindow, restore)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	a := m.GetOrCreate("cli:a")
	a.Window.AppendUser("remember me")
	m.GetOrCreate("cli:b")
	m.GetOrCreate("cli:c") // evicts cli:a

	state, ok := persisted["cli:a"]
	if !ok || len(state.Entries) != 1 {
		t.Fatalf("evicted session not persisted: %+v", state)
	}

	// Re-fetch restores from the persisted state.
	back := m.GetOrCreate("cli:a")
	snap := back.Window.Snapshot()
	if len(snap) != 1 || snap[0].Text != "remember me" {
		t.Fatalf("restored window wrong: %+v", snap)
	}
}

func TestSessionManagerPersistKeepsSessionLive(t *testing.T) {
	persisted := map[string]contextwin.State{}
	p := &mapPersister{states: persisted}

	newWindow := func(string) *contextwin.Window {
		return contextwin.New(contextwin.Config{Budget: 1000}, charWeigher{}, contextwin.TruncatingSummarizer{})
	}
	restore := func(_ string, s contextwin.State) *contextwin.Window {
		return contextwin.Restore(contextwin.Config{Budget: 1000}, charWeigher{}, contextwin.TruncatingSummarizer{}, s)
	}

	m, err := NewSessionManager(4, p, newWindow, restore)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	sess := m.GetOrCreate("cli:a")
	sess.Window.AppendUser("first turn")
	m.Persist("cli:a")

	state, ok := persisted["cli:a"]
	if !ok || len(state.Entries) != 1 {
		t.Fatalf("state should be on disk after the turn, got %+v", state)
	}

	// Persisting must not evict: the same session object stays cached.
	if again := m.GetOrCreate("cli:a"); again != sess {
		t.Fatal("session was dropped from the cache")
	}

	// A later pin is captured too.
	if _, err := sess.Window.Pin("be brief"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	m.Persist("cli:a")
	if got := len(persisted["cli:a"].Entries); got != 2 {
		t.Fatalf("persisted entries = %d, want 2", got)
	}
}

type mapPersister struct {
	mu     sync.Mutex
	states map[string]contextwin.State
}

func (m *mapPersister) SaveWindow(key string, state contextwin.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state
	return nil
}

func (m *mapPersister) LoadWindow(key string) (contextwin.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		return contextwin.State{}, errors.New("not found")
	}
	return s, nil
}

func TestBuildRequestPinsBecomeSystemMessages(t *testing.T) {
	c := newTestController(&scriptedProvider{}, approval.ModePermissive, echoCap())
	sess := newTestSession()
	if _, err := sess.Window.Pin("always answer in English"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	sess.Window.AppendUser("hola")

	req := c.buildRequest(sess)
	if len(req.Messages) < 2 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "English") {
		t.Fatalf("first message should be the pinned system constraint, got %+v", req.Messages[0])
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "echo" {
		t.Fatalf("tools = %+v", req.Tools)
	}
}
