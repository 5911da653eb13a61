package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/maxagent/maxd/internal/capability"
)

func testProposal(id, capName string, rev capability.Reversibility) capability.ActionProposal {
	return capability.ActionProposal{
		ID:            id,
		SessionKey:    "cli:local",
		Capability:    capName,
		Arguments:     map[string]interface{}{},
		Reversibility: rev,
		CreatedAt:     time.Now(),
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name string
		mode Mode
		rev  capability.Reversibility
		auto bool
	}{
		{"permissive reversible", ModePermissive, capability.Reversible, true},
		{"permissive irreversible", ModePermissive, capability.Irreversible, false},
		{"strict reversible", ModeStrict, capability.Reversible, false},
		{"strict irreversible", ModeStrict, capability.Irreversible, false},
		{"unknown mode holds", Mode("lenient"), capability.Reversible, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testProposal("p1", "file_write", tc.rev)
			if got := Evaluate(p, Policy{Mode: tc.mode}); got != tc.auto {
				t.Fatalf("Evaluate = %v, want %v", got, tc.auto)
			}
		})
	}
}

func TestResolveApprove(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: time.Second})
	pa := g.Hold(testProposal("p1", "shell_exec", capability.Irreversible), "batch1")

	go func() {
		if err := g.Resolve("p1", DecisionApprove, "telegram:42"); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	res := pa.Wait()
	if res.Decision != DecisionApprove {
		t.Fatalf("decision = %s, want approve", res.Decision)
	}
	if res.Resolver != "telegram:42" {
		t.Fatalf("resolver = %q", res.Resolver)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: time.Second})
	pa := g.Hold(testProposal("p1", "shell_exec", capability.Irreversible), "")

	if err := g.Resolve("p1", DecisionReject, "cli"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err := g.Resolve("p1", DecisionApprove, "cli")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve should fail with ErrAlreadyResolved, got %v", err)
	}

	// The original decision stands.
	if res := pa.Wait(); res.Decision != DecisionReject {
		t.Fatalf("decision changed to %s after duplicate resolve", res.Decision)
	}
}

func TestResolveUnknown(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict})
	if err := g.Resolve("nope", DecisionApprove, "cli"); !errors.Is(err, ErrUnknownApproval) {
		t.Fatalf("expected ErrUnknownApproval, got %v", err)
	}
}

func TestExpiryDeliversTimeout(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: 50 * time.Millisecond})
	pa := g.Hold(testProposal("p1", "email_send", capability.Irreversible), "")

	res := pa.Wait()
	if res.Decision != DecisionTimeout {
		t.Fatalf("decision = %s, want timeout", res.Decision)
	}

	// A decision arriving after expiry must not flip the outcome.
	err := g.Resolve("p1", DecisionApprove, "cli")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("late resolve should fail with ErrAlreadyResolved, got %v", err)
	}
}

func TestApproveBatchSettlesSiblings(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: time.Second})
	pa1 := g.Hold(testProposal("p1", "file_write", capability.Reversible), "turn7")
	pa2 := g.Hold(testProposal("p2", "file_write", capability.Reversible), "turn7")
	other := g.Hold(testProposal("p3", "file_write", capability.Reversible), "turn8")

	if err := g.Resolve("p1", DecisionApproveBatch, "cli"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res := pa1.Wait(); res.Decision != DecisionApprove {
		t.Fatalf("p1 decision = %s", res.Decision)
	}
	if res := pa2.Wait(); res.Decision != DecisionApprove {
		t.Fatalf("p2 decision = %s", res.Decision)
	}

	pending := g.ListPending()
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Fatalf("unrelated batch should stay pending, got %d pending", len(pending))
	}
}

func TestAllowAlwaysWhitelistsCapability(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: time.Second})
	p := testProposal("p1", "web_fetch", capability.Reversible)

	if g.AutoApproves(p) {
		t.Fatal("strict mode must not auto-approve before allow-always")
	}

	pa := g.Hold(p, "")
	if err := g.Resolve("p1", DecisionAllowAlways, "cli"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res := pa.Wait(); res.Decision != DecisionApprove {
		t.Fatalf("allow-always should deliver approve, got %s", res.Decision)
	}

	next := testProposal("p2", "web_fetch", capability.Reversible)
	if !g.AutoApproves(next) {
		t.Fatal("capability should be whitelisted for the session")
	}

	// Other sessions are unaffected.
	foreign := next
	foreign.SessionKey = "telegram:99"
	if g.AutoApproves(foreign) {
		t.Fatal("allow-always must be scoped to the session")
	}

	// The grant never extends to irreversible proposals of the same name.
	hard := testProposal("p3", "web_fetch", capability.Irreversible)
	if g.AutoApproves(hard) {
		t.Fatal("irreversible proposals need a fresh approval every time")
	}
}

func TestListPendingOrdered(t *testing.T) {
	g := NewGate(Policy{Mode: ModeStrict, Timeout: time.Second})
	g.Hold(testProposal("a", "time_now", capability.Reversible), "")
	time.Sleep(2 * time.Millisecond)
	g.Hold(testProposal("b", "time_now", capability.Reversible), "")

	pending := g.ListPending()
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Fatalf("pending not in creation order: %+v", pending)
	}
}
