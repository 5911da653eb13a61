package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maxagent/maxd/internal/capability"
)

func newRegistry(t *testing.T, caps ...capability.Capability) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	return reg
}

func echoCap(name string) capability.Capability {
	return capability.Capability{
		Name:     name,
		Provider: "test",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"text"},
		},
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func proposal(id, capName string, args map[string]interface{}) capability.ActionProposal {
	return capability.ActionProposal{
		ID:         id,
		SessionKey: "cli:local",
		Capability: capName,
		Arguments:  args,
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := New(newRegistry(t, echoCap("echo")))

	obs := d.Dispatch(context.Background(), proposal("p1", "echo", map[string]interface{}{"text": "hello"}))
	if obs.Outcome != capability.OutcomeOK {
		t.Fatalf("outcome = %s, content %q", obs.Outcome, obs.Content)
	}
	if obs.Content != "hello" {
		t.Fatalf("content = %q", obs.Content)
	}
	if obs.ProposalID != "p1" {
		t.Fatalf("observation lost its proposal id: %q", obs.ProposalID)
	}
}

func TestDispatchUnknownCapability(t *testing.T) {
	d := New(newRegistry(t))

	obs := d.Dispatch(context.Background(), proposal("p1", "teleport", nil))
	if obs.Outcome != capability.OutcomeUnknownCapability {
		t.Fatalf("outcome = %s", obs.Outcome)
	}
	if !obs.IsError() {
		t.Fatal("unknown capability must be an error observation")
	}
}

func TestDispatchInvalidArgumentsListsAllFields(t *testing.T) {
	c := echoCap("echo")
	c.Parameters = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
		},
		"required": []interface{}{"text", "count"},
	}
	d := New(newRegistry(t, c))

	obs := d.Dispatch(context.Background(), proposal("p1", "echo", map[string]interface{}{
		"count": "three", // wrong type, and text is missing
	}))
	if obs.Outcome != capability.OutcomeInvalidArguments {
		t.Fatalf("outcome = %s", obs.Outcome)
	}
	if !strings.Contains(obs.Content, "text (missing)") || !strings.Contains(obs.Content, "count (want integer)") {
		t.Fatalf("content should name every bad field, got %q", obs.Content)
	}
}

func TestDispatchTimeout(t *testing.T) {
	slow := capability.Capability{
		Name:          "slow",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	d := New(newRegistry(t, slow), WithTimeout(20*time.Millisecond))

	obs := d.Dispatch(context.Background(), proposal("p1", "slow", nil))
	if obs.Outcome != capability.OutcomeProviderError {
		t.Fatalf("outcome = %s", obs.Outcome)
	}
	if !strings.Contains(obs.Content, "timed out") {
		t.Fatalf("content = %q", obs.Content)
	}
}

func TestDispatchCancelSemantics(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	irreversible := capability.Capability{
		Name:          "wipe",
		Provider:      "test",
		Reversibility: capability.Irreversible,
		Invoke: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			close(started)
			select {
			case <-finish:
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	d := New(newRegistry(t, irreversible), WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan capability.Observation, 1)
	go func() {
		done <- d.Dispatch(ctx, proposal("p1", "wipe", nil))
	}()

	// Cancelling mid-flight must not abort an irreversible action.
	<-started
	cancel()
	close(finish)
	obs := <-done
	if obs.Outcome != capability.OutcomeOK || obs.Content != "done" {
		t.Fatalf("in-flight irreversible action aborted: %s %q", obs.Outcome, obs.Content)
	}

	// A proposal arriving after the cancel never dispatches.
	obs = d.Dispatch(ctx, proposal("p2", "wipe", nil))
	if obs.Outcome != capability.OutcomeProviderError || !strings.Contains(obs.Content, "cancelled before dispatch") {
		t.Fatalf("cancelled turn still dispatched: %s %q", obs.Outcome, obs.Content)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	angry := capability.Capability{
		Name:          "angry",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, _ map[string]interface{}) (string, error) {
			panic("boom")
		},
	}
	d := New(newRegistry(t, angry))

	obs := d.Dispatch(context.Background(), proposal("p1", "angry", nil))
	if obs.Outcome != capability.OutcomeProviderError {
		t.Fatalf("outcome = %s", obs.Outcome)
	}
	if !strings.Contains(obs.Content, "panic") {
		t.Fatalf("content = %q", obs.Content)
	}
}

func TestDispatchAllRunsDependencyFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	tracked := capability.Capability{
		Name:          "track",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			mu.Lock()
			order = append(order, args["id"].(string))
			mu.Unlock()
			return "ok", nil
		},
	}
	d := New(newRegistry(t, tracked), WithMaxParallel(1))

	// Dependent listed first to exercise scheduling order.
	second := proposal("p2", "track", map[string]interface{}{"id": "p2"})
	second.DependsOn = "p1"
	first := proposal("p1", "track", map[string]interface{}{"id": "p1"})

	obs := d.DispatchAll(context.Background(), []capability.ActionProposal{second, first})
	if len(obs) != 2 {
		t.Fatalf("got %d observations", len(obs))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "p1" || order[1] != "p2" {
		t.Fatalf("execution order = %v, want [p1 p2]", order)
	}
}

func TestDispatchAllFailedDependencySkipsDependent(t *testing.T) {
	flaky := capability.Capability{
		Name:          "flaky",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(_ context.Context, args map[string]interface{}) (string, error) {
			panic("down")
		},
	}
	d := New(newRegistry(t, flaky, echoCap("echo")))

	first := proposal("p1", "flaky", nil)
	second := proposal("p2", "echo", map[string]interface{}{"text": "hi"})
	second.DependsOn = "p1"

	obs := d.DispatchAll(context.Background(), []capability.ActionProposal{first, second})

	byID := map[string]capability.Observation{}
	for _, o := range obs {
		byID[o.ProposalID] = o
	}
	if byID["p1"].Outcome != capability.OutcomeProviderError {
		t.Fatalf("p1 outcome = %s", byID["p1"].Outcome)
	}
	dep := byID["p2"]
	if dep.Outcome != capability.OutcomeProviderError || !strings.Contains(dep.Content, "dependency p1 failed") {
		t.Fatalf("p2 should be skipped as dependency failure, got %s %q", dep.Outcome, dep.Content)
	}
}

func TestDispatchAllIndependentConcurrency(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocker := capability.Capability{
		Name:          "block",
		Provider:      "test",
		Reversibility: capability.Reversible,
		Invoke: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			started.Done()
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	d := New(newRegistry(t, blocker), WithMaxParallel(2))

	go func() {
		// Both must be in flight at once before either can finish.
		started.Wait()
		close(release)
	}()

	obs := d.DispatchAll(context.Background(), []capability.ActionProposal{
		proposal("p1", "block", nil),
		proposal("p2", "block", nil),
	})
	for _, o := range obs {
		if o.Outcome != capability.OutcomeOK {
			t.Fatalf("%s outcome = %s %q", o.ProposalID, o.Outcome, o.Content)
		}
	}
}

func TestValidateArgsTolerantDefaults(t *testing.T) {
	// nil schema accepts anything
	if err := validateArgs(nil, map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("nil schema: %v", err)
	}
	// extra args are tolerated
	params := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	if err := validateArgs(params, map[string]interface{}{"extra": true}); err != nil {
		t.Fatalf("extra args: %v", err)
	}
	// json numbers are float64 but pass integer when whole
	params = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"n": map[string]interface{}{"type": "integer"},
		},
	}
	if err := validateArgs(params, map[string]interface{}{"n": float64(3)}); err != nil {
		t.Fatalf("whole float64 as integer: %v", err)
	}
	if err := validateArgs(params, map[string]interface{}{"n": 3.5}); err == nil {
		t.Fatal("fractional value should fail integer check")
	}
}
