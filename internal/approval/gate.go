package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maxagent/maxd/internal/capability"
)

// Decision is the outcome of resolving a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	// DecisionAllowAlways approves and whitelists the capability for the
	// session, so future proposals for it skip the gate.
	DecisionAllowAlways Decision = "allow-always"
	// DecisionApproveBatch approves every pending proposal in the same batch.
	DecisionApproveBatch Decision = "approve-batch"
	// DecisionTimeout is assigned by the gate itself when an approval expires.
	DecisionTimeout Decision = "timeout"
)

// Mode selects how aggressively proposals are held for confirmation.
type Mode string

const (
	// ModeStrict holds every proposal for explicit confirmation.
	ModeStrict Mode = "strict"
	// ModePermissive auto-approves reversible proposals; irreversible ones
	// are still held.
	ModePermissive Mode = "permissive"
)

// Policy is the confirmation policy in force for a session.
type Policy struct {
	Mode    Mode
	Timeout time.Duration
}

// Evaluate decides the route for a proposal. It is a pure function of the
// proposal and policy: auto-approval happens only in permissive mode and
// only for reversible actions. Anything unknown defaults to holding.
func Evaluate(p capability.ActionProposal, policy Policy) bool {
	return policy.Mode == ModePermissive && p.Reversibility == capability.Reversible
}

var (
	ErrUnknownApproval = errors.New("unknown approval id")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Resolution is delivered to the waiter once a pending approval settles.
type Resolution struct {
	Decision Decision
	Resolver string // channel/user that decided, empty on timeout
}

// Pending is one proposal held at the gate awaiting a decision.
type Pending struct {
	ID        string
	BatchID   string
	Proposal  capability.ActionProposal
	CreatedAt time.Time
	ExpiresAt time.Time

	ch       chan Resolution
	timer    *time.Timer
	resolved bool
}

// Notifier is told about new pending approvals so transports can surface
// them to the user (inline keyboard, CLI prompt).
type Notifier func(p *Pending)

// Gate holds proposals that require explicit confirmation. Decisions arrive
// asynchronously via Resolve, from whatever transport the user answers on.
type Gate struct {
	mu      sync.Mutex
	policy  Policy
	pending map[string]*Pending
	always  map[string]bool // sessionKey + "\x00" + capability
	notify  Notifier
}

const defaultTimeout = 5 * time.Minute

func NewGate(policy Policy) *Gate {
	if policy.Timeout <= 0 {
		policy.Timeout = defaultTimeout
	}
	return &Gate{
		policy:  policy,
		pending: make(map[string]*Pending),
		always:  make(map[string]bool),
	}
}

// SetNotifier installs the pending-approval callback. Must be called before
// the gate starts receiving proposals.
func (g *Gate) SetNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = n
}

// Policy returns the policy in force.
func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// SetMode switches the confirmation mode at runtime.
func (g *Gate) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy.Mode = mode
	slog.Info("approval mode changed", "mode", mode)
}

// AutoApproves reports whether the proposal can skip the gate: either the
// policy allows it outright or the capability was allow-always'd for the
// session earlier. An allow-always grant never covers irreversible
// proposals; those need a fresh approval every time.
func (g *Gate) AutoApproves(p capability.ActionProposal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Reversibility == capability.Reversible && g.always[alwaysKey(p.SessionKey, p.Capability)] {
		return true
	}
	return Evaluate(p, g.policy)
}

// Hold registers a proposal as pending and returns the handle the caller
// waits on. batchID groups proposals from one model turn so a single
// approve-batch decision can settle all of them.
func (g *Gate) Hold(p capability.ActionProposal, batchID string) *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	pa := &Pending{
		ID:        p.ID,
		BatchID:   batchID,
		Proposal:  p,
		CreatedAt: now,
		ExpiresAt: now.Add(g.policy.Timeout),
		ch:        make(chan Resolution, 1),
	}
	pa.timer = time.AfterFunc(g.policy.Timeout, func() { g.expire(pa.ID) })
	g.pending[pa.ID] = pa

	slog.Info("approval requested",
		"id", pa.ID,
		"capability", p.Capability,
		"session", p.SessionKey,
		"expires_at", pa.ExpiresAt,
	)
	if g.notify != nil {
		go g.notify(pa)
	}
	return pa
}

// Wait blocks until the pending approval settles. The gate guarantees a
// resolution within the policy timeout, so Wait does not take a context.
func (pa *Pending) Wait() Resolution {
	return <-pa.ch
}

// Resolve settles a pending approval. Resolving twice fails with
// ErrAlreadyResolved and does not change the original outcome.
func (g *Gate) Resolve(id string, decision Decision, resolver string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pa, ok := g.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	if pa.resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	switch decision {
	case DecisionAllowAlways:
		g.always[alwaysKey(pa.Proposal.SessionKey, pa.Proposal.Capability)] = true
		g.settleLocked(pa, Resolution{Decision: DecisionApprove, Resolver: resolver})
	case DecisionApproveBatch:
		for _, sibling := range g.batchLocked(pa.BatchID) {
			g.settleLocked(sibling, Resolution{Decision: DecisionApprove, Resolver: resolver})
		}
	case DecisionApprove, DecisionReject:
		g.settleLocked(pa, Resolution{Decision: decision, Resolver: resolver})
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}
	return nil
}

// ListPending returns unresolved approvals ordered by creation time.
func (g *Gate) ListPending() []*Pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Pending, 0, len(g.pending))
	for _, pa := range g.pending {
		if pa.resolved {
			continue
		}
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pa, ok := g.pending[id]
	if !ok || pa.resolved {
		return
	}
	slog.Warn("approval expired", "id", id, "capability", pa.Proposal.Capability)
	g.settleLocked(pa, Resolution{Decision: DecisionTimeout})
}

// resolvedRetention keeps settled entries around so a late duplicate
// decision gets ErrAlreadyResolved instead of ErrUnknownApproval.
const resolvedRetention = time.Minute

func (g *Gate) settleLocked(pa *Pending, res Resolution) {
	pa.resolved = true
	pa.timer.Stop()
	pa.ch <- res
	time.AfterFunc(resolvedRetention, func() {
		g.mu.Lock()
		delete(g.pending, pa.ID)
		g.mu.Unlock()
	})

	slog.Info("approval resolved",
		"id", pa.ID,
		"decision", res.Decision,
		"capability", pa.Proposal.Capability,
	)
}

func (g *Gate) batchLocked(batchID string) []*Pending {
	var out []*Pending
	for _, pa := range g.pending {
		if pa.BatchID == batchID && !pa.resolved {
			out = append(out, pa)
		}
	}
	return out
}

func alwaysKey(sessionKey, capName string) string {
	return sessionKey + "\x00" + capName
}
