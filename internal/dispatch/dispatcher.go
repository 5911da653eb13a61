package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxagent/maxd/internal/capability"
)

const (
	defaultInvokeTimeout = 60 * time.Second
	defaultMaxParallel   = 4
)

// Dispatcher executes approved proposals against the capability registry.
// Every dispatch yields an Observation; provider failures become error
// observations, never panics or lost results.
type Dispatcher struct {
	registry    *capability.Registry
	limiter     *RateLimiter
	timeout     time.Duration
	maxParallel int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

func WithMaxParallel(n int) Option {
	return func(dp *Dispatcher) { dp.maxParallel = n }
}

func WithRateLimiter(rl *RateLimiter) Option {
	return func(dp *Dispatcher) { dp.limiter = rl }
}

func New(registry *capability.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		timeout:     defaultInvokeTimeout,
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one proposal through resolve, validate, rate limit and
// invoke, and returns the observation.
func (d *Dispatcher) Dispatch(ctx context.Context, p capability.ActionProposal) capability.Observation {
	start := time.Now()
	obs := capability.Observation{
		ProposalID: p.ID,
		Capability: p.Capability,
	}

	c, err := d.registry.Resolve(p.Capability)
	if err != nil {
		obs.Outcome = capability.OutcomeUnknownCapability
		obs.Content = err.Error()
		return d.finish(obs, start)
	}

	if err := validateArgs(c.Parameters, p.Arguments); err != nil {
		obs.Outcome = capability.OutcomeInvalidArguments
		obs.Content = err.Error()
		return d.finish(obs, start)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, p.SessionKey); err != nil {
			obs.Outcome = capability.OutcomeProviderError
			obs.Content = fmt.Sprintf("rate limit wait: %v", err)
			return d.finish(obs, start)
		}
	}

	if err := ctx.Err(); err != nil {
		obs.Outcome = capability.OutcomeProviderError
		obs.Content = fmt.Sprintf("cancelled before dispatch: %v", err)
		return d.finish(obs, start)
	}

	// A turn cancel must not abort an irreversible action that has already
	// started; it only stops proposals that have not dispatched yet.
	base := ctx
	if c.Reversibility == capability.Irreversible {
		base = context.WithoutCancel(ctx)
	}
	invokeCtx, cancel := context.WithTimeout(capability.WithSession(base, p.SessionKey), d.timeout)
	defer cancel()

	content, err := d.invoke(invokeCtx, c, p.Arguments)
	if err != nil {
		obs.Outcome = capability.OutcomeProviderError
		if errors.Is(err, context.DeadlineExceeded) {
			obs.Content = fmt.Sprintf("%s timed out after %s", p.Capability, d.timeout)
		} else {
			obs.Content = fmt.Sprintf("%s failed: %v", p.Capability, err)
		}
		return d.finish(obs, start)
	}

	obs.Outcome = capability.OutcomeOK
	obs.Content = content
	return d.finish(obs, start)
}

// invoke shields the dispatcher from panicking providers.
func (d *Dispatcher) invoke(ctx context.Context, c capability.Capability, args map[string]interface{}) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return c.Invoke(ctx, args)
}

func (d *Dispatcher) finish(obs capability.Observation, start time.Time) capability.Observation {
	obs.DurationMs = time.Since(start).Milliseconds()
	if obs.IsError() {
		slog.Warn("dispatch failed",
			"proposal", obs.ProposalID,
			"capability", obs.Capability,
			"outcome", obs.Outcome,
			"duration_ms", obs.DurationMs,
		)
	} else {
		slog.Debug("dispatch ok",
			"proposal", obs.ProposalID,
			"capability", obs.Capability,
			"duration_ms", obs.DurationMs,
		)
	}
	return obs
}

// DispatchAll executes a batch of approved proposals. Independent proposals
// run concurrently up to the parallelism cap; a proposal naming another via
// DependsOn waits for that proposal to finish first. Observations are
// returned in completion order.
func (d *Dispatcher) DispatchAll(ctx context.Context, proposals []capability.ActionProposal) []capability.Observation {
	if len(proposals) == 0 {
		return nil
	}

	// Launch dependencies before dependents so a dependent never claims a
	// worker slot while its dependency is still unscheduled.
	proposals = orderByDependency(proposals)

	done := make(map[string]chan struct{}, len(proposals))
	results := make(map[string]*capability.Observation, len(proposals))
	var resultsMu sync.Mutex
	for _, p := range proposals {
		done[p.ID] = make(chan struct{})
	}

	obsCh := make(chan capability.Observation, len(proposals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)

	for _, p := range proposals {
		p := p
		g.Go(func() error {
			defer close(done[p.ID])

			if p.DependsOn != "" {
				if ch, ok := done[p.DependsOn]; ok {
					select {
					case <-ch:
					case <-gctx.Done():
						obs := capability.Observation{
							ProposalID: p.ID,
							Capability: p.Capability,
							Outcome:    capability.OutcomeProviderError,
							Content:    fmt.Sprintf("cancelled waiting for %s: %v", p.DependsOn, gctx.Err()),
						}
						obsCh <- obs
						return nil
					}
					resultsMu.Lock()
					dep := results[p.DependsOn]
					resultsMu.Unlock()
					if dep != nil && dep.IsError() {
						obs := capability.Observation{
							ProposalID: p.ID,
							Capability: p.Capability,
							Outcome:    capability.OutcomeProviderError,
							Content:    fmt.Sprintf("dependency %s failed: %s", p.DependsOn, dep.Content),
						}
						resultsMu.Lock()
						results[p.ID] = &obs
						resultsMu.Unlock()
						obsCh <- obs
						return nil
					}
				}
			}

			obs := d.Dispatch(gctx, p)
			resultsMu.Lock()
			results[p.ID] = &obs
			resultsMu.Unlock()
			obsCh <- obs
			return nil
		})
	}

	g.Wait()
	close(obsCh)

	out := make([]capability.Observation, 0, len(proposals))
	for obs := range obsCh {
		out = append(out, obs)
	}
	return out
}

// orderByDependency returns the proposals with every DependsOn target
// placed before its dependents, keeping the original order otherwise.
// Cycles and references outside the batch are treated as no dependency.
func orderByDependency(proposals []capability.ActionProposal) []capability.ActionProposal {
	inBatch := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		inBatch[p.ID] = true
	}

	scheduled := make(map[string]bool, len(proposals))
	out := make([]capability.ActionProposal, 0, len(proposals))
	remaining := proposals

	for len(remaining) > 0 {
		var next []capability.ActionProposal
		progressed := false
		for _, p := range remaining {
			if p.DependsOn == "" || !inBatch[p.DependsOn] || scheduled[p.DependsOn] {
				out = append(out, p)
				scheduled[p.ID] = true
				progressed = true
			} else {
				next = append(next, p)
			}
		}
		if !progressed {
			// Dependency cycle: sever the edges and run the rest in
			// given order rather than deadlock.
			slog.Warn("dependency cycle in proposal batch", "stuck", len(next))
			for _, p := range next {
				p.DependsOn = ""
				out = append(out, p)
			}
			break
		}
		remaining = next
	}
	return out
}
