package contextwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBudgetExhausted is returned when appending a pinned constraint would
	// leave no room under the budget for the interactive exchange. This is
	// operator-visible and never silently resolved by evicting older pins.
	ErrBudgetExhausted = errors.New("context budget exhausted by pinned constraints")

	// ErrCompactionIneffective signals that summarizing a run did not shrink it.
	ErrCompactionIneffective = errors.New("compaction ineffective")

	// ErrNoSuchPin is returned when revoking a sequence number that is not a
	// live pinned constraint.
	ErrNoSuchPin = errors.New("no such pinned constraint")
)

// Config sets the budget accounting knobs of a window.
type Config struct {
	// Budget is the maximum total weight of the context.
	Budget int

	// SummaryReserve is the compaction headroom constant: the planned weight
	// of one produced summary. Compaction selects a run large enough that
	// replacing it with a summary of this weight lands under budget.
	SummaryReserve int

	// InteractiveOverhead is weight reserved for the current exchange when
	// deciding whether a new pinned constraint still fits.
	InteractiveOverhead int
}

func (c Config) withDefaults() Config {
	if c.SummaryReserve <= 0 {
		c.SummaryReserve = c.Budget / 8
	}
	if c.InteractiveOverhead <= 0 {
		c.InteractiveOverhead = c.Budget / 10
	}
	return c
}

// Window owns the ordered context of one session and enforces its weight
// budget. It is exclusively owned by the session's turn task; methods are
// still mutex-guarded for persistence snapshots taken off-turn.
type Window struct {
	// OnSummary, when set, receives each summary text produced by
	// compaction. Set before the window's first turn.
	OnSummary func(text string)

	mu         sync.Mutex
	cfg        Config
	weigher    Weigher
	summarizer Summarizer
	entries    []Entry
	nextSeq    uint64
	total      int
}

func New(cfg Config, weigher Weigher, summarizer Summarizer) *Window {
	return &Window{
		cfg:        cfg.withDefaults(),
		weigher:    weigher,
		summarizer: summarizer,
		nextSeq:    1,
	}
}

// Restore rebuilds a window from persisted state, recomputing the running
// weight total from entry weights.
func Restore(cfg Config, weigher Weigher, summarizer Summarizer, state State) *Window {
	w := New(cfg, weigher, summarizer)
	w.nextSeq = state.NextSeq
	if w.nextSeq == 0 {
		w.nextSeq = 1
	}
	for _, e := range state.Entries {
		if e.Revoked {
			// Older states kept revoked pins around; drop them on load.
			continue
		}
		w.entries = append(w.entries, e)
		w.total += e.Weight
	}
	return w
}

// State is the serializable form of a window, persisted with the session.
type State struct {
	NextSeq uint64  `json:"next_seq"`
	Entries []Entry `json:"entries"`
}

// Export returns a copy of the window's persistent state.
func (w *Window) Export() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := make([]Entry, len(w.entries))
	copy(entries, w.entries)
	return State{NextSeq: w.nextSeq, Entries: entries}
}

// AppendUser adds a user message entry.
func (w *Window) AppendUser(text string) Entry {
	return w.append(Entry{Kind: KindUserMessage, Text: text})
}

// AppendUtterance adds a model utterance entry.
func (w *Window) AppendUtterance(text string) Entry {
	return w.append(Entry{Kind: KindModelUtterance, Text: text})
}

// AppendProposal records a proposed action in the context.
func (w *Window) AppendProposal(proposalID, capName, text string) Entry {
	return w.append(Entry{
		Kind:       KindActionProposal,
		Text:       text,
		ProposalID: proposalID,
		Capability: capName,
	})
}

// AppendObservation records a dispatch result. Observations carry their
// originating proposal ID so the model can correlate them regardless of
// append order.
func (w *Window) AppendObservation(proposalID, capName, outcome, text string) Entry {
	return w.append(Entry{
		Kind:       KindActionObservation,
		Text:       text,
		ProposalID: proposalID,
		Capability: capName,
		Outcome:    outcome,
	})
}

func (w *Window) append(e Entry) Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	e.Seq = w.nextSeq
	w.nextSeq++
	e.Weight = w.weigher.Weight(e.Text)
	e.CreatedAt = time.Now()

	w.entries = append(w.entries, e)
	w.total += e.Weight
	return e
}

// Pin appends a pinned constraint: a durable instruction exempt from
// compaction until explicitly revoked. Fails with ErrBudgetExhausted if the
// pinned set plus the interactive overhead would no longer fit the budget.
func (w *Window) Pin(text string) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	weight := w.weigher.Weight(text)
	if w.pinnedWeightLocked()+weight+w.cfg.InteractiveOverhead > w.cfg.Budget {
		return Entry{}, fmt.Errorf("%w: pinned %d + new %d + overhead %d > budget %d",
			ErrBudgetExhausted, w.pinnedWeightLocked(), weight, w.cfg.InteractiveOverhead, w.cfg.Budget)
	}

	e := Entry{
		Seq:       w.nextSeq,
		Kind:      KindPinnedConstraint,
		Text:      text,
		Weight:    weight,
		CreatedAt: time.Now(),
	}
	w.nextSeq++
	w.entries = append(w.entries, e)
	w.total += weight

	slog.Info("constraint pinned", "seq", e.Seq, "weight", weight)
	return e, nil
}

// RevokePin removes a pinned constraint by sequence number. This is the only
// way a pinned constraint leaves the context.
func (w *Window) RevokePin(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.entries {
		if w.entries[i].Seq == seq && w.entries[i].Pinned() {
			w.total -= w.entries[i].Weight
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			slog.Info("constraint revoked", "seq", seq)
			return nil
		}
	}
	return fmt.Errorf("%w: seq %d", ErrNoSuchPin, seq)
}

// Snapshot returns the live entries in sequence-number order: the view
// handed to the model collaborator.
func (w *Window) Snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// PinnedConstraints returns the live pinned constraints.
func (w *Window) PinnedConstraints() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pins []Entry
	for _, e := range w.entries {
		if e.Pinned() {
			pins = append(pins, e)
		}
	}
	return pins
}

// TotalWeight returns the current weight of all live entries.
func (w *Window) TotalWeight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Seq returns the next sequence number to be assigned. Proposals record it
// so approval ordering can be checked against creation time.
func (w *Window) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

func (w *Window) pinnedWeightLocked() int {
	total := 0
	for _, e := range w.entries {
		if e.Pinned() {
			total += e.Weight
		}
	}
	return total
}

// CompactIfNeeded reduces the context under budget by summarizing the oldest
// contiguous runs of non-pinned entries. Summaries created during this call
// are not re-selected within the same call, but remain eligible for further
// summarization later. If a summary does not shrink its run, the run is
// dropped without a summary and the data loss is logged.
func (w *Window) CompactIfNeeded(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total <= w.cfg.Budget {
		return false, nil
	}

	fresh := make(map[uint64]bool)
	compacted := false

	for w.total > w.cfg.Budget {
		start, end := w.selectRunLocked(fresh)
		if start < 0 {
			slog.Warn("context over budget but nothing compactable",
				"total", w.total, "budget", w.cfg.Budget)
			break
		}

		run := make([]Entry, end-start)
		copy(run, w.entries[start:end])
		runWeight := 0
		for _, e := range run {
			runWeight += e.Weight
		}

		text, err := w.summarizer.Summarize(ctx, run)
		sumWeight := 0
		if err == nil {
			sumWeight = w.weigher.Weight(text)
		}

		if err != nil || sumWeight >= runWeight {
			// Summarization cannot shrink the run: drop it entirely.
			slog.Warn("compaction ineffective, dropping entries",
				"error", errVal(err, ErrCompactionIneffective),
				"entries", len(run),
				"first_seq", run[0].Seq,
				"weight_lost", runWeight,
			)
			w.entries = append(w.entries[:start], w.entries[end:]...)
			w.total -= runWeight
			compacted = true
			continue
		}

		summary := Entry{
			Seq:       run[0].Seq, // occupies the position of the first summarized entry
			Kind:      KindCompactionSummary,
			Text:      text,
			Weight:    sumWeight,
			CreatedAt: time.Now(),
		}
		w.entries = append(w.entries[:start], append([]Entry{summary}, w.entries[end:]...)...)
		w.total += sumWeight - runWeight
		fresh[summary.Seq] = true
		compacted = true
		if w.OnSummary != nil {
			w.OnSummary(text)
		}

		slog.Debug("context compacted",
			"entries", len(run),
			"run_weight", runWeight,
			"summary_weight", sumWeight,
			"total", w.total,
		)
	}

	return compacted, nil
}

// selectRunLocked finds the oldest contiguous run of compactable entries,
// extended until replacing it with a SummaryReserve-weight summary would
// land under budget or the run hits an ineligible entry. Returns start and
// one-past-end indexes, or (-1, -1) if nothing is compactable.
func (w *Window) selectRunLocked(fresh map[uint64]bool) (int, int) {
	eligible := func(e Entry) bool {
		return e.Kind != KindPinnedConstraint && !fresh[e.Seq]
	}

	start := -1
	for i, e := range w.entries {
		if eligible(e) {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}

	runWeight := 0
	end := start
	for end < len(w.entries) && eligible(w.entries[end]) {
		runWeight += w.entries[end].Weight
		end++
		if w.total-runWeight+w.cfg.SummaryReserve <= w.cfg.Budget {
			break
		}
	}
	return start, end
}

func errVal(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
