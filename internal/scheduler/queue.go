// Package scheduler serializes agent turns per session and bounds
// global concurrency with lanes. One session never runs two turns at
// once; separate sessions run in parallel up to their lane's limit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maxagent/maxd/internal/bus"
)

// QueueMode decides what happens when a message arrives while the same
// session is mid-turn.
type QueueMode string

const (
	// QueueModeQueue waits its turn, FIFO.
	QueueModeQueue QueueMode = "queue"
	// QueueModeFollowup also waits, but is meant for messages that
	// build on the in-flight turn's outcome.
	QueueModeFollowup QueueMode = "followup"
	// QueueModeInterrupt cancels the in-flight turn and the backlog.
	QueueModeInterrupt QueueMode = "interrupt"
)

// DropPolicy decides which message loses when a session queue is full.
type DropPolicy string

const (
	DropOld DropPolicy = "old" // evict the oldest queued message
	DropNew DropPolicy = "new" // reject the arriving message
)

// QueueConfig tunes per-session queuing.
type QueueConfig struct {
	Mode       QueueMode  `json:"mode"`
	Cap        int        `json:"cap"`
	Drop       DropPolicy `json:"drop"`
	DebounceMs int        `json:"debounce_ms"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Mode:       QueueModeQueue,
		Cap:        10,
		Drop:       DropOld,
		DebounceMs: 800,
	}
}

// RunFunc executes one agent turn and returns the final reply.
type RunFunc func(ctx context.Context, msg bus.InboundMessage) (string, error)

// RunOutcome resolves a scheduled turn.
type RunOutcome struct {
	Reply string
	Err   error
}

type pendingTurn struct {
	msg bus.InboundMessage
	ch  chan RunOutcome
}

func (p *pendingTurn) resolve(out RunOutcome) {
	p.ch <- out
	close(p.ch)
}

// sessionQueue serializes turns for one session key.
type sessionQueue struct {
	key   string
	lane  string
	cfg   QueueConfig
	run   RunFunc
	lanes *LaneManager

	mu      sync.Mutex
	backlog []*pendingTurn
	active  bool
	cancel  context.CancelFunc // cancels the in-flight turn
	timer   *time.Timer
	rootCtx context.Context // context future turns spawn from
}

// Enqueue queues msg and returns the channel its outcome arrives on.
func (sq *sessionQueue) Enqueue(ctx context.Context, msg bus.InboundMessage) <-chan RunOutcome {
	p := &pendingTurn{msg: msg, ch: make(chan RunOutcome, 1)}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.rootCtx == nil {
		sq.rootCtx = ctx
	}

	if sq.cfg.Mode == QueueModeInterrupt {
		if sq.active && sq.cancel != nil {
			sq.cancel()
		}
		for _, old := range sq.backlog {
			old.resolve(RunOutcome{Err: context.Canceled})
		}
		sq.backlog = append(sq.backlog[:0], p)
	} else if len(sq.backlog) >= sq.cfg.Cap {
		switch sq.cfg.Drop {
		case DropNew:
			p.resolve(RunOutcome{Err: ErrQueueFull})
			return p.ch
		default:
			sq.backlog[0].resolve(RunOutcome{Err: ErrQueueDropped})
			sq.backlog = append(sq.backlog[1:], p)
		}
	} else {
		sq.backlog = append(sq.backlog, p)
	}

	if !sq.active {
		sq.kick(ctx)
	}
	return p.ch
}

// kick arms the debounce timer, or starts immediately when debounce is
// off. Caller holds sq.mu.
func (sq *sessionQueue) kick(ctx context.Context) {
	if len(sq.backlog) == 0 {
		return
	}

	debounce := time.Duration(sq.cfg.DebounceMs) * time.Millisecond
	if debounce <= 0 {
		sq.dispatch(ctx)
		return
	}

	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.timer = time.AfterFunc(debounce, func() {
		sq.mu.Lock()
		defer sq.mu.Unlock()
		if !sq.active && len(sq.backlog) > 0 {
			sq.dispatch(ctx)
		}
	})
}

// dispatch pops the head of the backlog into its lane. Caller holds
// sq.mu.
func (sq *sessionQueue) dispatch(ctx context.Context) {
	p := sq.backlog[0]
	sq.backlog = sq.backlog[1:]
	sq.active = true

	runCtx, cancel := context.WithCancel(ctx)
	sq.cancel = cancel

	lane := sq.lanes.Get(sq.lane)
	if lane == nil {
		lane = sq.lanes.Get("main")
	}
	if lane == nil {
		go sq.runTurn(runCtx, p)
		return
	}

	if err := lane.Submit(ctx, func() { sq.runTurn(runCtx, p) }); err != nil {
		p.resolve(RunOutcome{Err: err})
		sq.active = false
		sq.cancel = nil
	}
}

func (sq *sessionQueue) runTurn(ctx context.Context, p *pendingTurn) {
	reply, err := sq.run(ctx, p.msg)
	p.resolve(RunOutcome{Reply: reply, Err: err})

	sq.mu.Lock()
	sq.active = false
	sq.cancel = nil
	if len(sq.backlog) > 0 {
		// The per-turn ctx may already be cancelled (interrupt mode),
		// so later turns spawn from the root context.
		sq.kick(sq.rootCtx)
	}
	sq.mu.Unlock()
}

// Scheduler fans inbound messages out to per-session queues.
type Scheduler struct {
	lanes *LaneManager
	cfg   QueueConfig
	run   RunFunc

	mu       sync.RWMutex
	sessions map[string]*sessionQueue
}

func NewScheduler(laneConfigs []LaneConfig, cfg QueueConfig, run RunFunc) *Scheduler {
	if laneConfigs == nil {
		laneConfigs = DefaultLanes()
	}
	return &Scheduler{
		lanes:    NewLaneManager(laneConfigs),
		cfg:      cfg,
		run:      run,
		sessions: make(map[string]*sessionQueue),
	}
}

// Schedule routes msg to its session queue. The returned channel
// resolves exactly once, when the turn completes or is dropped.
func (s *Scheduler) Schedule(ctx context.Context, lane, sessionKey string, msg bus.InboundMessage) <-chan RunOutcome {
	s.mu.RLock()
	sq := s.sessions[sessionKey]
	s.mu.RUnlock()

	if sq == nil {
		s.mu.Lock()
		if sq = s.sessions[sessionKey]; sq == nil {
			sq = &sessionQueue{
				key:   sessionKey,
				lane:  lane,
				cfg:   s.cfg,
				run:   s.run,
				lanes: s.lanes,
			}
			s.sessions[sessionKey] = sq
			slog.Debug("session queue created", "session", sessionKey, "lane", lane)
		}
		s.mu.Unlock()
	}

	return sq.Enqueue(ctx, msg)
}

// Stop shuts down all lanes. Queued turns never start.
func (s *Scheduler) Stop() {
	s.lanes.StopAll()
}

// LaneStats reports utilization for every lane.
func (s *Scheduler) LaneStats() []LaneStats {
	return s.lanes.AllStats()
}
