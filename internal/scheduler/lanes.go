package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrLaneStopped is returned when submitting to a stopped lane.
var ErrLaneStopped = errors.New("lane stopped")

// LaneConfig declares a named worker lane with a concurrency cap.
type LaneConfig struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
}

// DefaultLanes returns the standard lane set: interactive chat traffic and
// background work (heartbeats, scheduled jobs) isolated from each other.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: "main", Concurrency: 4},
		{Name: "background", Concurrency: 2},
	}
}

// LaneStats is a point-in-time utilization snapshot.
type LaneStats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
}

// Lane is a bounded worker pool. Submitted tasks run with at most
// Concurrency in flight; the rest wait in a buffered queue.
type Lane struct {
	name        string
	concurrency int
	tasks       chan func()
	active      atomic.Int32
	queued      atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

const laneQueueDepth = 64

func NewLane(name string, concurrency int) *Lane {
	if concurrency <= 0 {
		concurrency = 1
	}
	l := &Lane{
		name:        name,
		concurrency: concurrency,
		tasks:       make(chan func(), laneQueueDepth),
		stopped:     make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for task := range l.tasks {
		l.queued.Add(-1)
		l.active.Add(1)
		task()
		l.active.Add(-1)
	}
}

// Submit queues a task, blocking if the lane's queue is full.
func (l *Lane) Submit(ctx context.Context, task func()) error {
	select {
	case <-l.stopped:
		return ErrLaneStopped
	default:
	}

	l.queued.Add(1)
	select {
	case l.tasks <- task:
		return nil
	case <-l.stopped:
		l.queued.Add(-1)
		return ErrLaneStopped
	case <-ctx.Done():
		l.queued.Add(-1)
		return ctx.Err()
	}
}

// Stop closes the lane; queued tasks still drain, new submissions fail.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		close(l.tasks)
	})
	l.wg.Wait()
}

func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:        l.name,
		Concurrency: l.concurrency,
		Active:      int(l.active.Load()),
		Queued:      int(l.queued.Load()),
	}
}

// LaneManager holds the named lanes of a runtime.
type LaneManager struct {
	mu    sync.RWMutex
	lanes map[string]*Lane
}

func NewLaneManager(configs []LaneConfig) *LaneManager {
	m := &LaneManager{lanes: make(map[string]*Lane, len(configs))}
	for _, cfg := range configs {
		m.lanes[cfg.Name] = NewLane(cfg.Name, cfg.Concurrency)
		slog.Debug("lane created", "lane", cfg.Name, "concurrency", cfg.Concurrency)
	}
	return m
}

// Get returns the named lane, falling back to "main" if unknown.
func (m *LaneManager) Get(name string) *Lane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	return m.lanes["main"]
}

// GetOrCreate returns the named lane, creating it on first use.
func (m *LaneManager) GetOrCreate(name string, concurrency int) *Lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	l := NewLane(name, concurrency)
	m.lanes[name] = l
	return l
}

func (m *LaneManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lanes {
		l.Stop()
	}
}

func (m *LaneManager) AllStats() []LaneStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LaneStats, 0, len(m.lanes))
	for _, l := range m.lanes {
		out = append(out, l.Stats())
	}
	return out
}
