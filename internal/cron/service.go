package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const (
	tickInterval  = 1 * time.Second
	runLogKeep    = 200
	runLogDefault = 20
)

// generateID creates a random 8-byte hex ID for a new job.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// Service owns the scheduled-job store: persistence, the due-check
// loop, and execution with retry. All mutation goes through the mutex;
// job handlers run outside it.
type Service struct {
	path  string
	onJob JobHandler
	retry RetryConfig

	mu      sync.Mutex
	store   Store
	running bool
	stop    chan struct{}
	runLog  []RunLogEntry
}

// NewService loads nothing yet; call Start to read the JSON store at
// path. onJob may be nil and set later via SetOnJob.
func NewService(path string, onJob JobHandler) *Service {
	return &Service{
		path:  path,
		store: Store{Version: 1},
		onJob: onJob,
		retry: DefaultRetryConfig(),
	}
}

func (s *Service) SetRetryConfig(cfg RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = cfg
}

func (s *Service) SetOnJob(h JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJob = h
}

// Start loads persisted jobs, schedules enabled ones, and begins the
// due-check loop. Calling Start on a running service is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.load(); err != nil {
		slog.Warn("job store unreadable, starting fresh", "path", s.path, "error", err)
		s.store = Store{Version: 1}
	}

	now := nowMS()
	for i := range s.store.Jobs {
		j := &s.store.Jobs[i]
		if j.Enabled && j.State.NextRunAtMS == nil {
			j.State.NextRunAtMS = s.nextRun(&j.Schedule, now)
		}
	}
	s.save()

	s.stop = make(chan struct{})
	s.running = true
	go s.loop(s.stop)

	slog.Info("job scheduler started", "jobs", len(s.store.Jobs))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	s.running = false
	slog.Info("job scheduler stopped")
}

// AddJob validates the schedule, persists the job, and returns it. Jobs
// with an "at" schedule are one-shot and delete themselves after
// running.
func (s *Service) AddJob(name string, schedule Schedule, message string, deliver bool, channel, to string) (*Job, error) {
	if err := validateSchedule(&schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMS()
	job := Job{
		ID:       generateID(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload: Payload{
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: schedule.Kind == "at",
	}
	job.State.NextRunAtMS = s.nextRun(&job.Schedule, now)

	s.store.Jobs = append(s.store.Jobs, job)
	s.save()

	slog.Info("job added", "id", job.ID, "name", name, "kind", schedule.Kind)
	return &job, nil
}

func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("job %s not found", id)
	}
	s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
	s.save()
	slog.Info("job removed", "id", id)
	return nil
}

// EnableJob flips a job on or off. Disabling clears the pending run.
func (s *Service) EnableJob(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("job %s not found", id)
	}
	j := &s.store.Jobs[i]
	j.Enabled = enabled
	j.UpdatedAtMS = nowMS()
	if enabled {
		j.State.NextRunAtMS = s.nextRun(&j.Schedule, nowMS())
	} else {
		j.State.NextRunAtMS = nil
	}
	s.save()
	slog.Info("job toggled", "id", id, "enabled", enabled)
	return nil
}

func (s *Service) ListJobs(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.store.Jobs {
		if includeDisabled || j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(id); i >= 0 {
		j := s.store.Jobs[i]
		return &j, true
	}
	return nil, false
}

// UpdateJob applies the non-zero fields of patch and reschedules.
func (s *Service) UpdateJob(id string, patch JobPatch) (*Job, error) {
	if patch.Schedule != nil {
		if err := validateSchedule(patch.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	j := &s.store.Jobs[i]

	if patch.Name != "" {
		j.Name = patch.Name
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil {
		j.Schedule = *patch.Schedule
	}
	if patch.Message != "" {
		j.Payload.Message = patch.Message
	}
	if patch.Deliver != nil {
		j.Payload.Deliver = *patch.Deliver
	}
	if patch.Channel != nil {
		j.Payload.Channel = *patch.Channel
	}
	if patch.To != nil {
		j.Payload.To = *patch.To
	}
	if patch.DeleteAfterRun != nil {
		j.DeleteAfterRun = *patch.DeleteAfterRun
	}
	j.UpdatedAtMS = nowMS()

	if j.Enabled {
		j.State.NextRunAtMS = s.nextRun(&j.Schedule, nowMS())
	} else {
		j.State.NextRunAtMS = nil
	}
	s.save()

	slog.Info("job updated", "id", id)
	out := *j
	return &out, nil
}

// RunJob triggers a job by hand. Without force, a job that is not yet
// due is skipped with reason "not-due". The returned string is the
// handler result on success.
func (s *Service) RunJob(id string, force bool) (bool, string, error) {
	s.mu.Lock()
	var job *Job
	if i := s.index(id); i >= 0 {
		j := s.store.Jobs[i]
		job = &j
	}
	handler := s.onJob
	retry := s.retry
	s.mu.Unlock()

	if job == nil {
		return false, "", fmt.Errorf("job %s not found", id)
	}
	if handler == nil {
		return false, "", fmt.Errorf("no job handler configured")
	}
	if !force && (job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > nowMS()) {
		return false, "not-due", nil
	}

	slog.Info("job manual run", "id", job.ID, "name", job.Name, "force", force)
	result, _, err := ExecuteWithRetry(func() (string, error) {
		return handler(job)
	}, retry)

	s.settle(id, result, err)

	if err != nil {
		return true, "", err
	}
	return true, result, nil
}

// GetRunLog returns recent runs, newest first. An empty jobID matches
// every job.
func (s *Service) GetRunLog(jobID string, limit int) []RunLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = runLogDefault
	}
	var out []RunLogEntry
	for i := len(s.runLog) - 1; i >= 0 && len(out) < limit; i-- {
		if jobID == "" || s.runLog[i].JobID == jobID {
			out = append(out, s.runLog[i])
		}
	}
	return out
}

func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *int64
	for _, j := range s.store.Jobs {
		if j.Enabled && j.State.NextRunAtMS != nil {
			if earliest == nil || *j.State.NextRunAtMS < *earliest {
				earliest = j.State.NextRunAtMS
			}
		}
	}
	return map[string]interface{}{
		"enabled":      s.running,
		"jobs":         len(s.store.Jobs),
		"nextWakeAtMs": earliest,
	}
}

func (s *Service) loop(stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range s.claimDue() {
				s.execute(id)
			}
		}
	}
}

// claimDue collects due job IDs and clears their pending run under the
// lock, so a slow handler cannot cause a double fire on the next tick.
func (s *Service) claimDue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMS()
	var due []string
	for i := range s.store.Jobs {
		j := &s.store.Jobs[i]
		if j.Enabled && j.State.NextRunAtMS != nil && *j.State.NextRunAtMS <= now {
			due = append(due, j.ID)
			j.State.NextRunAtMS = nil
		}
	}
	if len(due) > 0 {
		s.save()
	}
	return due
}

func (s *Service) execute(id string) {
	s.mu.Lock()
	var job *Job
	if i := s.index(id); i >= 0 {
		j := s.store.Jobs[i]
		job = &j
	}
	handler := s.onJob
	retry := s.retry
	s.mu.Unlock()

	if job == nil || handler == nil {
		return
	}

	slog.Info("job firing", "id", job.ID, "name", job.Name)
	result, attempts, err := ExecuteWithRetry(func() (string, error) {
		return handler(job)
	}, retry)
	if attempts > 1 {
		slog.Info("job retried", "id", job.ID, "attempts", attempts, "success", err == nil)
	}
	if err != nil {
		slog.Error("job failed", "id", id, "error", err)
	}

	s.settle(id, result, err)
}

// settle records the outcome of one run: job state, rescheduling or
// self-deletion, and the run log.
func (s *Service) settle(id, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(id); i >= 0 {
		j := &s.store.Jobs[i]
		now := nowMS()
		j.State.LastRunAtMS = &now
		if err != nil {
			j.State.LastStatus = "error"
			j.State.LastError = err.Error()
		} else {
			j.State.LastStatus = "ok"
			j.State.LastError = ""
		}

		if j.DeleteAfterRun {
			s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
		} else {
			j.State.NextRunAtMS = s.nextRun(&j.Schedule, now)
			if j.State.NextRunAtMS == nil {
				j.Enabled = false
			}
		}
		s.save()
	}

	entry := RunLogEntry{Ts: nowMS(), JobID: id}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	} else {
		entry.Status = "ok"
		entry.Summary = TruncateOutput(result)
	}
	s.runLog = append(s.runLog, entry)
	if len(s.runLog) > runLogKeep {
		s.runLog = s.runLog[len(s.runLog)-runLogKeep:]
	}
}

// index returns the position of id in the store, or -1. Caller holds
// the lock.
func (s *Service) index(id string) int {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) nextRun(schedule *Schedule, now int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > now {
			return schedule.AtMS
		}
		return nil
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := now + *schedule.EveryMS
		return &next
	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		next, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(now), false)
		if err != nil {
			slog.Error("cron expression evaluation failed", "expr", schedule.Expr, "error", err)
			return nil
		}
		ms := next.UnixMilli()
		return &ms
	default:
		return nil
	}
}

func validateSchedule(schedule *Schedule) error {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS == nil {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires positive everyMs")
		}
	case "cron":
		if schedule.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if !gronx.New().IsValid(schedule.Expr) {
			return fmt.Errorf("invalid cron expression: %s", schedule.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
	return nil
}

// load and save run under the lock.

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.store)
}

func (s *Service) save() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		slog.Error("job store save failed", "path", s.path, "error", err)
		return
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		slog.Error("job store save failed", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		slog.Error("job store save failed", "path", s.path, "error", err)
	}
}
