// Package cron schedules recurring and one-shot agent tasks (reminders,
// periodic checks). Jobs persist to a JSON file and fire through a
// callback into the agent runtime.
//
// Three schedule kinds are supported:
//   - "at":    one-time execution at a specific timestamp
//   - "every": recurring interval (in milliseconds)
//   - "cron":  standard 5-field cron expression (parsed by gronx)
package cron

// Job represents a scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"createdAtMs"`
	UpdatedAtMS    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`              // "at", "every", or "cron"
	AtMS    *int64 `json:"atMs,omitempty"`    // absolute timestamp (for "at")
	EveryMS *int64 `json:"everyMs,omitempty"` // interval in milliseconds (for "every")
	Expr    string `json:"expr,omitempty"`    // cron expression (for "cron")
	TZ      string `json:"tz,omitempty"`      // timezone (reserved)
}

// Payload describes what a job does when triggered.
type Payload struct {
	Message string `json:"message"`           // content to process or deliver
	Deliver bool   `json:"deliver"`           // true = send directly to chat, false = run an agent turn
	Channel string `json:"channel,omitempty"` // target channel (telegram, cli)
	To      string `json:"to,omitempty"`      // target chat ID / recipient
}

// JobState tracks runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`
}

// JobPatch holds optional fields for updating a job.
// Only non-zero/non-nil fields are applied.
type JobPatch struct {
	Name           string    `json:"name,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Message        string    `json:"message,omitempty"`
	Deliver        *bool     `json:"deliver,omitempty"`
	Channel        *string   `json:"channel,omitempty"`
	To             *string   `json:"to,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
}

// RunLogEntry is an in-memory record of a job execution.
type RunLogEntry struct {
	Ts      int64  `json:"ts"`
	JobID   string `json:"jobId"`
	Status  string `json:"status,omitempty"` // "ok", "error"
	Error   string `json:"error,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Store is the persisted on-disk shape: a version plus every job.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// JobHandler is a callback invoked when a job fires.
// Returns the execution result string and any error.
type JobHandler func(job *Job) (string, error)
