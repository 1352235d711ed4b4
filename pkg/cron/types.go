package cron

import "context"

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is a named maintenance job bound to a cron expression.
type Job struct {
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"`
	Run      JobFunc `json:"-"`
}

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // "ok", "error" or "skipped"
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// JobStatus is a snapshot of a job for status reporting.
type JobStatus struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	State    JobState `json:"state"`
}

// Job run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
