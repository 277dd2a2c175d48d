package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("queue stopped")
	ErrQueueFull = errors.New("queue full")
)

// Config controls the idle queue.
//
// Defaults (when fields are zero):
//   - queue_size: 64
//   - idle_delay: 0 (no pause between jobs)
//   - rate_per_sec: 0 (unlimited)
type Config struct {
	QueueSize  int
	IdleDelay  time.Duration
	RatePerSec float64
	Burst      int
	// JobTimeout bounds jobs whose own Timeout is zero. 0 disables it.
	JobTimeout time.Duration
}

// Job is one unit of deferred work. Errors are logged and never retried.
type Job struct {
	Name    string
	Run     func(ctx context.Context) error
	Timeout time.Duration
}

// Snapshot is a point-in-time view for /api/v1/queue and the CLI.
type Snapshot struct {
	Running   bool      `json:"running"`
	Queued    int       `json:"queued"`
	Capacity  int       `json:"capacity"`
	Current   string    `json:"current,omitempty"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Dropped   uint64    `json:"dropped"`
	LastJob   string    `json:"last_job,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	// WorkerRestarts counts supervisor restarts of the worker goroutine.
	WorkerRestarts uint64 `json:"worker_restarts"`
}

// JobEvent is the payload of queue.* bus events.
type JobEvent struct {
	Unit  string        `json:"unit"`
	Job   string        `json:"job"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}
