// Package jobq implements the durable background-job framework backed by
// SQLite: a pending → processing → {completed, failed, cancelled} state
// machine with progress reporting, cooperative cancellation, bounded retry,
// and crash recovery through claim leases.
//
// Claimed jobs hold a lease; a worker that dies leaves an expired lease and
// the reaper either requeues the job or fails it once attempts are spent.
// Cancellation is a flag the owning user may set at any time before a
// terminal state; workers observe it only at checkpoints, so it is
// cooperative, never preemptive. Terminal states are final: every terminal
// update is guarded on the processing state and cannot fire twice.
package jobq

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrCancelled is returned by Task.Checkpoint when the owning user has
// requested cancellation. Handlers propagate it unchanged; the runner maps
// it to the cancelled terminal state, keeping any partial output.
var ErrCancelled = errors.New("jobq: job cancelled")

// ErrNotProcessing is returned by terminal-state updates when the job is not
// in the processing state, typically because it already reached a terminal
// state, which is immutable.
var ErrNotProcessing = errors.New("jobq: job not in processing state")

// Defaults for runner options.
const (
	DefaultPollInterval   = time.Second
	DefaultBatchSize      = 4
	DefaultMaxConcurrency = 4
	DefaultJobTimeout     = 5 * time.Minute
	DefaultMaxAttempts    = 3 // first execution plus two transient retries
	DefaultRetryBackoff   = 30 * time.Second
	DefaultLeaseGrace     = 30 * time.Second
)
