package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one claimed job. It receives a Task for progress
// reporting and cancellation checkpoints, and returns the job's output.
// Returning ErrCancelled (usually via Task.Checkpoint) marks the job
// cancelled rather than failed.
type Handler func(ctx context.Context, t *Task) (json.RawMessage, error)

// RunnerOptions tune the worker loop. Zero values take defaults.
type RunnerOptions struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
	JobTimeout     time.Duration // hard per-job deadline
	MaxAttempts    int           // total attempts including the first
	RetryBackoff   time.Duration // fixed delay before a retry is claimable
	LeaseGrace     time.Duration // lease slack past JobTimeout before reaping
	Logger         *slog.Logger
	// IsTransient decides whether a handler error earns a retry.
	// Nil means no error retries.
	IsTransient func(error) bool
}

func (o RunnerOptions) defaults() RunnerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.LeaseGrace <= 0 {
		o.LeaseGrace = DefaultLeaseGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Runner polls for claimable jobs and dispatches them to a handler with
// bounded concurrency. Jobs in flight during shutdown are requeued without
// consuming an attempt.
type Runner struct {
	store   *Store
	handler Handler
	opts    RunnerOptions
	log     *slog.Logger
}

// NewRunner creates a runner over store dispatching to handler.
func NewRunner(store *Store, handler Handler, opts RunnerOptions) *Runner {
	opts = opts.defaults()
	return &Runner{store: store, handler: handler, opts: opts, log: opts.Logger}
}

// Run polls until ctx is cancelled, then drains in-flight jobs.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, r.opts.MaxConcurrency)
	var wg sync.WaitGroup

	lease := r.opts.JobTimeout + r.opts.LeaseGrace

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		requeued, failed, err := r.store.ReapExpired(ctx, r.opts.MaxAttempts)
		if err != nil {
			r.log.Error("jobq reap failed", "error", err)
		} else if requeued+failed > 0 {
			r.log.Warn("jobq reaped expired leases", "requeued", requeued, "failed", failed)
		}

		jobs, err := r.store.Claim(ctx, r.opts.BatchSize, lease)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("jobq claim failed", "error", err)
			}
			continue
		}

		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Claimed but never started: give the attempt back.
				if err := r.store.Requeue(context.Background(), job.ID); err != nil {
					r.log.Error("jobq requeue on shutdown failed", "job_id", job.ID, "error", err)
				}
				continue
			}
			wg.Add(1)
			go func(job *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				r.execute(ctx, job, lease)
			}(job)
		}
	}

	wg.Wait()
}

// execute runs one job through the handler and records the outcome.
// Terminal writes use context.Background so shutdown cannot lose them.
func (r *Runner) execute(ctx context.Context, job *Job, lease time.Duration) {
	log := r.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	log.Info("job started")

	task := &Task{Job: job, store: r.store, lease: lease, log: log}

	jctx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	out, err := r.handler(jctx, task)
	elapsed := time.Since(start)

	bg := context.Background()
	switch {
	case err == nil:
		if werr := r.store.Complete(bg, job.ID, out); werr != nil {
			log.Error("job complete write failed", "error", werr)
			return
		}
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())

	case errors.Is(err, ErrCancelled):
		if werr := r.store.MarkCancelled(bg, job.ID, out); werr != nil {
			log.Error("job cancel write failed", "error", werr)
			return
		}
		log.Info("job cancelled", "duration_ms", elapsed.Milliseconds())

	case jctx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		msg := fmt.Sprintf("timeout after %s", r.opts.JobTimeout)
		if werr := r.store.Fail(bg, job.ID, msg, out); werr != nil {
			log.Error("job fail write failed", "error", werr)
			return
		}
		log.Warn("job timed out", "timeout", r.opts.JobTimeout)

	case ctx.Err() != nil:
		// Shutdown, not a job failure: requeue without consuming the attempt.
		if werr := r.store.Requeue(bg, job.ID); werr != nil {
			log.Error("job requeue on shutdown failed", "error", werr)
			return
		}
		log.Info("job requeued on shutdown")

	case r.opts.IsTransient != nil && r.opts.IsTransient(err) && job.Attempts < r.opts.MaxAttempts:
		if werr := r.store.Retry(bg, job.ID, r.opts.RetryBackoff); werr != nil {
			log.Error("job retry write failed", "error", werr)
			return
		}
		log.Warn("job retrying", "error", err, "backoff", r.opts.RetryBackoff)

	default:
		if werr := r.store.Fail(bg, job.ID, err.Error(), out); werr != nil {
			log.Error("job fail write failed", "error", werr)
			return
		}
		log.Warn("job failed", "error", err)
	}
}

// Task is the handler's view of a claimed job.
type Task struct {
	Job   *Job
	store *Store
	lease time.Duration
	log   *slog.Logger
}

// Progress raises the job's progress percentage. Progress is monotonic; a
// lower value than previously recorded is ignored. The write also extends
// the worker's lease, so regular progress reporting doubles as a heartbeat.
// Write failures are logged, not fatal.
func (t *Task) Progress(ctx context.Context, pct int) {
	if err := t.store.SetProgress(ctx, t.Job.ID, pct, t.lease); err != nil {
		if ctx.Err() == nil {
			t.log.Warn("progress write failed", "error", err)
		}
	}
}

// Checkpoint is called at safe stopping points. It returns the context's
// error when the deadline or shutdown hit, ErrCancelled when cancellation
// was requested, nil otherwise. A flag read failure is logged and treated
// as "not cancelled" so a flaky read cannot kill a healthy job.
func (t *Task) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := t.store.CancelRequested(ctx, t.Job.ID)
	if err != nil {
		t.log.Warn("cancel flag read failed", "error", err)
		return nil
	}
	if requested {
		return ErrCancelled
	}
	return nil
}
