package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/prix/idgen"
)

// Job is one row of the jobs table.
type Job struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            string          `json:"kind"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Attempts        int             `json:"attempts"`
	ItemID          string          `json:"item_id,omitempty"`
	ListID          string          `json:"list_id,omitempty"`
	CreatedAt       int64           `json:"created_at"`              // UnixMilli
	StartedAt       int64           `json:"started_at,omitempty"`   // UnixMilli, 0 until claimed
	CompletedAt     int64           `json:"completed_at,omitempty"` // UnixMilli, 0 until terminal
}

// CanCancel reports whether a cancellation request would still be observed.
func (j *Job) CanCancel() bool {
	return !j.Status.Terminal()
}

// MarshalJSON includes the derived can_cancel field in the wire form.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		*alias
		CanCancel bool `json:"can_cancel"`
	}{(*alias)(j), j.CanCancel()})
}

// NewJob describes a job to create.
type NewJob struct {
	UserID string
	Kind   string
	Input  json.RawMessage
	ItemID string
	ListID string
}

// Store persists jobs.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom job ID generator.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a job store over db. The jobs table must exist
// (ApplySchema or dbopen.WithSchema(Schema)).
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		DB:    db,
		newID: idgen.Prefixed("job_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a pending, immediately claimable job.
func (s *Store) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.Kind == "" {
		return nil, fmt.Errorf("jobq: kind is required")
	}
	input := nj.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	now := time.Now().UnixMilli()
	j := &Job{
		ID:        s.newID(),
		UserID:    nj.UserID,
		Kind:      nj.Kind,
		Status:    StatusPending,
		Input:     input,
		ItemID:    nj.ItemID,
		ListID:    nj.ListID,
		CreatedAt: now,
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, kind, status, input, item_id, list_id, visible_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Kind, j.Status, string(j.Input), j.ItemID, j.ListID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("jobq: create: %w", err)
	}
	return j, nil
}

// Get retrieves a job by ID. Returns nil, nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListActive returns pending and processing jobs, newest first. A non-empty
// userID restricts to that user's jobs.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Job, error) {
	q := selectJob + ` WHERE status IN ('pending','processing')`
	var args []any
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC`
	return s.list(ctx, q, args...)
}

// ListByUser returns a user's jobs, newest first, capped at limit.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, selectJob+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// RequestCancel sets the cancellation flag. It reports whether the flag was
// applied; a job already in a terminal state is left untouched (no-op).
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1
		WHERE id = ? AND status IN ('pending','processing')`, id)
	if err != nil {
		return false, fmt.Errorf("jobq: request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelRequested reports the cancellation flag. Workers poll this at
// checkpoints.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return flag != 0, nil
}

// SetProgress raises progress (clamped 0-100, monotonic: it never moves
// backwards) and extends the lease; progress updates double as heartbeats.
func (s *Store) SetProgress(ctx context.Context, id string, pct int, lease time.Duration) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	leaseUntil := time.Now().Add(lease).UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET progress = max(progress, ?), lease_until = ?
		WHERE id = ? AND status = 'processing'`,
		pct, leaseUntil, id)
	if err != nil {
		return fmt.Errorf("jobq: set progress: %w", err)
	}
	return nil
}

// Claim atomically claims up to n pending jobs whose visible_at has passed,
// marking them processing with a lease. It returns an empty (non-nil) slice
// when nothing is claimable.
func (s *Store) Claim(ctx context.Context, n int, lease time.Duration) ([]*Job, error) {
	now := time.Now()
	leaseUntil := now.Add(lease).UnixMilli()

	rows, err := s.DB.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'processing', attempts = attempts + 1, lease_until = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND visible_at <= ?
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		leaseUntil, now.UnixMilli(), now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("jobq: claim: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, nil
}

// Complete transitions a processing job to completed with its output.
func (s *Store) Complete(ctx context.Context, id string, output json.RawMessage) error {
	return s.finish(ctx, id, StatusCompleted, output, "", 100)
}

// Fail transitions a processing job to failed, recording the message.
// Partial output, when present, is preserved for inspection.
func (s *Store) Fail(ctx context.Context, id, msg string, output json.RawMessage) error {
	return s.finish(ctx, id, StatusFailed, output, msg, -1)
}

// MarkCancelled transitions a processing job to cancelled, preserving
// whatever partial output the worker produced. Not an error state.
func (s *Store) MarkCancelled(ctx context.Context, id string, partial json.RawMessage) error {
	return s.finish(ctx, id, StatusCancelled, partial, "", -1)
}

// Retry puts a processing job back to pending, claimable after backoff.
// Attempt accounting happens at claim time.
func (s *Store) Retry(ctx context.Context, id string, backoff time.Duration) error {
	visibleAt := time.Now().Add(backoff).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', visible_at = ?, lease_until = 0
		WHERE id = ? AND status = 'processing'`,
		visibleAt, id)
	if err != nil {
		return fmt.Errorf("jobq: retry: %w", err)
	}
	return requireRow(res)
}

// Requeue makes a processing job immediately claimable again without
// consuming an attempt. Shutdown path for claimed-but-unstarted work.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', visible_at = 0, lease_until = 0,
		    attempts = max(attempts - 1, 0)
		WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("jobq: requeue: %w", err)
	}
	return requireRow(res)
}

// ReapExpired recovers processing jobs whose lease has lapsed (worker died):
// jobs with attempts left go back to pending; exhausted jobs are failed.
// Returns (requeued, failed).
func (s *Store) ReapExpired(ctx context.Context, maxAttempts int) (int64, int64, error) {
	now := time.Now().UnixMilli()

	failRes, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = 'worker lease expired', completed_at = ?
		WHERE status = 'processing' AND lease_until < ? AND attempts >= ?`,
		now, now, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("jobq: reap fail: %w", err)
	}
	failed, _ := failRes.RowsAffected()

	reqRes, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', visible_at = ?, lease_until = 0
		WHERE status = 'processing' AND lease_until < ?`,
		now, now)
	if err != nil {
		return 0, 0, fmt.Errorf("jobq: reap requeue: %w", err)
	}
	requeued, _ := reqRes.RowsAffected()

	return requeued, failed, nil
}

func (s *Store) finish(ctx context.Context, id string, status Status, output json.RawMessage, errMsg string, progress int) error {
	now := time.Now().UnixMilli()

	var out any
	if len(output) > 0 {
		out = string(output)
	}

	var q string
	args := []any{string(status), out, errMsg, now}
	if progress >= 0 {
		q = `UPDATE jobs SET status=?, output=?, error=?, completed_at=?, progress=?
		WHERE id=? AND status='processing'`
		args = append(args, progress, id)
	} else {
		q = `UPDATE jobs SET status=?, output=?, error=?, completed_at=?
		WHERE id=? AND status='processing'`
		args = append(args, id)
	}

	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("jobq: finish %s: %w", status, err)
	}
	return requireRow(res)
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotProcessing
	}
	return nil
}

const jobColumns = `id, user_id, kind, status, progress, input, output, error,
	cancel_requested, attempts, item_id, list_id, created_at, started_at, completed_at`

const selectJob = `SELECT ` + jobColumns + ` FROM jobs`

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var input string
	var output sql.NullString
	var cancelReq int
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(
		&j.ID, &j.UserID, &j.Kind, &j.Status, &j.Progress, &input, &output, &j.Error,
		&cancelReq, &j.Attempts, &j.ItemID, &j.ListID, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	fillJob(&j, input, output, cancelReq, startedAt, completedAt)
	return &j, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	var j Job
	var input string
	var output sql.NullString
	var cancelReq int
	var startedAt, completedAt sql.NullInt64
	err := rows.Scan(
		&j.ID, &j.UserID, &j.Kind, &j.Status, &j.Progress, &input, &output, &j.Error,
		&cancelReq, &j.Attempts, &j.ItemID, &j.ListID, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	fillJob(&j, input, output, cancelReq, startedAt, completedAt)
	return &j, nil
}

func fillJob(j *Job, input string, output sql.NullString, cancelReq int, startedAt, completedAt sql.NullInt64) {
	j.Input = json.RawMessage(input)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	j.CancelRequested = cancelReq != 0
	if startedAt.Valid {
		j.StartedAt = startedAt.Int64
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Int64
	}
}
