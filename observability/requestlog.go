package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/prix/idgen"
)

// DefaultExcerptLimit caps stored request/response excerpts.
const DefaultExcerptLimit = 2048

// RequestEntry is one external-capability call made during a job.
type RequestEntry struct {
	EntryID   string `json:"entry_id"`
	JobID     string `json:"job_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Provider  string `json:"provider"`  // e.g. "pagefetch", "genai"
	Operation string `json:"operation"` // e.g. "scrape_batch", "search", "agent", "extract_prices"
	Status    string `json:"status"`    // "success", "error"

	DurationMs int64 `json:"duration_ms"`
	TokensIn   int64 `json:"tokens_in,omitempty"`
	TokensOut  int64 `json:"tokens_out,omitempty"`

	RequestExcerpt  string `json:"request_excerpt,omitempty"`
	ResponseExcerpt string `json:"response_excerpt,omitempty"`
	// RawSource holds the full source text a structuring call was validated
	// against. Stored untruncated; fetch payloads are already size-capped.
	// Excluded from API responses, which only need the excerpts.
	RawSource string `json:"-"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestLogger persists capability-call records asynchronously.
type RequestLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *RequestEntry
	stop  chan struct{}
	done  chan struct{}
}

// RequestLoggerOption configures a RequestLogger.
type RequestLoggerOption func(*RequestLogger)

// WithRequestIDGenerator sets a custom ID generator for entry IDs.
func WithRequestIDGenerator(gen idgen.Generator) RequestLoggerOption {
	return func(l *RequestLogger) { l.newID = gen }
}

// NewRequestLogger creates an async request logger. Recommended bufferSize: 256.
func NewRequestLogger(db *sql.DB, bufferSize int, opts ...RequestLoggerOption) *RequestLogger {
	l := &RequestLogger{
		db:    db,
		newID: idgen.Prefixed("req_", idgen.Default),
		ch:    make(chan *RequestEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// NewEntry builds a RequestEntry from one capability call. Request and
// response payloads are marshalled and truncated to excerpt size.
func (l *RequestLogger) NewEntry(provider, operation string, request, response any, err error, duration time.Duration) *RequestEntry {
	e := &RequestEntry{
		EntryID:    l.newID(),
		Provider:   provider,
		Operation:  operation,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if request != nil {
		if b, merr := json.Marshal(request); merr == nil {
			e.RequestExcerpt = Truncate(string(b), DefaultExcerptLimit)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	} else {
		e.Status = "success"
		if response != nil {
			if b, merr := json.Marshal(response); merr == nil {
				e.ResponseExcerpt = Truncate(string(b), DefaultExcerptLimit)
			}
		}
	}
	return e
}

// Log inserts an entry synchronously.
func (l *RequestLogger) Log(ctx context.Context, e *RequestEntry) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// LogAsync queues an entry for async persistence.
// Falls back to synchronous insert if the buffer is full.
func (l *RequestLogger) LogAsync(e *RequestEntry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("request log buffer full, sync fallback", "provider", e.Provider)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("request log: sync fallback failed", "error", err)
		}
	}
}

// ByJob returns all entries recorded for one job, oldest first.
func (l *RequestLogger) ByJob(ctx context.Context, jobID string) ([]*RequestEntry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT
		entry_id, job_id, user_id, provider, operation, status,
		duration_ms, tokens_in, tokens_out,
		request_excerpt, response_excerpt, raw_source, error_message, created_at
		FROM request_log WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var entries []*RequestEntry
	for rows.Next() {
		var e RequestEntry
		var createdAt int64
		if err := rows.Scan(
			&e.EntryID, &e.JobID, &e.UserID, &e.Provider, &e.Operation, &e.Status,
			&e.DurationMs, &e.TokensIn, &e.TokensOut,
			&e.RequestExcerpt, &e.ResponseExcerpt, &e.RawSource, &e.ErrorMessage, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan request entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retentionDays. Returns rows removed.
func (l *RequestLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM request_log WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup request log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *RequestLogger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

// Truncate shortens s to at most max bytes, marking the cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func (l *RequestLogger) fillDefaults(e *RequestEntry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (l *RequestLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*RequestEntry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("request log: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertRequestSQL)
		if err != nil {
			tx.Rollback()
			slog.Error("request log: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, insertArgs(e)...); err != nil {
				slog.Error("request log: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("request log: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertRequestSQL = `INSERT INTO request_log
	(entry_id, job_id, user_id, provider, operation, status,
	 duration_ms, tokens_in, tokens_out,
	 request_excerpt, response_excerpt, raw_source, error_message, created_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func insertArgs(e *RequestEntry) []any {
	return []any{
		e.EntryID, e.JobID, e.UserID, e.Provider, e.Operation, e.Status,
		e.DurationMs, e.TokensIn, e.TokensOut,
		e.RequestExcerpt, e.ResponseExcerpt, e.RawSource, e.ErrorMessage,
		e.CreatedAt.UnixMilli(),
	}
}

func (l *RequestLogger) insert(ctx context.Context, e *RequestEntry) error {
	_, err := l.db.ExecContext(ctx, insertRequestSQL, insertArgs(e)...)
	return err
}
