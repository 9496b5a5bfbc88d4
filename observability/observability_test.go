package observability

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesTable(t *testing.T) {
	db := setupObsDB(t)
	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='request_log'").Scan(&count)
	if count != 1 {
		t.Fatal("request_log table not found")
	}
}

func TestRequestLogger_SyncLog(t *testing.T) {
	db := setupObsDB(t)
	rl := NewRequestLogger(db, 16)
	defer rl.Close()

	entry := rl.NewEntry("pagefetch", "scrape_batch",
		map[string]any{"urls": []string{"https://walmart.com/search?q=x"}},
		map[string]any{"pages": 3},
		nil, 1200*time.Millisecond)
	entry.JobID = "job_1"
	entry.UserID = "u_1"

	if err := rl.Log(context.Background(), entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := rl.ByJob(context.Background(), "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Provider != "pagefetch" || e.Operation != "scrape_batch" {
		t.Fatalf("provider/operation: got %s/%s", e.Provider, e.Operation)
	}
	if e.Status != "success" {
		t.Fatalf("status: got %q, want success", e.Status)
	}
	if e.DurationMs != 1200 {
		t.Fatalf("duration_ms: got %d, want 1200", e.DurationMs)
	}
	if !strings.Contains(e.RequestExcerpt, "walmart.com") {
		t.Fatalf("request excerpt missing payload: %q", e.RequestExcerpt)
	}
}

func TestRequestLogger_ErrorEntry(t *testing.T) {
	db := setupObsDB(t)
	rl := NewRequestLogger(db, 16)
	defer rl.Close()

	entry := rl.NewEntry("genai", "extract_prices", nil, nil,
		errors.New("http 503: upstream overloaded"), 40*time.Millisecond)
	entry.JobID = "job_err"

	if err := rl.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	entries, err := rl.ByJob(context.Background(), "job_err")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Status != "error" {
		t.Fatalf("status: got %q, want error", entries[0].Status)
	}
	if !strings.Contains(entries[0].ErrorMessage, "503") {
		t.Fatalf("error message lost: %q", entries[0].ErrorMessage)
	}
}

func TestRequestLogger_AsyncFlushOnClose(t *testing.T) {
	db := setupObsDB(t)
	rl := NewRequestLogger(db, 16)

	for i := 0; i < 5; i++ {
		e := rl.NewEntry("pagefetch", "search", nil, nil, nil, time.Millisecond)
		e.JobID = "job_async"
		rl.LogAsync(e)
	}
	// Close drains the channel and flushes the batch.
	rl.Close()

	rl2 := NewRequestLogger(db, 16)
	defer rl2.Close()
	entries, err := rl2.ByJob(context.Background(), "job_async")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries after drain, want 5", len(entries))
	}
}

func TestRequestLogger_RawSourceSurvives(t *testing.T) {
	db := setupObsDB(t)
	rl := NewRequestLogger(db, 16)
	defer rl.Close()

	raw := strings.Repeat("price $149.99 ", 500) // well past excerpt limit
	e := rl.NewEntry("genai", "extract_prices", nil, nil, nil, time.Millisecond)
	e.JobID = "job_raw"
	e.RawSource = raw
	if err := rl.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	entries, err := rl.ByJob(context.Background(), "job_raw")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].RawSource != raw {
		t.Fatal("raw source must be stored untruncated")
	}
}

func TestRequestLogger_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	rl := NewRequestLogger(db, 16)
	defer rl.Close()

	old := rl.NewEntry("pagefetch", "scrape", nil, nil, nil, time.Millisecond)
	old.CreatedAt = time.Now().AddDate(0, 0, -45)
	recent := rl.NewEntry("pagefetch", "scrape", nil, nil, nil, time.Millisecond)
	for _, e := range []*RequestEntry{old, recent} {
		if err := rl.Log(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := rl.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := Truncate(strings.Repeat("x", 100), 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q (len %d)", got, len(got))
	}
}
