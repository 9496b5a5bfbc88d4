package jobq_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/prix/dbopen"
	"github.com/hazyhaar/prix/jobq"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(jobq.Schema))
}

func mustCreate(t *testing.T, s *jobq.Store, nj jobq.NewJob) *jobq.Job {
	t.Helper()
	j, err := s.Create(context.Background(), nj)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func claimOne(t *testing.T, s *jobq.Store) *jobq.Job {
	t.Helper()
	jobs, err := s.Claim(context.Background(), 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(jobs))
	}
	return jobs[0]
}

func TestCreateAndGet(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{
		UserID: "u1",
		Kind:   "discovery",
		Input:  json.RawMessage(`{"query":"impact driver"}`),
		ItemID: "item-9",
	})

	if j.ID == "" {
		t.Fatal("expected generated id")
	}
	if j.Status != jobq.StatusPending {
		t.Fatalf("got status %q, want pending", j.Status)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected job")
	}
	if got.Kind != "discovery" || got.UserID != "u1" || got.ItemID != "item-9" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Progress != 0 {
		t.Fatalf("got progress %d, want 0", got.Progress)
	}
	if string(got.Input) != `{"query":"impact driver"}` {
		t.Fatalf("got input %s", got.Input)
	}
	if got.CreatedAt == 0 {
		t.Fatal("created_at not set")
	}
	if got.StartedAt != 0 || got.CompletedAt != 0 {
		t.Fatal("started/completed should be zero before claim")
	}

	missing, err := s.Get(ctx, "job_nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing job")
	}
}

func TestCreateRequiresKind(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	if _, err := s.Create(context.Background(), jobq.NewJob{UserID: "u1"}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestClaimOrderAndAtomicity(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	first := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	time.Sleep(2 * time.Millisecond) // distinct created_at
	second := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "refresh"})

	got := claimOne(t, s)
	if got.ID != first.ID {
		t.Fatalf("got %q, want oldest job %q", got.ID, first.ID)
	}
	if got.Status != jobq.StatusProcessing {
		t.Fatalf("got status %q, want processing", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", got.Attempts)
	}
	if got.StartedAt == 0 {
		t.Fatal("started_at not set on claim")
	}

	got2 := claimOne(t, s)
	if got2.ID != second.ID {
		t.Fatalf("got %q, want %q", got2.ID, second.ID)
	}

	// Nothing left: empty, non-nil.
	rest, err := s.Claim(ctx, 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rest == nil || len(rest) != 0 {
		t.Fatalf("expected empty slice, got %v", rest)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	out := json.RawMessage(`{"entries":3}`)
	if err := s.Complete(ctx, j.ID, out); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusCompleted {
		t.Fatalf("got status %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("got progress %d, want 100", got.Progress)
	}
	if string(got.Output) != `{"entries":3}` {
		t.Fatalf("got output %s", got.Output)
	}
	if got.CompletedAt == 0 {
		t.Fatal("completed_at not set")
	}

	// Every further transition is rejected.
	if err := s.Complete(ctx, j.ID, nil); !errors.Is(err, jobq.ErrNotProcessing) {
		t.Fatalf("got %v, want ErrNotProcessing", err)
	}
	if err := s.Fail(ctx, j.ID, "late failure", nil); !errors.Is(err, jobq.ErrNotProcessing) {
		t.Fatalf("got %v, want ErrNotProcessing", err)
	}
	if err := s.MarkCancelled(ctx, j.ID, nil); !errors.Is(err, jobq.ErrNotProcessing) {
		t.Fatalf("got %v, want ErrNotProcessing", err)
	}

	applied, err := s.RequestCancel(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("cancel of a terminal job should be a no-op")
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Status != jobq.StatusCompleted {
		t.Fatalf("terminal status changed to %q", got.Status)
	}
}

func TestRequestCancelSetsFlag(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})

	applied, err := s.RequestCancel(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("cancel of a pending job should apply")
	}

	requested, err := s.CancelRequested(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !requested {
		t.Fatal("flag should be set")
	}

	// Flag survives the claim so the first checkpoint observes it.
	got := claimOne(t, s)
	if !got.CancelRequested {
		t.Fatal("claimed job should carry the cancel flag")
	}

	// Unknown job: no flag, no error.
	requested, err = s.CancelRequested(ctx, "job_missing")
	if err != nil {
		t.Fatal(err)
	}
	if requested {
		t.Fatal("missing job should not report cancellation")
	}
}

func TestProgressMonotonicAndClamped(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	if err := s.SetProgress(ctx, j.ID, 40, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Progress != 40 {
		t.Fatalf("got progress %d, want 40", got.Progress)
	}

	// Lower value never moves progress backwards.
	if err := s.SetProgress(ctx, j.ID, 20, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Progress != 40 {
		t.Fatalf("progress moved backwards to %d", got.Progress)
	}

	if err := s.SetProgress(ctx, j.ID, 250, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Progress != 100 {
		t.Fatalf("got progress %d, want clamp to 100", got.Progress)
	}
}

func TestRetryBackoffGatesClaim(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	if err := s.Retry(ctx, j.ID, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusPending {
		t.Fatalf("got status %q, want pending", got.Status)
	}

	// Invisible until the backoff elapses.
	jobs, err := s.Claim(ctx, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatal("job should not be claimable during backoff")
	}

	time.Sleep(80 * time.Millisecond)

	got2 := claimOne(t, s)
	if got2.ID != j.ID {
		t.Fatalf("got %q, want %q", got2.ID, j.ID)
	}
	if got2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", got2.Attempts)
	}
}

func TestRequeueReturnsAttempt(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	if err := s.Requeue(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusPending {
		t.Fatalf("got status %q, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("got attempts %d, want 0 after requeue", got.Attempts)
	}

	got2 := claimOne(t, s)
	if got2.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1 on reclaim", got2.Attempts)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})

	// Claim with a lease that lapses immediately, simulating a dead worker.
	jobs, err := s.Claim(ctx, 1, 5*time.Millisecond)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(jobs))
	}
	time.Sleep(20 * time.Millisecond)

	requeued, failed, err := s.ReapExpired(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("got requeued=%d failed=%d, want 1/0", requeued, failed)
	}

	// Second death exhausts the attempts: reap fails it for good.
	jobs, err = s.Claim(ctx, 1, 5*time.Millisecond)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("reclaim: %v (%d jobs)", err, len(jobs))
	}
	time.Sleep(20 * time.Millisecond)

	requeued, failed, err = s.ReapExpired(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("got requeued=%d failed=%d, want 0/1", requeued, failed)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusFailed {
		t.Fatalf("got status %q, want failed", got.Status)
	}
	if got.Error != "worker lease expired" {
		t.Fatalf("got error %q", got.Error)
	}
}

func TestFailKeepsPartialOutput(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	partial := json.RawMessage(`{"entries":1,"partial":true}`)
	if err := s.Fail(ctx, j.ID, "search provider returned http 500", partial); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusFailed {
		t.Fatalf("got status %q, want failed", got.Status)
	}
	if got.Error != "search provider returned http 500" {
		t.Fatalf("got error %q", got.Error)
	}
	if string(got.Output) != string(partial) {
		t.Fatalf("partial output lost: %s", got.Output)
	}
}

func TestMarkCancelledKeepsPartialOutput(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	j := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	claimOne(t, s)

	partial := json.RawMessage(`{"entries":2}`)
	if err := s.MarkCancelled(ctx, j.ID, partial); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != jobq.StatusCancelled {
		t.Fatalf("got status %q, want cancelled", got.Status)
	}
	if got.Error != "" {
		t.Fatalf("cancelled is not an error state, got %q", got.Error)
	}
	if string(got.Output) != string(partial) {
		t.Fatalf("partial output lost: %s", got.Output)
	}
}

func TestListActiveAndByUser(t *testing.T) {
	s := jobq.NewStore(openDB(t))
	ctx := context.Background()

	a := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "discovery"})
	time.Sleep(2 * time.Millisecond)
	b := mustCreate(t, s, jobq.NewJob{UserID: "u2", Kind: "discovery"})
	time.Sleep(2 * time.Millisecond)
	c := mustCreate(t, s, jobq.NewJob{UserID: "u1", Kind: "refresh"})

	// Complete one so it drops out of the active list.
	claimOne(t, s) // claims a (oldest)
	if err := s.Complete(ctx, a.ID, nil); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListActive(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active, want 2", len(active))
	}
	if active[0].ID != c.ID || active[1].ID != b.ID {
		t.Fatalf("wrong order: %s, %s", active[0].ID, active[1].ID)
	}

	activeU1, err := s.ListActive(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(activeU1) != 1 || activeU1[0].ID != c.ID {
		t.Fatalf("u1 active mismatch: %+v", activeU1)
	}

	byUser, err := s.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 2 {
		t.Fatalf("got %d for u1, want 2", len(byUser))
	}
	if byUser[0].ID != c.ID || byUser[1].ID != a.ID {
		t.Fatalf("wrong order: %s, %s", byUser[0].ID, byUser[1].ID)
	}
}
