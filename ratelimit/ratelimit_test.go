package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllow_WithinBudget(t *testing.T) {
	b := NewBudget(3, time.Minute)
	for i := 0; i < 3; i++ {
		ok, _ := b.Allow("u1", "pagefetch")
		if !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	ok, retryAfter := b.Allow("u1", "pagefetch")
	if ok {
		t.Fatal("4th call should be denied")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}
}

func TestAllow_PerUserIsolation(t *testing.T) {
	b := NewBudget(1, time.Minute)
	if ok, _ := b.Allow("u1", "genai"); !ok {
		t.Fatal("u1 first call denied")
	}
	if ok, _ := b.Allow("u1", "genai"); ok {
		t.Fatal("u1 second call should be denied")
	}
	// A different user has an untouched budget.
	if ok, _ := b.Allow("u2", "genai"); !ok {
		t.Fatal("u2 first call denied")
	}
}

func TestAllow_PerProviderIsolation(t *testing.T) {
	b := NewBudget(1, time.Minute)
	b.Allow("u1", "pagefetch")
	if ok, _ := b.Allow("u1", "genai"); !ok {
		t.Fatal("different provider should have its own window")
	}
}

func TestAllow_WindowReset(t *testing.T) {
	b := NewBudget(1, 20*time.Millisecond)
	b.Allow("u1", "pagefetch")
	if ok, _ := b.Allow("u1", "pagefetch"); ok {
		t.Fatal("should be denied inside window")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := b.Allow("u1", "pagefetch"); !ok {
		t.Fatal("should be allowed after window reset")
	}
}

func TestAllow_Disabled(t *testing.T) {
	b := NewBudget(0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _ := b.Allow("u1", "pagefetch"); !ok {
			t.Fatal("disabled budget must always allow")
		}
	}
}

func TestWait_BlocksUntilReset(t *testing.T) {
	b := NewBudget(1, 30*time.Millisecond)
	b.Allow("u1", "pagefetch")

	start := time.Now()
	if err := b.Wait(context.Background(), "u1", "pagefetch"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("Wait returned too early: %v", elapsed)
	}
}

func TestWait_ContextCancel(t *testing.T) {
	b := NewBudget(1, time.Hour)
	b.Allow("u1", "pagefetch")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx, "u1", "pagefetch")
	if err == nil {
		t.Fatal("Wait should fail when ctx expires before the window resets")
	}
}

func TestGC_DropsExpiredBuckets(t *testing.T) {
	b := NewBudget(1, 10*time.Millisecond)
	b.Allow("u1", "pagefetch")
	time.Sleep(20 * time.Millisecond)
	b.gc()

	n := 0
	b.buckets.Range(func(_, _ any) bool { n++; return true })
	if n != 0 {
		t.Fatalf("expected 0 buckets after gc, got %d", n)
	}
}
