// Package ratelimit enforces per-user budgets on outbound calls to paid
// capabilities (page fetching, structuring). The budget is independent of
// job concurrency: a burst of jobs for one user shares that user's window.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// Budget is a fixed-window call budget keyed by (user, provider).
type Budget struct {
	maxCalls int
	window   time.Duration
	buckets  sync.Map
}

// NewBudget creates a budget of maxCalls per window for each (user, provider)
// pair. maxCalls <= 0 disables limiting.
func NewBudget(maxCalls int, window time.Duration) *Budget {
	if window <= 0 {
		window = time.Minute
	}
	return &Budget{maxCalls: maxCalls, window: window}
}

// Allow consumes one call from the user's budget when available. When the
// budget is exhausted it returns false and the duration until the window
// resets.
func (b *Budget) Allow(userID, provider string) (bool, time.Duration) {
	if b.maxCalls <= 0 {
		return true, 0
	}

	key := userID + ":" + provider
	now := time.Now()

	val, loaded := b.buckets.LoadOrStore(key, &bucket{
		count:   1,
		resetAt: now.Add(b.window),
	})
	if !loaded {
		return true, 0
	}

	bk := val.(*bucket)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	if now.After(bk.resetAt) {
		bk.count = 1
		bk.resetAt = now.Add(b.window)
		return true, 0
	}
	if bk.count < b.maxCalls {
		bk.count++
		return true, 0
	}
	return false, time.Until(bk.resetAt)
}

// Wait blocks until a call is allowed or ctx is done. It is the cooperative
// form used by job workers: the job's hard timeout bounds the wait.
func (b *Budget) Wait(ctx context.Context, userID, provider string) error {
	for {
		ok, retryAfter := b.Allow(userID, provider)
		if ok {
			return nil
		}
		slog.Debug("rate budget exhausted, waiting",
			"user_id", userID, "provider", provider, "retry_after", retryAfter)
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// StartGC starts a goroutine that drops expired buckets every 5 minutes.
// Stops when done is closed.
func (b *Budget) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				b.gc()
			}
		}
	}()
}

func (b *Budget) gc() {
	now := time.Now()
	b.buckets.Range(func(key, value any) bool {
		bk := value.(*bucket)
		bk.mu.Lock()
		expired := now.After(bk.resetAt)
		bk.mu.Unlock()
		if expired {
			b.buckets.Delete(key)
		}
		return true
	})
}
