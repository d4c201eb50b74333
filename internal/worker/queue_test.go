package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pesabridge/escrow-backend/internal/apperr"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	q := NewQueue("test", 1, 5, time.Millisecond, nil, slog.Default())
	defer q.Stop()

	var attempts atomic.Int32
	var done atomic.Bool
	q.Submit("k1", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("%w: flaky", apperr.ErrRailUnavailable)
		}
		done.Store(true)
		return nil
	})

	waitFor(t, done.Load, "job never succeeded")
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestQueueMarksFailedAfterRetriesExhausted(t *testing.T) {
	var failedKey atomic.Value
	onFail := func(ctx context.Context, key string, err error) { failedKey.Store(key) }
	q := NewQueue("test", 1, 3, time.Millisecond, onFail, slog.Default())
	defer q.Stop()

	var attempts atomic.Int32
	q.Submit("k1", func(ctx context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("%w: down", apperr.ErrRailUnavailable)
	})

	waitFor(t, func() bool { return failedKey.Load() != nil }, "onFail never called")
	if failedKey.Load().(string) != "k1" {
		t.Errorf("failed key = %v, want k1", failedKey.Load())
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestQueueDoesNotRetryPermanentErrors(t *testing.T) {
	var failed atomic.Bool
	q := NewQueue("test", 1, 5, time.Millisecond, func(ctx context.Context, key string, err error) {
		if !errors.Is(err, apperr.ErrInvalidStateTransition) {
			t.Errorf("unexpected terminal error: %v", err)
		}
		failed.Store(true)
	}, slog.Default())
	defer q.Stop()

	var attempts atomic.Int32
	q.Submit("k1", func(ctx context.Context) error {
		attempts.Add(1)
		return apperr.ErrInvalidStateTransition
	})

	waitFor(t, failed.Load, "onFail never called")
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", got)
	}
}

func TestQueueCoalescesDuplicateKeys(t *testing.T) {
	q := NewQueue("test", 1, 1, time.Millisecond, nil, slog.Default())
	defer q.Stop()

	block := make(chan struct{})
	var runs atomic.Int32
	q.Submit("k1", func(ctx context.Context) error {
		runs.Add(1)
		<-block
		return nil
	})
	waitFor(t, func() bool { return runs.Load() == 1 }, "first job never started")

	if q.Submit("k1", func(ctx context.Context) error { runs.Add(1); return nil }) {
		t.Error("duplicate key should coalesce")
	}
	if !q.Submit("k2", func(ctx context.Context) error { return nil }) {
		t.Error("distinct key should enqueue")
	}
	close(block)
}

func TestQueueConcurrencyCap(t *testing.T) {
	q := NewQueue("test", 2, 1, time.Millisecond, nil, slog.Default())
	defer q.Stop()

	var mu sync.Mutex
	var running, peak int
	block := make(chan struct{})
	for i := 0; i < 5; i++ {
		q.Submit(fmt.Sprintf("k%d", i), func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			<-block
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}
