// Package worker provides keyed background queues with per-queue concurrency
// caps and bounded exponential-backoff retries. Money-moving queues run with
// low concurrency to bound simultaneous external calls.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pesabridge/escrow-backend/internal/apperr"
)

type Job func(ctx context.Context) error

// FailFunc runs after a job exhausts its retries. It must not retry the work;
// it marks the row failed for operator review.
type FailFunc func(ctx context.Context, key string, err error)

type item struct {
	key string
	job Job
}

type Queue struct {
	name        string
	maxAttempts int
	backoff     time.Duration
	onFail      FailFunc
	log         *slog.Logger

	jobs chan item
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewQueue(name string, concurrency, maxAttempts int, backoff time.Duration, onFail FailFunc, log *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:        name,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		onFail:      onFail,
		log:         log,
		jobs:        make(chan item, 1024),
		inflight:    map[string]struct{}{},
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a job keyed by the domain id it acts on. A key already
// queued or running coalesces into the existing unit of work; the running
// job re-reads row state, so it acts on the latest status anyway.
func (q *Queue) Submit(key string, job Job) bool {
	q.mu.Lock()
	if _, dup := q.inflight[key]; dup {
		q.mu.Unlock()
		q.log.Debug("job coalesced", "queue", q.name, "key", key)
		return false
	}
	q.inflight[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- item{key: key, job: job}:
		return true
	case <-q.ctx.Done():
		q.release(key)
		return false
	}
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case it, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(it)
			q.release(it.key)
		}
	}
}

func (q *Queue) run(it item) {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if err = it.job(q.ctx); err == nil {
			return
		}
		if !apperr.Retryable(err) {
			q.log.Warn("job failed permanently", "queue", q.name, "key", it.key, "attempt", attempt, "err", err)
			break
		}
		if attempt == q.maxAttempts {
			q.log.Error("job retries exhausted", "queue", q.name, "key", it.key, "err", err)
			break
		}
		delay := q.backoff << (attempt - 1)
		q.log.Warn("job retrying", "queue", q.name, "key", it.key, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-q.ctx.Done():
			return
		}
	}
	if q.onFail != nil {
		q.onFail(q.ctx, it.key, err)
	}
}

// Stop drains nothing: queued work is abandoned, running jobs see ctx
// cancellation. Rows not yet settled stay pending and are picked up by
// reconciliation.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Len reports queued (not running) jobs, for the queue-depth gauge.
func (q *Queue) Len() int { return len(q.jobs) }
