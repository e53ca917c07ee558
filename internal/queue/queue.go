// Package queue is the in-process hand-off between job submission and
// the Run Executor worker pool: an HTTP handler enqueues a run id after
// CreateRun commits, and N workers in cmd/harvestd dequeue and call
// executor.Executor.Run. It is intentionally channel-backed rather than
// Redis-backed — go-redis is already exercised by domainintel/redis.go,
// so a durable external queue here would duplicate rather than add
// coverage.
package queue

import "context"

// RunQueue hands off run ids from producers (job submission, retry
// scheduling, intervention resolution) to the executor worker pool.
type RunQueue struct {
	ch chan string
}

// New builds a RunQueue buffered to capacity. A full queue blocks the
// producer rather than dropping a run — back-pressure here is a signal
// to add workers or shed load upstream, not to lose work silently.
func New(capacity int) *RunQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &RunQueue{ch: make(chan string, capacity)}
}

// Enqueue hands runID to the worker pool, blocking if the queue is
// full or returning ctx.Err() if ctx is canceled first.
func (q *RunQueue) Enqueue(ctx context.Context, runID string) error {
	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a run id is available or ctx is done, in which
// case it returns ("", ctx.Err()).
func (q *RunQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case runID := <-q.ch:
		return runID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports how many run ids are currently queued, for observability.
func (q *RunQueue) Len() int {
	return len(q.ch)
}
