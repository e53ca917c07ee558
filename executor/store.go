package executor

import (
	"context"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// Store is the persistence contract the Run Executor depends on,
// grounded in spec.md §4.7's attempt cycle. internal/store/sqlite
// implements this against a real database; MemoryStore (in this
// package) implements it for tests and single-process use.
type Store interface {
	// LoadRun returns the run's current row, or core.ErrRunNotFound.
	LoadRun(ctx context.Context, runID string) (*core.Run, error)

	// LoadJob and LoadFieldMaps are read-only lookups against the
	// external Job CRUD surface (spec.md §1); the executor never
	// mutates either.
	LoadJob(ctx context.Context, jobID string) (core.Job, error)
	LoadFieldMaps(ctx context.Context, jobID string) ([]core.FieldMap, error)

	// TryLeaseRun is the compare-and-set described in spec.md §4.7/§5:
	// it atomically transitions a run from queued to running and
	// reports whether this caller won the lease. A duplicate enqueue
	// racing the same run observes false, not an error.
	TryLeaseRun(ctx context.Context, runID string) (bool, error)

	// AppendAttempt records one engine attempt (with its classifier
	// decision) onto the run's audit trail, regardless of outcome.
	AppendAttempt(ctx context.Context, runID string, attempt core.EngineAttempt) error

	// PersistRecords writes every record extracted by the proceeding
	// attempt in a single transaction — spec.md §4.7/§8 requires the
	// persisted count to exactly equal what the winning attempt
	// yielded, with no partial commits visible to any other executor.
	PersistRecords(ctx context.Context, runID string, records []core.Record) error

	// CompleteRun and FailRun perform the run's only two terminal,
	// non-pause transitions out of running.
	CompleteRun(ctx context.Context, runID string) error
	FailRun(ctx context.Context, runID string, code core.FailureCode) error
}

// Scheduler schedules a follow-up run after a run ends in fail-network
// or fail-rate-limited, per spec.md §4.7's cross-run backoff rule. The
// strategy passed is the resolved engine to start the new run at:
// preserved unless the classifier's last signal called for escalation.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, job core.Job, nextAttempt int, strategy core.EngineMode, after time.Duration) error
}

// NoOpScheduler discards retry requests. Useful for tests and for
// deployments that want run-level backoff handled entirely outside the
// executor (e.g. by the queue's own dead-letter/redelivery policy).
type NoOpScheduler struct{}

func (NoOpScheduler) ScheduleRetry(ctx context.Context, job core.Job, nextAttempt int, strategy core.EngineMode, after time.Duration) error {
	return nil
}
