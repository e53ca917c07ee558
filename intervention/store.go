// Package intervention implements the Intervention Engine: deciding
// when evidence warrants pausing a run instead of failing it,
// persisting the resulting InterventionTask, and re-enqueueing the run
// on resolution. It is grounded directly in the teacher's HITL
// subsystem (orchestration/hitl_*.go) — InterventionTask is this
// domain's ExecutionCheckpoint, Controller mirrors
// DefaultInterruptController, and Store mirrors CheckpointStore.
package intervention

import (
	"context"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// Store persists InterventionTasks and the secondary indexes the
// throttling rules in spec.md §4.6 need (pending count per job, per
// domain).
type Store interface {
	Create(ctx context.Context, task core.InterventionTask) error
	Get(ctx context.Context, taskID string) (core.InterventionTask, error)
	Update(ctx context.Context, task core.InterventionTask) error

	// PendingForJob/PendingForDomain back the throttle caps: at most 5
	// pending tasks per job, 20 per domain.
	PendingForJob(ctx context.Context, jobID string) ([]core.InterventionTask, error)
	PendingForDomain(ctx context.Context, domain string) ([]core.InterventionTask, error)

	// PendingExpiringBefore lists pending tasks whose ExpiresAt is
	// before cutoff, for the expiry sweep.
	PendingExpiringBefore(ctx context.Context, cutoff time.Time) ([]core.InterventionTask, error)
}

// RunGateway is the narrow slice of Run mutation the Intervention
// Engine needs: moving a run to waiting-for-human and back to queued.
// The Run Executor's store satisfies this; intervention never touches
// any other Run field.
type RunGateway interface {
	SetRunStatus(ctx context.Context, runID string, status core.RunStatus) error
}

// SessionRegistrar is the narrow slice of sessionpool.Pool the
// Intervention Engine needs to register a captured session on resolve.
type SessionRegistrar interface {
	Create(ctx context.Context, sess core.BrowserSession) error
}
