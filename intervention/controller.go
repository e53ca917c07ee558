package intervention

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/harvest/core"
)

// Throttle caps from spec.md §4.6: beyond these, a new trigger is
// either deduplicated against an existing pending task (same type and
// trigger reason) or rejected outright. Overridable via WithThrottles,
// defaulting to core.InterventionConfig's own defaults.
const (
	maxPendingPerJob    = core.DefaultInterventionThrottlePerJob
	maxPendingPerDomain = core.DefaultInterventionThrottlePerDomain
)

// Notifier is an optional outbound hook fired whenever a task is
// created, resolved, cancelled, or expires — mirrors the teacher's
// InterruptHandler. Wired to the event stream once that package
// exists; nil is safe and simply skips notification.
type Notifier interface {
	NotifyTask(ctx context.Context, task core.InterventionTask)
}

// noOpNotifier discards every call. Used when no Notifier is configured.
type noOpNotifier struct{}

func (noOpNotifier) NotifyTask(ctx context.Context, task core.InterventionTask) {}

// Controller is the Intervention Engine's reference implementation.
// It mirrors the teacher's DefaultInterruptController shape: required
// dependencies in the constructor, optional ones via functional
// options defaulting to no-ops.
type Controller struct {
	store    Store
	runs     RunGateway
	sessions SessionRegistrar
	notifier Notifier

	throttlePerJob    int
	throttlePerDomain int

	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures optional Controller dependencies.
type Option func(*Controller)

// WithLogger overrides the default no-op logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithTelemetry overrides the default no-op telemetry sink.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(c *Controller) { c.telemetry = telemetry }
}

// WithNotifier overrides the default no-op task notifier.
func WithNotifier(notifier Notifier) Option {
	return func(c *Controller) { c.notifier = notifier }
}

// WithThrottles overrides the default per-job/per-domain pending caps,
// typically sourced from core.InterventionConfig.
func WithThrottles(perJob, perDomain int) Option {
	return func(c *Controller) { c.throttlePerJob = perJob; c.throttlePerDomain = perDomain }
}

// NewController builds a Controller with required dependencies.
func NewController(store Store, runs RunGateway, sessions SessionRegistrar, opts ...Option) *Controller {
	c := &Controller{
		store:             store,
		runs:              runs,
		sessions:          sessions,
		notifier:          noOpNotifier{},
		throttlePerJob:    maxPendingPerJob,
		throttlePerDomain: maxPendingPerDomain,
		logger:            &core.NoOpLogger{},
		telemetry:         &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func ttlFor(kind core.InterventionType) time.Duration {
	switch kind {
	case core.InterventionLoginRefresh:
		return core.DefaultLoginRefreshTTL
	case core.InterventionSelectorFix:
		return core.DefaultSelectorFixTTL
	case core.InterventionFieldConfirm:
		return core.DefaultFieldConfirmTTL
	default:
		// manual-access and captcha-solve both get the longest default;
		// captcha-solve is expected to resolve far sooner in practice
		// but nothing in spec.md gives it its own TTL.
		return core.DefaultManualAccessTTL
	}
}

// PauseRun moves a run to waiting-for-human and records why. Deduplicated
// per job: when the run's job already has a pending task of the same
// (type, reason), that task's evidence is extended rather than a
// duplicate created.
func (c *Controller) PauseRun(ctx context.Context, run *core.Run, domain string, kind core.InterventionType, reason string, payload map[string]interface{}) (*core.InterventionTask, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "intervention.pause_run")
	defer span.End()

	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["domain"] = domain

	pending, err := c.store.PendingForJob(ctx, run.JobID)
	if err != nil {
		span.RecordError(err)
		return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", err)
	}

	for i := range pending {
		if pending[i].Type == kind && pending[i].TriggerReason == reason {
			pending[i] = appendEvidence(pending[i])
			if err := c.store.Update(ctx, pending[i]); err != nil {
				span.RecordError(err)
				return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", err)
			}
			if err := c.pauseRunStatus(ctx, run); err != nil {
				return nil, err
			}
			c.notifier.NotifyTask(ctx, pending[i])
			return &pending[i], nil
		}
	}

	if len(pending) >= c.throttlePerJob {
		return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", core.ErrTaskThrottled)
	}
	domainPending, err := c.store.PendingForDomain(ctx, domain)
	if err != nil {
		span.RecordError(err)
		return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", err)
	}
	if len(domainPending) >= c.throttlePerDomain {
		return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", core.ErrTaskThrottled)
	}

	now := time.Now()
	runID := run.ID
	task := core.InterventionTask{
		ID:            "ivt-" + uuid.New().String()[:16],
		JobID:         run.JobID,
		RunID:         &runID,
		Type:          kind,
		Status:        core.InterventionPending,
		TriggerReason: reason,
		Payload:       payload,
		Priority:      priorityFor(kind),
		ExpiresAt:     now.Add(ttlFor(kind)),
		CreatedAt:     now,
	}
	if err := c.store.Create(ctx, task); err != nil {
		span.RecordError(err)
		return nil, core.NewFrameworkError("intervention.PauseRun", "intervention", err)
	}
	if err := c.pauseRunStatus(ctx, run); err != nil {
		return nil, err
	}

	c.logger.InfoWithContext(ctx, "run paused for human intervention", map[string]interface{}{
		"operation": "intervention_pause", "run_id": run.ID, "task_id": task.ID,
		"type": string(kind), "reason": reason,
	})
	c.notifier.NotifyTask(ctx, task)
	return &task, nil
}

func (c *Controller) pauseRunStatus(ctx context.Context, run *core.Run) error {
	if run.Status == core.RunStatusWaitingForHuman {
		return nil
	}
	if !run.Status.CanTransition(core.RunStatusWaitingForHuman) {
		return core.NewFrameworkError("intervention.PauseRun", "run", core.ErrRunNotRunnable)
	}
	if err := c.runs.SetRunStatus(ctx, run.ID, core.RunStatusWaitingForHuman); err != nil {
		return core.NewFrameworkError("intervention.PauseRun", "run", err)
	}
	run.Status = core.RunStatusWaitingForHuman
	return nil
}

func appendEvidence(task core.InterventionTask) core.InterventionTask {
	count, _ := task.Payload["evidence_count"].(int)
	task.Payload["evidence_count"] = count + 1
	task.Payload["last_evidence_at"] = time.Now()
	return task
}

func priorityFor(kind core.InterventionType) int {
	switch kind {
	case core.InterventionManualAccess, core.InterventionLoginRefresh:
		return 1
	case core.InterventionCaptchaSolve:
		return 2
	default:
		return 3
	}
}

// Resolve records a human's resolution and, when the task still has an
// associated run, moves it from waiting-for-human back to queued.
// Resolving an already-resolved task is a no-op, not an error — the
// round trip is idempotent.
func (c *Controller) Resolve(ctx context.Context, taskID string, resolution core.InterventionResolution) error {
	ctx, span := c.telemetry.StartSpan(ctx, "intervention.resolve")
	defer span.End()

	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("intervention.Resolve", "intervention", err)
	}
	if task.Status == core.InterventionResolved {
		return nil
	}
	if task.Status != core.InterventionPending && task.Status != core.InterventionInProgress {
		return core.NewFrameworkError("intervention.Resolve", "intervention", core.ErrTaskNotPending)
	}

	if resolution.CapturedSession != nil {
		if err := c.sessions.Create(ctx, *resolution.CapturedSession); err != nil {
			span.RecordError(err)
			return core.NewFrameworkError("intervention.Resolve", "session", err)
		}
	}

	if resolution.ResolverIdentity != "" {
		hashed, err := core.HashResolverIdentity(resolution.ResolverIdentity)
		if err != nil {
			span.RecordError(err)
			return core.NewFrameworkError("intervention.Resolve", "intervention", err)
		}
		resolution.ResolverIdentity = hashed
	}

	task.Status = core.InterventionResolved
	task.Resolution = &resolution
	if err := c.store.Update(ctx, task); err != nil {
		span.RecordError(err)
		return core.NewFrameworkError("intervention.Resolve", "intervention", err)
	}

	if task.RunID != nil {
		if err := c.runs.SetRunStatus(ctx, *task.RunID, core.RunStatusQueued); err != nil {
			return core.NewFrameworkError("intervention.Resolve", "run", err)
		}
	}

	c.logger.InfoWithContext(ctx, "intervention task resolved", map[string]interface{}{
		"operation": "intervention_resolve", "task_id": taskID, "resolver": resolution.ResolverIdentity,
	})
	c.notifier.NotifyTask(ctx, task)
	return nil
}

// Cancel moves a task to the terminal cancelled state. Cancelling an
// already-terminal task is a no-op.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return core.NewFrameworkError("intervention.Cancel", "intervention", err)
	}
	if task.Status != core.InterventionPending && task.Status != core.InterventionInProgress {
		return nil
	}
	task.Status = core.InterventionCancelled
	if err := c.store.Update(ctx, task); err != nil {
		return core.NewFrameworkError("intervention.Cancel", "intervention", err)
	}
	c.notifier.NotifyTask(ctx, task)
	return nil
}

// ExpirePending sweeps tasks whose ExpiresAt has passed and marks them
// expired. This is advisory only — the run stays paused, waiting on
// whichever human eventually shows up; expiry is never a silent
// failure, and it is never a failure at all.
func (c *Controller) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	expiring, err := c.store.PendingExpiringBefore(ctx, now)
	if err != nil {
		return 0, core.NewFrameworkError("intervention.ExpirePending", "intervention", err)
	}

	for i := range expiring {
		expiring[i].Status = core.InterventionExpired
		if err := c.store.Update(ctx, expiring[i]); err != nil {
			return i, core.NewFrameworkError("intervention.ExpirePending", "intervention", err)
		}
		c.logger.WarnWithContext(ctx, "intervention task expired unresolved", map[string]interface{}{
			"operation": "intervention_expire", "task_id": expiring[i].ID, "type": string(expiring[i].Type),
		})
		c.notifier.NotifyTask(ctx, expiring[i])
	}
	return len(expiring), nil
}
