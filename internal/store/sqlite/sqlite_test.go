package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedJob(t *testing.T, store *Store, jobID string) core.Job {
	t.Helper()
	job := core.Job{ID: jobID, TargetURL: "https://example.com/article", Fields: []string{"title"}, Crawl: core.CrawlSingle, EngineMode: core.EngineModeAuto}
	fields := []core.FieldMap{{JobID: jobID, Field: "title", Selector: core.SelectorSpec{CSS: "h1"}}}
	require.NoError(t, store.CreateJob(context.Background(), job, fields))
	return job
}

func TestOpenAppliesMigrations(t *testing.T) {
	store := openTestStore(t)
	seedJob(t, store, "job-1")

	fields, err := store.LoadFieldMaps(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	require.Equal(t, "title", fields[0].Field)
}

func TestRunLifecycle_LeaseAppendCompleteRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-2")

	run := core.Run{ID: "run-2", JobID: "job-2", Status: core.RunStatusQueued, Attempt: 1, MaxAttempts: 3, RequestedStrategy: core.EngineModeAuto}
	require.NoError(t, store.CreateRun(ctx, run))

	leased, err := store.TryLeaseRun(ctx, "run-2")
	require.NoError(t, err)
	require.True(t, leased)

	// A second lease attempt on an already-running run must lose, not error.
	leasedAgain, err := store.TryLeaseRun(ctx, "run-2")
	require.NoError(t, err)
	require.False(t, leasedAgain)

	attempt := core.EngineAttempt{
		Engine:       core.EngineHTTP,
		ResponseCode: 200,
		BodySize:     1024,
		Signals:      []string{"clean"},
		Decision:     "proceed",
		Timestamp:    time.Now().UTC(),
		Success:      true,
	}
	require.NoError(t, store.AppendAttempt(ctx, "run-2", attempt))

	records := []core.Record{{RunID: "run-2", Fields: map[string]interface{}{"title": "hello"}}}
	require.NoError(t, store.PersistRecords(ctx, "run-2", records))
	require.NoError(t, store.CompleteRun(ctx, "run-2"))

	loaded, err := store.LoadRun(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, core.RunStatusCompleted, loaded.Status)
	require.Len(t, loaded.Attempts, 1)
	require.Equal(t, core.EngineHTTP, loaded.Attempts[0].Engine)
}

func TestFailRunRecordsFailureCode(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-3")
	require.NoError(t, store.CreateRun(ctx, core.Run{ID: "run-3", JobID: "job-3", Status: core.RunStatusQueued, MaxAttempts: 3}))

	leased, err := store.TryLeaseRun(ctx, "run-3")
	require.NoError(t, err)
	require.True(t, leased)

	require.NoError(t, store.FailRun(ctx, "run-3", core.FailureNetwork))

	loaded, err := store.LoadRun(ctx, "run-3")
	require.NoError(t, err)
	require.Equal(t, core.RunStatusFailed, loaded.Status)
	require.Equal(t, core.FailureNetwork, loaded.FailureCode)
}

func TestInterventionTaskCRUDAndDomainLookup(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-4")
	require.NoError(t, store.CreateRun(ctx, core.Run{ID: "run-4", JobID: "job-4", Status: core.RunStatusQueued, MaxAttempts: 3}))

	runID := "run-4"
	task := core.InterventionTask{
		ID:            "task-1",
		JobID:         "job-4",
		RunID:         &runID,
		Type:          core.InterventionManualAccess,
		Status:        core.InterventionPending,
		TriggerReason: "session required and none available",
		Payload:       map[string]interface{}{"domain": "locked.example.com"},
		Priority:      3,
		ExpiresAt:     time.Now().Add(24 * time.Hour).UTC(),
	}
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, core.InterventionManualAccess, got.Type)
	require.Equal(t, "locked.example.com", got.Payload["domain"])

	byJob, err := store.PendingForJob(ctx, "job-4")
	require.NoError(t, err)
	require.Len(t, byJob, 1)

	byDomain, err := store.PendingForDomain(ctx, "locked.example.com")
	require.NoError(t, err)
	require.Len(t, byDomain, 1)

	got.Status = core.InterventionResolved
	got.Resolution = &core.InterventionResolution{ResolverIdentity: "op-hash", Note: "captured manually"}
	require.NoError(t, store.Update(ctx, got))

	afterUpdate, err := store.Get(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, core.InterventionResolved, afterUpdate.Status)
	require.Equal(t, "captured manually", afterUpdate.Resolution.Note)

	stillPending, err := store.PendingForJob(ctx, "job-4")
	require.NoError(t, err)
	require.Empty(t, stillPending)
}

func TestPendingExpiringBeforeFindsOnlyOverdueTasks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-5")
	require.NoError(t, store.CreateRun(ctx, core.Run{ID: "run-5", JobID: "job-5", Status: core.RunStatusQueued, MaxAttempts: 3}))

	runID := "run-5"
	overdue := core.InterventionTask{
		ID: "task-overdue", JobID: "job-5", RunID: &runID,
		Type: core.InterventionCaptchaSolve, Status: core.InterventionPending,
		TriggerReason: "captcha", Payload: map[string]interface{}{"domain": "x.example.com"},
		ExpiresAt: time.Now().Add(-time.Hour).UTC(),
	}
	fresh := core.InterventionTask{
		ID: "task-fresh", JobID: "job-5", RunID: &runID,
		Type: core.InterventionCaptchaSolve, Status: core.InterventionPending,
		TriggerReason: "captcha", Payload: map[string]interface{}{"domain": "x.example.com"},
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, store.Create(ctx, overdue))
	require.NoError(t, store.Create(ctx, fresh))

	expired, err := store.PendingExpiringBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "task-overdue", expired[0].ID)
}

func TestEventAppendAssignsMonotonicSeqAndListSinceFiltersHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-6")
	require.NoError(t, store.CreateRun(ctx, core.Run{ID: "run-6", JobID: "job-6", Status: core.RunStatusQueued, MaxAttempts: 3}))

	first, err := store.Append(ctx, core.RunEvent{RunID: "run-6", Level: core.EventInfo, Message: "run.started"})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)

	second, err := store.Append(ctx, core.RunEvent{RunID: "run-6", Level: core.EventInfo, Message: "engine.attempt", Metadata: map[string]interface{}{"engine": "http"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)

	latest, err := store.LatestSeq(ctx, "run-6")
	require.NoError(t, err)
	require.Equal(t, int64(2), latest)

	sinceFirst, err := store.ListSince(ctx, "run-6", 1, 0)
	require.NoError(t, err)
	require.Len(t, sinceFirst, 1)
	require.Equal(t, "engine.attempt", sinceFirst[0].Message)
	require.Equal(t, "http", sinceFirst[0].Metadata["engine"])
}

func TestSetRunStatusSatisfiesRunGateway(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedJob(t, store, "job-7")
	require.NoError(t, store.CreateRun(ctx, core.Run{ID: "run-7", JobID: "job-7", Status: core.RunStatusQueued, MaxAttempts: 3}))

	require.NoError(t, store.SetRunStatus(ctx, "run-7", core.RunStatusWaitingForHuman))

	loaded, err := store.LoadRun(ctx, "run-7")
	require.NoError(t, err)
	require.Equal(t, core.RunStatusWaitingForHuman, loaded.Status)
}
