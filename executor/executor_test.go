package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/domainintel"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/events"
	"github.com/corvid-labs/harvest/intervention"
	"github.com/corvid-labs/harvest/sessionpool"
)

// fakeEngine replays a scripted sequence of (FetchResult, error) pairs,
// one per call, holding the last pair once exhausted.
type fakeEngine struct {
	tier    core.EngineKind
	results []engines.FetchResult
	errs    []error
	calls   int
}

func (f *fakeEngine) Tier() core.EngineKind { return f.tier }

func (f *fakeEngine) FetchAndExtract(ctx context.Context, in engines.FetchInput) (engines.FetchResult, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.results[idx], err
}

// recordingScheduler is a Scheduler test double that records every
// ScheduleRetry call for assertion.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledRetry
}

type scheduledRetry struct {
	Job         core.Job
	NextAttempt int
	Strategy    core.EngineMode
	After       time.Duration
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{}
}

func (s *recordingScheduler) ScheduleRetry(ctx context.Context, job core.Job, nextAttempt int, strategy core.EngineMode, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledRetry{Job: job, NextAttempt: nextAttempt, Strategy: strategy, After: after})
	return nil
}

func (s *recordingScheduler) Calls() []scheduledRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledRetry(nil), s.calls...)
}

// testHarness bundles every collaborator a scenario needs, with real
// (in-memory) implementations throughout except for the scripted
// engines under test — mirroring intervention/controller_test.go's
// newTestController helper.
type testHarness struct {
	store       *MemoryStore
	domainIntel *domainintel.MemoryStore
	sessions    *sessionpool.Pool
	eventStore  *events.MemoryStore
	controller  *intervention.Controller
	registry    *engines.Registry
	scheduler   *recordingScheduler
}

func newTestHarness(t *testing.T, job core.Job, fields []core.FieldMap) *testHarness {
	t.Helper()
	store := NewMemoryStore(map[string]core.Job{job.ID: job}, map[string][]core.FieldMap{job.ID: fields})

	sessions, err := sessionpool.New(sessionpool.Options{})
	require.NoError(t, err)

	controller := intervention.NewController(intervention.NewMemoryStore(), store, sessions)

	return &testHarness{
		store:       store,
		domainIntel: domainintel.NewMemoryStore(),
		sessions:    sessions,
		eventStore:  events.NewMemoryStore(nil),
		controller:  controller,
		registry:    engines.NewRegistry(),
		scheduler:   newRecordingScheduler(),
	}
}

func (h *testHarness) withEngine(tier core.EngineKind, eng engines.Engine) *testHarness {
	if err := h.registry.Register(engines.Factory{
		Name: string(tier) + "-fake", Tier: tier,
		Create: func(cfg interface{}) (engines.Engine, error) { return eng, nil },
	}); err != nil {
		panic(err)
	}
	return h
}

func (h *testHarness) executor() *Executor {
	return New(Deps{
		Store:        h.store,
		DomainIntel:  h.domainIntel,
		Sessions:     h.sessions,
		Engines:      h.registry,
		Intervention: h.controller,
		Events:       h.eventStore,
		Scheduler:    h.scheduler,
	})
}

func testJob(id, url string) core.Job {
	return core.Job{ID: id, TargetURL: url, Fields: []string{"title"}}
}

func testFields(jobID string) []core.FieldMap {
	return []core.FieldMap{{JobID: jobID, Field: "title", Selector: core.SelectorSpec{CSS: "h1"}}}
}

func TestRun_StaticHTTPSuccessCompletesRun(t *testing.T) {
	ctx := context.Background()
	job := testJob("job-1", "https://example.com/article")
	h := newTestHarness(t, job, testFields(job.ID))
	h.withEngine(core.EngineHTTP, &fakeEngine{
		tier: core.EngineHTTP,
		results: []engines.FetchResult{{
			StatusCode: 200,
			Records:    []core.Record{{Fields: map[string]interface{}{"title": "hello"}}},
		}},
	})
	h.store.PutRun(core.Run{ID: "run-1", JobID: job.ID, Status: core.RunStatusQueued, MaxAttempts: 3})

	err := h.executor().Run(ctx, "run-1")
	require.NoError(t, err)

	run, err := h.store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Len(t, h.store.Records("run-1"), 1)
}

func TestRun_JSGatedPageEscalatesHTTPToBrowser(t *testing.T) {
	ctx := context.Background()
	job := testJob("job-2", "https://spa.example.com/article")
	h := newTestHarness(t, job, testFields(job.ID))
	h.withEngine(core.EngineHTTP, &fakeEngine{
		tier: core.EngineHTTP,
		results: []engines.FetchResult{{
			StatusCode: 200,
			Body:       `<div data-reactroot="">loading...</div>`,
		}},
	})
	h.withEngine(core.EngineBrowser, &fakeEngine{
		tier: core.EngineBrowser,
		results: []engines.FetchResult{{
			StatusCode: 200,
			Records:    []core.Record{{Fields: map[string]interface{}{"title": "rendered"}}},
		}},
	})
	h.store.PutRun(core.Run{ID: "run-2", JobID: job.ID, Status: core.RunStatusQueued, MaxAttempts: 3})

	err := h.executor().Run(ctx, "run-2")
	require.NoError(t, err)

	run, err := h.store.LoadRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	require.Len(t, run.Attempts, 2)
	assert.Equal(t, core.EngineHTTP, run.Attempts[0].Engine)
	assert.Equal(t, core.EngineBrowser, run.Attempts[1].Engine)
}

func TestRun_SessionRequiredDomainWithNoSessionPausesForManualAccess(t *testing.T) {
	ctx := context.Background()
	job := testJob("job-3", "https://locked.example.com/article")
	h := newTestHarness(t, job, testFields(job.ID))
	h.withEngine(core.EngineHTTP, &fakeEngine{tier: core.EngineHTTP})

	// Drive the domain into the human-access, session-required class:
	// domainintel.classify requires the domain to classify as human for
	// 5+ consecutive RecordOutcome calls before RequiresSession flips
	// to "required" (it starts "preferred" the first 5 calls it takes
	// just to build the block-rate window).
	for i := 0; i < 10; i++ {
		require.NoError(t, h.domainIntel.RecordOutcome(ctx, domainintel.Outcome{
			Domain: "locked.example.com", Engine: core.EngineHTTP, Success: false, ResponseCode: 403,
		}))
	}

	h.store.PutRun(core.Run{ID: "run-3", JobID: job.ID, Status: core.RunStatusQueued, MaxAttempts: 3})

	err := h.executor().Run(ctx, "run-3")
	require.NoError(t, err)

	run, err := h.store.LoadRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusWaitingForHuman, run.Status)
}

func TestRun_NetworkFailureSchedulesExponentialBackoffRetry(t *testing.T) {
	ctx := context.Background()
	job := testJob("job-4", "https://flaky.example.com/article")
	h := newTestHarness(t, job, testFields(job.ID))
	h.withEngine(core.EngineHTTP, &fakeEngine{
		tier: core.EngineHTTP,
		results: []engines.FetchResult{{}, {}, {}},
		errs:    []error{assertNetworkError, assertNetworkError, assertNetworkError},
	})
	h.withEngine(core.EngineBrowser, &fakeEngine{
		tier:    core.EngineBrowser,
		results: []engines.FetchResult{{}},
		errs:    []error{assertNetworkError},
	})
	h.store.PutRun(core.Run{ID: "run-4", JobID: job.ID, Status: core.RunStatusQueued, Attempt: 1, MaxAttempts: 3})

	err := h.executor().Run(ctx, "run-4")
	require.NoError(t, err)

	run, err := h.store.LoadRun(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.FailureNetwork, run.FailureCode)

	calls := h.scheduler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].NextAttempt)
	assert.Equal(t, 10*time.Second, calls[0].After)
}

func TestBackoffFor_MatchesSpecFormulaAndCapsAtFiveMinutes(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffFor(1))
	assert.Equal(t, 30*time.Second, backoffFor(2))
	assert.Equal(t, 90*time.Second, backoffFor(3))
	assert.Equal(t, 270*time.Second, backoffFor(4))
	assert.Equal(t, 300*time.Second, backoffFor(5))
}

var assertNetworkError = &networkError{}

type networkError struct{}

func (*networkError) Error() string { return "connection reset by peer" }
