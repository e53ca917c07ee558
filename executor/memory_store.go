package executor

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// MemoryStore is the single-process reference Store, grounded in the
// teacher's in-memory checkpoint/registry test doubles: one mutex, one
// map per entity, compare-and-set done under that same lock.
type MemoryStore struct {
	mu         sync.Mutex
	runs       map[string]*core.Run
	jobs       map[string]core.Job
	fieldMaps  map[string][]core.FieldMap
	records    map[string][]core.Record
}

// NewMemoryStore builds an empty in-memory Store, pre-seeded with jobs
// and field maps the test/caller already has on hand — those two are
// owned by an external CRUD surface the executor only reads from.
func NewMemoryStore(jobs map[string]core.Job, fieldMaps map[string][]core.FieldMap) *MemoryStore {
	if jobs == nil {
		jobs = make(map[string]core.Job)
	}
	if fieldMaps == nil {
		fieldMaps = make(map[string][]core.FieldMap)
	}
	return &MemoryStore{
		runs:      make(map[string]*core.Run),
		jobs:      jobs,
		fieldMaps: fieldMaps,
		records:   make(map[string][]core.Record),
	}
}

// PutRun seeds or overwrites a run row, for test setup.
func (m *MemoryStore) PutRun(run core.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := run
	m.runs[run.ID] = &r
}

func (m *MemoryStore) LoadRun(ctx context.Context, runID string) (*core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (m *MemoryStore) LoadJob(ctx context.Context, jobID string) (core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return core.Job{}, core.NewFrameworkError("executor.LoadJob", "job", core.ErrRunNotFound)
	}
	return job, nil
}

func (m *MemoryStore) LoadFieldMaps(ctx context.Context, jobID string) ([]core.FieldMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.FieldMap(nil), m.fieldMaps[jobID]...), nil
}

func (m *MemoryStore) TryLeaseRun(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, core.ErrRunNotFound
	}
	if run.Status != core.RunStatusQueued {
		return false, nil
	}
	run.Status = core.RunStatusRunning
	now := time.Now()
	run.StartedAt = &now
	return true, nil
}

func (m *MemoryStore) AppendAttempt(ctx context.Context, runID string, attempt core.EngineAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return core.ErrRunNotFound
	}
	run.Attempts = append(run.Attempts, attempt)
	return nil
}

func (m *MemoryStore) PersistRecords(ctx context.Context, runID string, records []core.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return core.ErrRunNotFound
	}
	m.records[runID] = append([]core.Record(nil), records...)
	return nil
}

func (m *MemoryStore) CompleteRun(ctx context.Context, runID string) error {
	return m.terminate(runID, core.RunStatusCompleted, core.FailureNone)
}

func (m *MemoryStore) FailRun(ctx context.Context, runID string, code core.FailureCode) error {
	return m.terminate(runID, core.RunStatusFailed, code)
}

func (m *MemoryStore) terminate(runID string, status core.RunStatus, code core.FailureCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return core.ErrRunNotFound
	}
	run.Status = status
	run.FailureCode = code
	now := time.Now()
	run.FinishedAt = &now
	return nil
}

// Records returns the persisted records for a run, for test assertions.
func (m *MemoryStore) Records(runID string) []core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[runID]
}

// SetRunStatus satisfies intervention.RunGateway, so a MemoryStore can
// back both the executor and an intervention.Controller in tests
// without a second fake.
func (m *MemoryStore) SetRunStatus(ctx context.Context, runID string, status core.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return core.ErrRunNotFound
	}
	run.Status = status
	return nil
}
