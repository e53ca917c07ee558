package intervention

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// MemoryStore is the single-process reference Store, grounded in the
// teacher's in-memory CheckpointStore used by orchestration tests.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]core.InterventionTask
}

// NewMemoryStore builds an empty in-memory intervention task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]core.InterventionTask)}
}

func (m *MemoryStore) Create(ctx context.Context, task core.InterventionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, taskID string) (core.InterventionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.InterventionTask{}, core.ErrTaskNotFound
	}
	return task, nil
}

func (m *MemoryStore) Update(ctx context.Context, task core.InterventionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return core.ErrTaskNotFound
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) PendingForJob(ctx context.Context, jobID string) ([]core.InterventionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.InterventionTask
	for _, t := range m.tasks {
		if t.JobID == jobID && t.Status == core.InterventionPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// PendingForDomain filters on Payload["domain"], since InterventionTask
// itself carries no domain field — the Controller tags every task it
// creates with the triggering domain before calling Store.Create.
func (m *MemoryStore) PendingForDomain(ctx context.Context, domain string) ([]core.InterventionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.InterventionTask
	for _, t := range m.tasks {
		if t.Status != core.InterventionPending {
			continue
		}
		if payloadDomain, ok := t.Payload["domain"].(string); ok && payloadDomain == domain {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingExpiringBefore(ctx context.Context, cutoff time.Time) ([]core.InterventionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.InterventionTask
	for _, t := range m.tasks {
		if t.Status == core.InterventionPending && t.ExpiresAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}
