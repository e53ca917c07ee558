package events

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-labs/harvest/core"
)

// MemoryStore is the single-process reference Store, grounded in the
// teacher's in-memory telemetry buffering (orchestration/task_telemetry.go):
// append-only per-run slices guarded by one mutex, sequence assigned
// on append.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]core.RunEvent
	hub  *Hub
}

// NewMemoryStore builds an empty in-memory Store. If hub is non-nil,
// every successfully appended event is published to it after the
// in-memory write completes — mirroring how a real transactional
// store would only fan out post-commit.
func NewMemoryStore(hub *Hub) *MemoryStore {
	return &MemoryStore{byID: make(map[string][]core.RunEvent), hub: hub}
}

func (m *MemoryStore) Append(ctx context.Context, event core.RunEvent) (core.RunEvent, error) {
	m.mu.Lock()
	events := m.byID[event.RunID]
	event.Seq = int64(len(events)) + 1
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	m.byID[event.RunID] = append(events, event)
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Publish(event)
	}
	return event, nil
}

func (m *MemoryStore) ListSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]core.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byID[runID]
	var out []core.RunEvent
	for _, e := range all {
		if e.Seq > afterSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) LatestSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.byID[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}
