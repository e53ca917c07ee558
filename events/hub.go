package events

import (
	"context"
	"sync"

	"github.com/corvid-labs/harvest/core"
)

// subscriberBuffer is how many events a slow subscriber can lag by
// before Hub starts dropping newly published events for it rather than
// blocking the publisher — a live feed is best-effort catch-up, the
// Store remains the durable source of truth (callers reconnect with
// ListSince to recover any gap).
const subscriberBuffer = 64

// Hub fans out committed RunEvents to live subscribers via channels,
// grounded in the teacher's task_telemetry.go fan-out pattern. It is
// only ever fed by a Store's Append — components never publish to a
// Hub directly, so a subscriber never observes an event the Store
// failed to persist.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan core.RunEvent]struct{}
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan core.RunEvent]struct{})}
}

// Subscribe registers a new live listener for runID. The returned
// unsubscribe func must be called when the caller is done listening;
// it closes the channel it returned.
func (h *Hub) Subscribe(runID string) (<-chan core.RunEvent, func()) {
	ch := make(chan core.RunEvent, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan core.RunEvent]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, runID)
			}
		}
		close(ch)
	}
	return ch, unsubscribe
}

// Publish delivers event to every current subscriber of its RunID,
// never blocking: a full subscriber buffer drops the event for that
// subscriber rather than stalling the writer that just committed it.
func (h *Hub) Publish(event core.RunEvent) {
	h.mu.Lock()
	set := h.subs[event.RunID]
	channels := make([]chan core.RunEvent, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many live listeners a run currently has,
// for observability.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// PublishingStore wraps any Store with post-commit fan-out to a Hub —
// the same discipline MemoryStore applies inline, generalized for a
// durable Store (internal/store/sqlite) that has no Hub of its own.
type PublishingStore struct {
	Store
	hub *Hub
}

// NewPublishingStore wraps store so every event it durably Appends is
// then published to hub.
func NewPublishingStore(store Store, hub *Hub) *PublishingStore {
	return &PublishingStore{Store: store, hub: hub}
}

func (p *PublishingStore) Append(ctx context.Context, event core.RunEvent) (core.RunEvent, error) {
	committed, err := p.Store.Append(ctx, event)
	if err != nil {
		return core.RunEvent{}, err
	}
	p.hub.Publish(committed)
	return committed, nil
}
