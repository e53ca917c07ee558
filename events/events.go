// Package events implements the Event Stream (spec.md §4.8): an
// append-only, strictly per-run-ordered log that every component
// writes to via Sink.Append, a Store that persists it, and a Hub that
// fans committed events out to live subscribers. Subscribers only ever
// observe events after the transaction that produced them has
// committed — Hub.Publish is called by Store.Append itself, never by
// the component that constructed the event, so there is no window
// where a subscriber can see an event the store failed to persist.
package events

import (
	"context"

	"github.com/corvid-labs/harvest/core"
)

// Sink is the narrow contract every component (executor, planner,
// classifier callers, intervention controller) depends on — append
// one event, get back the assigned sequence number.
type Sink interface {
	Append(ctx context.Context, event core.RunEvent) (core.RunEvent, error)
}

// Store is the persistence contract behind a Sink. ListSince supports
// both historical catch-up (afterSeq=0) and resuming a subscription
// after a reconnect (afterSeq=last seen).
type Store interface {
	Sink
	ListSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]core.RunEvent, error)
	LatestSeq(ctx context.Context, runID string) (int64, error)
}

// Info builds a convenience RunEvent without boilerplate at call sites.
func Info(runID, message string, metadata map[string]interface{}) core.RunEvent {
	return core.RunEvent{RunID: runID, Level: core.EventInfo, Message: message, Metadata: metadata}
}

// Warn builds a warning-level RunEvent.
func Warn(runID, message string, metadata map[string]interface{}) core.RunEvent {
	return core.RunEvent{RunID: runID, Level: core.EventWarn, Message: message, Metadata: metadata}
}

// Error builds an error-level RunEvent.
func Error(runID, message string, metadata map[string]interface{}) core.RunEvent {
	return core.RunEvent{RunID: runID, Level: core.EventError, Message: message, Metadata: metadata}
}
