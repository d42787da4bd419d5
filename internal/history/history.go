// Package history records supervision lifecycle events to optional sinks.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventDiscover  EventType = "discover"
	EventTrack     EventType = "track"
	EventUntrack   EventType = "untrack"
	EventTerminate EventType = "terminate"
	EventReady     EventType = "ready"
	EventExit      EventType = "exit"
	EventSweep     EventType = "sweep"
)

// Event is one lifecycle transition of a supervised process.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session,omitempty"`
	Role       string    `json:"role,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Sinks fans an event out to every sink. Send errors are dropped; history is
// a diagnostic trail and must never affect supervision.
type Sinks []Sink

func (s Sinks) Emit(ctx context.Context, e Event) {
	if len(s) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, sink := range s {
		if sink != nil {
			_ = sink.Send(ctx, e)
		}
	}
}
