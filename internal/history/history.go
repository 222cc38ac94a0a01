// Package history exports supervisor lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn        EventType = "spawn"
	EventReady        EventType = "ready"
	EventExit         EventType = "exit"
	EventHealthFailed EventType = "healthcheck_failed"
	EventRespawn      EventType = "respawn"
	EventSignal       EventType = "signal"
	EventStop         EventType = "stop"
	EventFailed       EventType = "failed"
)

// Event is one lifecycle event of a supervised service.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	// ExitCode is -1 when the child did not exit normally or has not exited.
	ExitCode int    `json:"exit_code"`
	Detail   string `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
