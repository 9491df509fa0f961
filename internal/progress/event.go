package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType names the change a client applied.
type EventType string

// Event types emitted by Client.
const (
	EventSnapshot  EventType = "SNAPSHOT"
	EventCompleted EventType = "COMPLETED"
	EventCleared   EventType = "CLEARED"
	EventExpired   EventType = "EXPIRED"
	EventState     EventType = "STATE"
	EventDiscarded EventType = "DISCARDED"
)

// Event records one change to the client's observable state.
type Event struct {
	// Type is the kind of change.
	Type EventType
	// TS is the UTC timestamp recorded by the client.
	TS time.Time
	// JobID is set for snapshot, completion, clear and expiry events.
	JobID string
	// Snapshot is the table entry after the change (zero for clear/expiry).
	Snapshot Snapshot
	// State is the connection state after a STATE event.
	State ConnectionState
	// Reconnect marks a Connecting transition driven by the reconnect timer.
	Reconnect bool
	// Jobs is the number of tracked entries after the change.
	Jobs int
	// Note carries low-volume diagnostics such as the discard reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventSnapshot, EventCompleted, EventCleared, EventExpired:
		if e.JobID == "" {
			return fmt.Errorf("%s event requires job id", e.Type)
		}
	case EventState, EventDiscarded:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
