// Package pubsub fans coordinator events out to in-process subscribers.
// Session lifecycle events feed the SSE stream and the metrics watcher;
// log lines feed the live log tail.
package pubsub

import "time"

// EventType says what happened to the payload's subject.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is one delivered notification.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
