// Package pubsub provides a generic in-process publish/subscribe broker.
// It is the fan-out primitive underneath the event bus taps and the log
// listener stream.
package pubsub

import (
	"context"
	"time"
)

// EventType labels the kind of change an event describes.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event carries a typed payload to subscribers.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
