// Package dispatcher relays lifecycle events to a webhook as CloudEvents.
// Delivery is asynchronous with bounded buffering, retries with backoff and
// a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"afterglow/pkg/cloudevent"
)

// ErrBufferFull is returned when an event cannot be queued and is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher queues CloudEvents for delivery.
type Dispatcher interface {
	// Dispatch queues event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops intake and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// Event is one CloudEvent bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // empty = unsigned
	requeues    int
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // gave up after retries or on a client error
	Dropped       int64 // buffer full or too many requeues
	Requeued      int64 // circuit was open
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
