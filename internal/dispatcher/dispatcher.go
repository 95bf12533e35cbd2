// Package dispatcher delivers live-update events asynchronously so that slow
// or failing observers never hold up job processing.
package dispatcher

import (
	"agentd/pkg/cloudevent"
	"context"
	"errors"
)

// Dispatch errors.
var (
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull or ErrClosed if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Transport performs a single delivery attempt.
type Transport interface {
	Send(ctx context.Context, event *Event) error
	// Retryable reports whether a failed attempt may succeed if repeated.
	Retryable(err error) bool
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL or stream key
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers

	// Destinations whose breaker is open.
	OpenDestinations []string
}
