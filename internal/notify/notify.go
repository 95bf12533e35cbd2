// Package notify fans live job updates out to observers. Delivery is
// best-effort: a failing sink is logged and never reported to the caller.
package notify

import (
	"agentd/internal/dispatcher"
	"agentd/pkg/cloudevent"
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Notifier publishes a live-update event.
type Notifier interface {
	Notify(ctx context.Context, event *cloudevent.CloudEvent)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, *cloudevent.CloudEvent) {}

// OrNop returns n, or Nop when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}

// Multi delivers each event to every notifier in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, event *cloudevent.CloudEvent) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

// Dispatched hands events to an async dispatcher for one destination.
type Dispatched struct {
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
	types       []string
	logger      *slog.Logger
}

// NewDispatched creates a notifier that queues events for destination.
// types restricts which event types are sent; empty sends all.
func NewDispatched(d dispatcher.Dispatcher, destination, signingKey string, types []string) *Dispatched {
	return &Dispatched{
		dispatcher:  d,
		destination: destination,
		signingKey:  signingKey,
		types:       types,
		logger:      slog.With("component", "notify", "destination", destination),
	}
}

// Notify implements Notifier.
func (n *Dispatched) Notify(_ context.Context, event *cloudevent.CloudEvent) {
	if event == nil {
		return
	}
	if len(n.types) > 0 && !slices.Contains(n.types, event.Type) {
		return
	}
	err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: n.destination,
		SigningKey:  n.signingKey,
	})
	if err != nil {
		n.logger.Debug("Live update not queued", "type", event.Type, "error", err)
	}
}

// Recorder keeps every event in memory. Useful in tests and for debugging.
type Recorder struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, event *cloudevent.CloudEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*cloudevent.CloudEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

var (
	_ Notifier = Nop{}
	_ Notifier = Multi{}
	_ Notifier = (*Dispatched)(nil)
	_ Notifier = (*Recorder)(nil)
)
