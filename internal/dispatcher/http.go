package dispatcher

import (
	"agentd/pkg/cloudevent"
	"context"
	"time"
)

// HTTPTransport posts CloudEvents to webhook URLs.
type HTTPTransport struct {
	sender *cloudevent.Sender
}

// NewHTTPTransport creates a webhook transport with the given request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{sender: cloudevent.NewSender(timeout)}
}

// Send posts the event, signing it when the event carries a key.
func (t *HTTPTransport) Send(ctx context.Context, event *Event) error {
	return t.sender.Send(ctx, event.Destination, event.Payload, cloudevent.SendOptions{
		SigningKey: event.SigningKey,
	})
}

// Retryable is false when the receiver rejected the event outright.
func (t *HTTPTransport) Retryable(err error) bool {
	return !cloudevent.IsPermanent(err)
}

var _ Transport = (*HTTPTransport)(nil)
