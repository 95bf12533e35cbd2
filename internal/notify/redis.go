package notify

import (
	"agentd/internal/dispatcher"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 5000

// RedisStream is a dispatcher transport that appends events to a capped
// Redis stream. The event's Destination is the stream key.
type RedisStream struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStream creates a stream transport. maxLen <= 0 uses a default cap.
func NewRedisStream(client *redis.Client, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStream{client: client, maxLen: maxLen}
}

// Send implements dispatcher.Transport.
func (s *RedisStream) Send(ctx context.Context, event *dispatcher.Event) error {
	data, err := json.Marshal(event.Payload.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	values := map[string]any{
		"id":      event.Payload.ID,
		"type":    event.Payload.Type,
		"subject": event.Payload.Subject,
		"time":    event.Payload.Time.UTC().Format(time.RFC3339Nano),
		"data":    string(data),
	}
	if projectID, ok := event.Payload.Data["projectId"].(string); ok {
		values["project_id"] = projectID
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: event.Destination,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", event.Destination, err)
	}
	return nil
}

// Retryable implements dispatcher.Transport. Marshal failures are permanent.
func (s *RedisStream) Retryable(err error) bool {
	var jsonErr *json.UnsupportedTypeError
	return !errors.As(err, &jsonErr)
}

var _ dispatcher.Transport = (*RedisStream)(nil)
