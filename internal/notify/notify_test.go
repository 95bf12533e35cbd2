package notify

import (
	"agentd/internal/dispatcher"
	"agentd/pkg/cloudevent"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
	err    error
}

func (c *captureDispatcher) Dispatch(event *dispatcher.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureDispatcher) Stats() dispatcher.Stats     { return dispatcher.Stats{} }
func (c *captureDispatcher) Close(context.Context) error { return nil }

func event(eventType string) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, "agentd", "job-1", "evt-1", map[string]any{"jobId": "job-1", "projectId": "p1"})
}

func TestDispatched_FiltersTypes(t *testing.T) {
	t.Parallel()
	d := &captureDispatcher{}
	n := NewDispatched(d, "http://hooks.local/agentd", "key", []string{"agentd.job.status"})

	n.Notify(context.Background(), event("agentd.job.status"))
	n.Notify(context.Background(), event("agentd.job.heartbeat"))
	n.Notify(context.Background(), nil)

	if len(d.events) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(d.events))
	}
	got := d.events[0]
	if got.Destination != "http://hooks.local/agentd" || got.SigningKey != "key" {
		t.Errorf("unexpected event routing: %+v", got)
	}
}

func TestDispatched_SwallowsErrors(t *testing.T) {
	t.Parallel()
	d := &captureDispatcher{err: dispatcher.ErrBufferFull}
	n := NewDispatched(d, "agentd:events", "", nil)

	// Must not panic or block.
	n.Notify(context.Background(), event("agentd.job.status"))
}

func TestMulti(t *testing.T) {
	t.Parallel()
	a, b := &Recorder{}, &Recorder{}
	Multi{a, Nop{}, b}.Notify(context.Background(), event("agentd.job.completed"))

	if a.Count("agentd.job.completed") != 1 || b.Count("agentd.job.completed") != 1 {
		t.Errorf("expected both recorders to receive the event, got %v and %v", a.Types(), b.Types())
	}
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Error("OrNop(nil) should return Nop")
	}
	r := &Recorder{}
	if OrNop(r) != Notifier(r) {
		t.Error("OrNop should return the given notifier")
	}
}

func TestRedisStream_Send(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := "agentd:test:" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), stream)

	s := NewRedisStream(client, 10)
	if err := s.Send(ctx, &dispatcher.Event{Payload: event("agentd.job.status"), Destination: stream}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	if msgs[0].Values["type"] != "agentd.job.status" || msgs[0].Values["project_id"] != "p1" {
		t.Errorf("unexpected entry: %v", msgs[0].Values)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/agentd")
	t.Setenv("NOTIFY_WEBHOOK_TYPES", "agentd.job.status, agentd.job.completed,,")
	t.Setenv("NOTIFY_REDIS_STREAM", "agentd:events")
	t.Setenv("NOTIFY_STREAM_MAXLEN", "100")

	cfg := LoadConfigFromEnv()

	if cfg.WebhookURL != "https://hooks.example.com/agentd" || cfg.RedisStream != "agentd:events" || cfg.StreamMaxLen != 100 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.WebhookTypes) != 2 || cfg.WebhookTypes[1] != "agentd.job.completed" {
		t.Errorf("WebhookTypes = %q", cfg.WebhookTypes)
	}
	if cfg.WebhookKey != "" {
		t.Errorf("Expected no key without a key file, got %q", cfg.WebhookKey)
	}
}
