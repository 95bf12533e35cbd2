package dispatcher

import (
	"agentd/pkg/circuitbreaker"
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher queues events in a bounded channel and delivers them from a
// worker pool through a Transport. A full buffer drops the event.
type MemoryDispatcher struct {
	queue     chan *Event
	transport Transport
	breakers  *circuitbreaker.Registry
	config    MemoryConfig
	logger    *slog.Logger
	metrics   MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers. metrics may be nil.
func NewMemory(cfg MemoryConfig, transport Transport, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:     make(chan *Event, cfg.BufferSize),
		transport: transport,
		config:    cfg,
		logger:    slog.With("component", "dispatcher"),
		metrics:   metrics,
		shutdown:  make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(dest string, from, to circuitbreaker.State) {
			switch to {
			case circuitbreaker.Open:
				d.logger.Warn("Destination unreachable, pausing deliveries", "destination", dest, "from", from.String())
			case circuitbreaker.Closed:
				d.logger.Info("Destination recovered", "destination", dest)
			}
		},
	})

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,

		OpenDestinations: breakerStats.OpenKeys,
	}
}

// Close stops accepting events and drains the queue until ctx expires.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// deliver attempts delivery with retry, guarded by a breaker per destination.
func (d *MemoryDispatcher) deliver(event *Event) {
	dest := destinationKey(event.Destination)
	breaker := d.breakers.Get(dest)

	if !breaker.Allow() {
		d.requeue(event, dest, breaker.RetryAt())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryBudget)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", dest, "type", event.Payload.Type, "jobId", event.Payload.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue re-submits an event once its destination's breaker lets a probe
// through, up to a limit. A zero retryAt means a probe is already in flight.
func (d *MemoryDispatcher) requeue(event *Event, dest string, retryAt time.Time) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	event.Requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	wait := time.Until(retryAt)
	if wait <= 0 {
		wait = time.Second
	}

	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(wait):
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", dest, "type", event.Payload.Type)
		case <-d.shutdown:
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", destinationKey(event.Destination),
		"type", event.Payload.Type,
		"jobId", event.Payload.Subject,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.RetryBackoff.Delay(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		lastErr = d.transport.Send(attemptCtx, event)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !d.transport.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// destinationKey reduces a URL to its host so one breaker covers an endpoint.
// Non-URL destinations such as stream keys are used as-is.
func destinationKey(dest string) string {
	parsed, err := url.Parse(dest)
	if err != nil || parsed.Host == "" {
		return dest
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
