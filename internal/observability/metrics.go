package observability

import (
	"context"
	"errors"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	httpBuckets     = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobBuckets      = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}
	deliveryBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Metrics are the service instruments. Use the Record methods; the fields
// are exported for tests that need a direct handle.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobsStarted    metric.Int64Counter
	JobsFinished   metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobRetries     metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobTokens      metric.Int64Counter
	JobCost        metric.Float64Counter

	Interactions    metric.Int64Counter
	WatchdogActions metric.Int64Counter

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// instruments creates instruments on one meter and keeps the first error
// of each kind so construction reads as a flat list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) floatCounter(name, desc string) metric.Float64Counter {
	c, err := b.meter.Float64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates the instruments and returns the handler that serves
// them. Each call gets its own registry with Go runtime and process
// collectors alongside the OTel exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	b := &instruments{meter: provider.Meter("agentd")}
	m := &Metrics{
		HTTPRequestDuration: b.seconds("http_request_duration_seconds", "HTTP request latency", httpBuckets),
		HTTPRequestsTotal:   b.counter("http_requests_total", "HTTP requests served"),
		HTTPErrorsTotal:     b.counter("http_errors_total", "HTTP responses with a 4xx or 5xx status"),

		JobDuration:    b.seconds("job_duration_seconds", "Wall time of one job execution", jobBuckets),
		JobsTotal:      b.counter("jobs_total", "Jobs submitted"),
		JobsStarted:    b.counter("jobs_started_total", "Executions started"),
		JobsFinished:   b.counter("jobs_finished_total", "Executions finished, by outcome"),
		JobErrorsTotal: b.counter("job_errors_total", "Executions that ended failed"),
		JobRetries:     b.counter("job_retries_total", "Jobs requeued for another attempt"),
		JobsActive:     b.upDown("jobs_active", "Executions in progress on this worker"),
		JobTokens:      b.counter("job_tokens_total", "Tokens reported by agents"),
		JobCost:        b.floatCounter("job_cost_usd_total", "Cost in USD reported by agents"),

		Interactions:    b.counter("interactions_detected_total", "Agent prompts detected, by interaction type"),
		WatchdogActions: b.counter("watchdog_actions_total", "Jobs reconciled by the watchdog, by sweep and action"),

		DispatcherDuration:  b.seconds("dispatcher_duration_seconds", "Notification delivery latency", deliveryBuckets),
		DispatcherDelivered: b.counter("dispatcher_delivered_total", "Notifications delivered"),
		DispatcherFailed:    b.counter("dispatcher_failed_total", "Notifications that failed every retry"),
		DispatcherDropped:   b.counter("dispatcher_dropped_total", "Notifications dropped on a full buffer or after too many requeues"),
		DispatcherRequeued:  b.counter("dispatcher_requeued_total", "Notifications held back by an open destination breaker"),
		DispatcherQueueSize: b.gauge("dispatcher_queue_size", "Notifications waiting for delivery"),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being submitted.
func (m *Metrics) RecordJobCreated(ctx context.Context, providerID string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(providerAttr(providerID)))
}

// RecordJobStarted records a job being claimed for execution.
func (m *Metrics) RecordJobStarted(ctx context.Context, providerID string) {
	attrs := metric.WithAttributes(providerAttr(providerID))
	m.JobsStarted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records the end of an execution. outcome is the job's
// resulting status, or "abandoned" when ownership was lost.
func (m *Metrics) RecordJobFinished(ctx context.Context, providerID, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(providerID), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(providerAttr(providerID)))

	if outcome == "failed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCancelled records a job cancelled before it started.
func (m *Metrics) RecordJobCancelled(ctx context.Context, providerID string) {
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(providerAttr(providerID), outcomeAttr("cancelled")))
}

// RecordJobRetry records a job requeued after a transient failure.
func (m *Metrics) RecordJobRetry(ctx context.Context, providerID string) {
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(providerAttr(providerID)))
}

// RecordJobUsage records tokens and cost spent by one execution.
func (m *Metrics) RecordJobUsage(ctx context.Context, providerID string, tokens int64, costUSD float64) {
	attrs := metric.WithAttributes(providerAttr(providerID))
	if tokens > 0 {
		m.JobTokens.Add(ctx, tokens, attrs)
	}
	if costUSD > 0 {
		m.JobCost.Add(ctx, costUSD, attrs)
	}
}

// RecordInteraction records a detected agent prompt.
func (m *Metrics) RecordInteraction(ctx context.Context, providerID, interactionType string) {
	m.Interactions.Add(ctx, 1, metric.WithAttributes(providerAttr(providerID), typeAttr(interactionType)))
}

// RecordWatchdogAction records a job reconciled by a watchdog sweep.
func (m *Metrics) RecordWatchdogAction(ctx context.Context, sweep, action string) {
	m.WatchdogActions.Add(ctx, 1, metric.WithAttributes(sweepAttr(sweep), actionAttr(action)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
