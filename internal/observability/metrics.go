package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the bridge's metrics, grouped by the golden signals:
// latency, traffic, errors and saturation.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Gateway metrics
	GatewayDuration metric.Float64Histogram
	GatewayRequests metric.Int64Counter
	GatewayErrors   metric.Int64Counter

	// Lifecycle metrics
	JobsSubmitted    metric.Int64Counter
	JobsCreateFailed metric.Int64Counter
	JobsActive       metric.Int64UpDownCounter
	JobDuration      metric.Float64Histogram
	PollsTotal       metric.Int64Counter
	PollsSkipped     metric.Int64Counter
	StreamsActive    metric.Int64UpDownCounter
	StreamsTotal     metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

type builder struct {
	err error
}

func (b *builder) counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(m metric.Meter, name, desc string) metric.Int64UpDownCounter {
	c, err := m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) histogram(m metric.Meter, name, desc string, buckets ...float64) metric.Float64Histogram {
	h, err := m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// NewMetrics creates all metrics and registers them with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("afterglow")
	m := &Metrics{meter: meter}
	var b builder

	m.HTTPRequestDuration = b.histogram(meter, "http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter(meter, "http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter(meter, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.GatewayDuration = b.histogram(meter, "gateway_request_duration_seconds", "Computation service call latency in seconds",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.GatewayRequests = b.counter(meter, "gateway_requests_total", "Total calls to the computation service")
	m.GatewayErrors = b.counter(meter, "gateway_errors_total", "Total failed calls to the computation service")

	m.JobsSubmitted = b.counter(meter, "jobs_submitted_total", "Total jobs created on the computation service")
	m.JobsCreateFailed = b.counter(meter, "jobs_create_failed_total", "Total job submissions that failed")
	m.JobsActive = b.upDown(meter, "jobs_active", "Jobs currently being polled (saturation)")
	m.JobDuration = b.histogram(meter, "job_duration_seconds", "Time from creation to the end of polling",
		1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	m.PollsTotal = b.counter(meter, "job_polls_total", "Total status probes")
	m.PollsSkipped = b.counter(meter, "job_polls_skipped_total", "Ticks skipped because a probe was still in flight")
	m.StreamsActive = b.upDown(meter, "streams_active", "Open correlation streams")
	m.StreamsTotal = b.counter(meter, "streams_total", "Total correlation streams opened")

	m.DispatcherDuration = b.histogram(meter, "dispatcher_duration_seconds", "Relay delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter(meter, "dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter(meter, "dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter(meter, "dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter(meter, "dispatcher_requeued_total", "Total events requeued due to open circuit")

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	b.keep(err)

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordGatewayRequest records one computation service call.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, op string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(opAttr(op), successAttr(success))
	m.GatewayDuration.Record(ctx, durationSeconds, attrs)
	m.GatewayRequests.Add(ctx, 1, attrs)
	if !success {
		m.GatewayErrors.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
	}
}

// RecordJobSubmitted records a job accepted by the computation service.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, jobType string) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType))
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCreateFailed records a submission the computation service refused
// or never answered.
func (m *Metrics) RecordJobCreateFailed(ctx context.Context, jobType string) {
	m.JobsCreateFailed.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordJobFinished records the end of polling. outcome is one of completed,
// canceled, stopped or timeout.
func (m *Metrics) RecordJobFinished(ctx context.Context, jobType, outcome string, durationSeconds float64) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(jobTypeAttr(jobType), outcomeAttr(outcome)))
}

// RecordPoll records one status probe.
func (m *Metrics) RecordPoll(ctx context.Context, jobType string, success bool) {
	m.PollsTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType), successAttr(success)))
}

// RecordPollSkipped records a tick dropped because the previous probe had not
// returned.
func (m *Metrics) RecordPollSkipped(ctx context.Context, jobType string) {
	m.PollsSkipped.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordStreamOpened records a correlation stream being opened.
func (m *Metrics) RecordStreamOpened(ctx context.Context) {
	m.StreamsTotal.Add(ctx, 1)
	m.StreamsActive.Add(ctx, 1)
}

// RecordStreamClosed records a correlation stream being closed.
func (m *Metrics) RecordStreamClosed(ctx context.Context) {
	m.StreamsActive.Add(ctx, -1)
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
