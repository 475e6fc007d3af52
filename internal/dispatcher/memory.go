package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/pkg/backoff"
	"afterglow/pkg/circuitbreaker"
	"afterglow/pkg/cloudevent"
)

// deliveryTimeout bounds one event's delivery including retries.
const deliveryTimeout = 30 * time.Second

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

type counters struct {
	queued, delivered, failed, dropped, requeued, retries atomic.Int64
}

// MemoryDispatcher delivers events from bounded in-memory queues, one per
// worker. Events are sharded by CloudEvent subject, so the events of one job
// reach a destination in the order they were dispatched unless a requeue
// intervenes.
type MemoryDispatcher struct {
	shards   []chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder
	stats    counters

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates and starts an in-memory dispatcher. BufferSize is split
// evenly across the workers' queues.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "dispatcher")

	d := &MemoryDispatcher{
		shards: make([]chan *Event, cfg.Workers),
		sender: cloudevent.NewSender(cfg.HTTPTimeout, cloudevent.WithUserAgent("afterglow-jobs-bridge")),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}, func(host string, from, to circuitbreaker.State) {
			logger.Info("Relay circuit changed", "destination", host, "from", from, "to", to)
		}),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	perShard := max(cfg.BufferSize/cfg.Workers, 1)
	d.wg.Add(cfg.Workers)
	for i := range d.shards {
		d.shards[i] = make(chan *Event, perShard)
		go d.worker(d.shards[i])
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer_per_worker", perShard)
	return d
}

// Dispatch queues an event on its subject's shard. It never blocks.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return apperrors.ErrClosed
	}

	select {
	case d.shardFor(event) <- event:
		d.stats.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    d.depth(),
		Queued:        d.stats.queued.Load(),
		Delivered:     d.stats.delivered.Load(),
		Failed:        d.stats.failed.Load(),
		Dropped:       d.stats.dropped.Load(),
		Requeued:      d.stats.requeued.Load(),
		RetriesTotal:  d.stats.retries.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close stops accepting events and waits for the workers to drain their
// queues or for ctx to end.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher draining", "queued", d.depth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s := d.Stats()
		d.logger.Info("Dispatcher stopped", "delivered", s.Delivered, "failed", s.Failed, "dropped", s.Dropped)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) shardFor(event *Event) chan *Event {
	if len(d.shards) == 1 {
		return d.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(event.Payload.Subject))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

func (d *MemoryDispatcher) depth() int {
	n := 0
	for _, s := range d.shards {
		n += len(s)
	}
	return n
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

func (d *MemoryDispatcher) worker(queue chan *Event) {
	defer d.wg.Done()

	for {
		select {
		case event := <-queue:
			d.deliver(event)
		case <-d.shutdown:
			for {
				select {
				case event := <-queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, event)
	if err == nil {
		breaker.RecordSuccess()
		d.stats.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
		return
	}

	breaker.RecordFailure()
	d.stats.failed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherFailed(ctx)
	}
	d.logger.Warn("Relay delivery failed",
		"destination", host,
		"type", event.Payload.Type,
		"jobId", event.Payload.Subject,
		"error", err,
	)
}

// send makes up to MaxRetries+1 attempts. Client errors end it early, and a
// Retry-After longer than the backoff delay wins.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	err := d.sender.Send(ctx, event.Destination, event.Payload, opts)
	for attempt := 1; err != nil && attempt <= d.config.MaxRetries; attempt++ {
		if cloudevent.IsClientError(err) {
			return err
		}

		delay := d.config.Backoff.Delay(attempt)
		var he *cloudevent.HTTPError
		if errors.As(err, &he) {
			delay = max(delay, he.RetryAfter)
		}
		if werr := backoff.Wait(ctx, delay); werr != nil {
			return errors.Join(err, werr)
		}

		d.stats.retries.Add(1)
		err = d.sender.Send(ctx, event.Destination, event.Payload, opts)
	}
	return err
}

// requeue parks an event for one breaker cooldown, at most MaxRequeues times.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	switch {
	case event.requeues >= d.config.MaxRequeues:
		d.drop(event, "max requeues reached")
		return
	case d.closed.Load():
		d.drop(event, "circuit open during shutdown")
		return
	}

	event.requeues++
	d.stats.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	timer := time.NewTimer(d.config.BreakerCooldown)
	go func() {
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop(event, "shutdown before requeue")
		case <-timer.C:
			select {
			case d.shardFor(event) <- event:
				d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
			default:
				d.drop(event, "buffer full on requeue")
			}
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.stats.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Relay event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"jobId", event.Payload.Subject,
	)
}

// extractHost returns the URL host, used as the circuit breaker key.
func extractHost(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
