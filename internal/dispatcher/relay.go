package dispatcher

import (
	"errors"
	"log/slog"
	"sync"

	"afterglow/internal/job"
	"afterglow/internal/lifecycle"
)

// Subscriber is the part of the lifecycle controller the relay listens to.
type Subscriber interface {
	Subscribe(filter func(job.Event) bool) *lifecycle.Subscription
}

// Relay forwards lifecycle events to a webhook as CloudEvents.
type Relay struct {
	sub        *lifecycle.Subscription
	dispatcher Dispatcher
	builder    *job.EventBuilder
	config     RelayConfig
	logger     *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewRelay subscribes to src and starts forwarding the event kinds named in
// cfg.Events. It runs until Stop is called or src closes its subscriptions.
func NewRelay(src Subscriber, d Dispatcher, cfg RelayConfig) *Relay {
	r := &Relay{
		dispatcher: d,
		builder:    job.NewEventBuilder(cfg.Source),
		config:     cfg,
		logger:     slog.With("component", "relay"),
		done:       make(chan struct{}),
	}
	r.sub = src.Subscribe(func(e job.Event) bool {
		return job.FilteredEvents(e.Kind, cfg.Events)
	})

	go r.run()
	r.logger.Info("Relay started", "destination", extractHost(cfg.URL), "events", cfg.Events)
	return r
}

func (r *Relay) run() {
	defer close(r.done)

	for e := range r.sub.Events() {
		event := &Event{
			Payload:     r.builder.Build(e),
			Destination: r.config.URL,
			SigningKey:  r.config.SigningKey,
		}
		if err := r.dispatcher.Dispatch(event); err != nil {
			if !errors.Is(err, ErrBufferFull) {
				r.logger.Warn("Relay dispatch failed", "kind", e.Kind, "jobId", e.JobID(), "error", err)
			}
		}
	}
}

// Stop unsubscribes and waits for the forwarding goroutine to exit. Events
// still buffered in the subscription are discarded.
func (r *Relay) Stop() {
	r.stopOnce.Do(r.sub.Close)
	<-r.done
}

// Done is closed once the relay stops forwarding.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
