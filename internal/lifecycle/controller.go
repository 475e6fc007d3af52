// Package lifecycle drives remote jobs from submission to a terminal event.
//
// Every submitted job gets its own goroutine. It creates the job, records it in
// the registry and, when a poll interval is given, probes the remote state on a
// ticker with at most one probe outstanding. Ticks that arrive while a probe is
// in flight are skipped. Events for one job are published in order from that
// goroutine: created, updated*, then exactly one terminal event.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/gateway"
	"afterglow/internal/job"
	"afterglow/internal/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRecorder is an optional interface for recording lifecycle metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, jobType string)
	RecordJobCreateFailed(ctx context.Context, jobType string)
	RecordJobFinished(ctx context.Context, jobType, outcome string, durationSeconds float64)
	RecordPoll(ctx context.Context, jobType string, success bool)
	RecordPollSkipped(ctx context.Context, jobType string)
}

// Outcomes reported to RecordJobFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeUnpolled  = "unpolled"
)

// Config configures a Controller.
type Config struct {
	// MaxPollDuration bounds how long one job is polled. Zero polls until the
	// job is terminal or stopped.
	MaxPollDuration time.Duration
	Metrics         MetricsRecorder
	Tracer          trace.Tracer
}

// Controller owns the registry writes for every job it submits.
type Controller struct {
	gateway  gateway.Gateway
	registry *registry.Registry
	hub      *Hub
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]*poller
	closed  bool
}

// New creates a controller that submits through gw and records jobs in reg.
func New(gw gateway.Gateway, reg *registry.Registry, cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("afterglow/lifecycle")
	}
	return &Controller{
		gateway:  gw,
		registry: reg,
		hub:      NewHub(),
		cfg:      cfg,
		tracer:   tracer,
		logger:   slog.With("component", "lifecycle"),
		ctx:      ctx,
		cancel:   cancel,
		pollers:  make(map[string]*poller),
	}
}

// Registry returns the registry the controller writes to. Callers must treat
// it as read-only.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Subscribe returns a subscription to every event accepted by filter.
func (c *Controller) Subscribe(filter func(job.Event) bool) *Subscription {
	return c.hub.Subscribe(filter)
}

// Submit validates spec and starts its lifecycle in the background. A zero
// pollInterval creates the job without polling it. Subscribe before submitting
// to be sure to observe the job's events.
func (c *Controller) Submit(spec job.Spec, token string, pollInterval time.Duration) error {
	if spec == nil {
		return apperrors.Validation("spec", "spec is required")
	}
	if token == "" {
		return apperrors.Validation("token", "token is required")
	}
	if pollInterval < 0 {
		return apperrors.Validation("pollInterval", "must not be negative")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.ErrClosed
	}
	c.wg.Add(1)
	go c.run(spec, token, pollInterval)
	return nil
}

// Stop ends polling for id and waits for its loop to exit. It returns true
// only when this call ended the loop and a stopped event was published. It
// returns false when id is not being polled, when another Stop got there
// first, or when the loop was already fetching the result and finished with
// its own terminal event. The remote job is not affected; use Cancel for that.
func (c *Controller) Stop(id string) bool {
	c.mu.Lock()
	p, ok := c.pollers[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	first := p.requestStop()
	<-p.done
	return first && p.byRequest
}

// Polling reports whether id is currently being polled.
func (c *Controller) Polling(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pollers[id]
	return ok
}

// Cancel asks the computation service to cancel id and returns its reply. The
// registry is not written here; an active poll loop picks up the canceled
// status on its next probe.
func (c *Controller) Cancel(ctx context.Context, id string) (job.Job, error) {
	if _, ok := c.registry.Get(id); !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}

	ctx, span := c.tracer.Start(ctx, "lifecycle.cancel", trace.WithAttributes(jobIDAttr(id)))
	defer span.End()

	j, err := c.gateway.CancelJob(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		c.logger.Warn("Cancel request failed", "jobId", id, "error", err)
		return job.Job{}, err
	}
	c.logger.Info("Cancel requested", "jobId", id, "status", j.Status())
	return j, nil
}

// Close stops every poll loop, waits for them to publish their final events and
// closes all subscriptions. Submissions still waiting on the gateway fail with
// a create-failed event.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := len(c.pollers)
	c.mu.Unlock()

	c.logger.Info("Lifecycle controller shutting down", "active", active)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.hub.Close()
		c.logger.Info("Lifecycle controller shutdown complete")
		return nil
	case <-ctx.Done():
		// Loops still stuck in the gateway publish into a closed hub, which
		// drops their events.
		c.hub.Close()
		c.logger.Warn("Lifecycle controller shutdown timed out")
		return ctx.Err()
	}
}

func (c *Controller) publish(e job.Event) {
	e.At = time.Now().UTC()
	c.hub.Publish(e)
}

// track registers a poller for id. Registry.Insert has already rejected
// duplicate ids.
func (c *Controller) track(id string) *poller {
	p := newPoller()
	c.mu.Lock()
	c.pollers[id] = p
	c.mu.Unlock()
	return p
}

func (c *Controller) untrack(id string, p *poller) {
	c.mu.Lock()
	if c.pollers[id] == p {
		delete(c.pollers, id)
	}
	c.mu.Unlock()
	close(p.done)
}

// run is the whole lifecycle of one submission.
func (c *Controller) run(spec job.Spec, token string, interval time.Duration) {
	defer c.wg.Done()

	jobType := string(spec.JobType())
	logger := c.logger.With("token", token, "type", jobType)

	j, err := c.create(c.ctx, spec)
	if err == nil {
		err = c.registry.Insert(j)
	}
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordJobCreateFailed(c.ctx, jobType)
		}
		logger.Warn("Job creation failed", "error", err)
		c.publish(job.Event{Kind: job.EventCreateFailed, Token: token, Spec: spec, Err: err})
		return
	}

	started := time.Now()
	logger = logger.With("jobId", j.ID)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordJobSubmitted(c.ctx, jobType)
	}

	if interval == 0 {
		logger.Info("Job created", "polled", false)
		c.publish(job.Event{Kind: job.EventCreated, Token: token, Job: j})
		c.finished(jobType, OutcomeUnpolled, started)
		return
	}

	// Track before publishing so a consumer reacting to the created event can
	// already stop the job.
	p := c.track(j.ID)
	defer c.untrack(j.ID, p)

	logger.Info("Job created", "polled", true, "interval", interval)
	c.publish(job.Event{Kind: job.EventCreated, Token: token, Job: j, Polled: true})

	outcome := c.poll(c.ctx, p, j, token, interval, logger)
	c.finished(jobType, outcome, started)
}

func (c *Controller) create(ctx context.Context, spec job.Spec) (job.Job, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.create", trace.WithAttributes(jobTypeAttr(spec.JobType())))
	defer span.End()

	j, err := c.gateway.CreateJob(ctx, spec)
	if err != nil {
		recordSpanError(span, err)
		return job.Job{}, err
	}
	if j.State == nil {
		j.State = &job.State{Status: job.StatusPending, CreatedOn: time.Now().UTC()}
	}
	span.SetAttributes(jobIDAttr(j.ID))
	return j, nil
}

func (c *Controller) finished(jobType, outcome string, started time.Time) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordJobFinished(context.Background(), jobType, outcome, time.Since(started).Seconds())
	}
}
