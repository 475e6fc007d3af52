package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/job"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// poller is the stop handle of one job's poll loop.
type poller struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// byRequest is set by the loop before done closes when it exited on the
	// stop signal. Read it only after done is closed.
	byRequest bool
}

func newPoller() *poller {
	return &poller{stop: make(chan struct{}), done: make(chan struct{})}
}

// requestStop raises the stop signal and reports whether this call raised it.
func (p *poller) requestStop() bool {
	first := false
	p.stopOnce.Do(func() {
		close(p.stop)
		first = true
	})
	return first
}

func (p *poller) stopRequested() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

type probeResult struct {
	state job.State
	err   error
}

// poll runs the probe loop for j until a stop condition and returns the
// outcome. Every return path publishes exactly one terminal event.
func (c *Controller) poll(ctx context.Context, p *poller, j job.Job, token string, interval time.Duration, logger *slog.Logger) string {
	jobType := string(j.Type)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.cfg.MaxPollDuration > 0 {
		timer := time.NewTimer(c.cfg.MaxPollDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()

	// Buffered so an abandoned probe can always deliver and exit.
	results := make(chan probeResult, 1)
	inFlight := false
	current := j

	stopped := func(reason string) string {
		if reason == "requested" {
			p.byRequest = true
		}
		logger.Info("Polling stopped", "reason", reason)
		c.publish(job.Event{Kind: job.EventStopped, Token: token, Job: current})
		return OutcomeStopped
	}
	failed := func(err error, outcome string) string {
		logger.Warn("Job update failed", "error", err)
		c.publish(job.Event{Kind: job.EventUpdateFailed, Token: token, Job: current, Err: err})
		return outcome
	}

	for {
		select {
		case <-p.stop:
			return stopped("requested")

		case <-ctx.Done():
			return stopped("shutdown")

		case <-deadline:
			return failed(apperrors.Transport("lifecycle.poll",
				fmt.Errorf("%w after %s", apperrors.ErrPollTimeout, c.cfg.MaxPollDuration)), OutcomeTimeout)

		case <-ticker.C:
			if inFlight {
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordPollSkipped(ctx, jobType)
				}
				logger.Debug("Tick skipped, probe in flight")
				continue
			}
			inFlight = true
			go c.probe(probeCtx, j.ID, results)

		case r := <-results:
			inFlight = false
			if p.stopRequested() {
				return stopped("requested")
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordPoll(ctx, jobType, r.err == nil)
			}
			if r.err != nil {
				if errors.Is(r.err, context.Canceled) && ctx.Err() != nil {
					return stopped("shutdown")
				}
				return failed(r.err, OutcomeFailed)
			}

			known, err := c.registry.UpdateState(j.ID, r.state)
			switch {
			case !known:
				logger.Warn("State update for unknown job ignored")
				continue
			case err != nil:
				logger.Warn("Non-monotonic state ignored", "from", current.Status(), "to", r.state.Status)
				continue
			}
			current.State = r.state.Clone()
			c.publish(job.Event{Kind: job.EventUpdated, Token: token, Job: current})

			switch r.state.Status {
			case job.StatusCompleted:
				return c.complete(ctx, current, token, logger)
			case job.StatusCanceled:
				logger.Info("Job canceled")
				c.publish(job.Event{Kind: job.EventCompleted, Token: token, Job: current})
				return OutcomeCanceled
			}
		}
	}
}

// complete fetches the result of a completed job. It is called once per job.
func (c *Controller) complete(ctx context.Context, j job.Job, token string, logger *slog.Logger) string {
	ctx, span := c.tracer.Start(ctx, "lifecycle.result", trace.WithAttributes(jobIDAttr(j.ID)))
	defer span.End()

	result, err := c.gateway.GetJobResult(ctx, j.ID)
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("Polling stopped", "reason", "shutdown")
			c.publish(job.Event{Kind: job.EventStopped, Token: token, Job: j})
			return OutcomeStopped
		}
		logger.Warn("Result fetch failed", "error", err)
		c.publish(job.Event{Kind: job.EventUpdateFailed, Token: token, Job: j, Err: err})
		return OutcomeFailed
	}

	if !c.registry.UpdateResult(j.ID, result) {
		logger.Warn("Result for unknown job ignored")
	}
	logger.Info("Job completed", "errors", len(result.Errors), "warnings", len(result.Warnings))
	c.publish(job.Event{Kind: job.EventCompleted, Token: token, Job: j, Result: &result})
	return OutcomeCompleted
}

func (c *Controller) probe(ctx context.Context, id string, out chan<- probeResult) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.probe", trace.WithAttributes(jobIDAttr(id)))
	defer span.End()

	state, err := c.gateway.GetJobState(ctx, id)
	if err != nil {
		recordSpanError(span, err)
	} else {
		span.SetAttributes(attribute.String("job.status", string(state.Status)))
	}
	out <- probeResult{state: state, err: err}
}

func jobIDAttr(id string) attribute.KeyValue {
	return attribute.String("job.id", id)
}

func jobTypeAttr(t job.Type) attribute.KeyValue {
	return attribute.String("job.type", string(t))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
