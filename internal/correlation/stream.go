// Package correlation narrows the lifecycle broadcast to the events of one
// correlation token.
package correlation

import (
	"context"
	"sync"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/job"
	"afterglow/internal/lifecycle"

	"github.com/google/uuid"
)

// Subscriber is the part of the lifecycle controller a Stream reads from.
type Subscriber interface {
	Subscribe(filter func(job.Event) bool) *lifecycle.Subscription
}

// Controller is the part of the lifecycle controller used to submit and stop
// correlated jobs.
type Controller interface {
	Subscriber
	Submit(spec job.Spec, token string, pollInterval time.Duration) error
	Stop(id string) bool
}

// NewToken returns a fresh random correlation token.
func NewToken() string {
	return uuid.NewString()
}

// Stream yields the events of one token: the created (or create-failed) event,
// any updates, then exactly one terminal event, after which the channel
// closes. A token is expected to name a single submission; the stream ends at
// the first terminal event it sees.
type Stream struct {
	token string
	sub   *lifecycle.Subscription

	events chan job.Event
	done   chan struct{}

	firstReady chan struct{}
	firstOnce  sync.Once
	first      job.Event
	hasFirst   bool

	closeOnce sync.Once
}

// Watch subscribes to token. Call it before submitting so no event is missed.
func Watch(src Subscriber, token string) *Stream {
	s := &Stream{
		token:      token,
		sub:        src.Subscribe(func(e job.Event) bool { return e.Token == token }),
		events:     make(chan job.Event),
		done:       make(chan struct{}),
		firstReady: make(chan struct{}),
	}
	go s.run()
	return s
}

// SubmitAndWatch submits spec under a fresh token and returns its stream.
func SubmitAndWatch(ctl Controller, spec job.Spec, pollInterval time.Duration) (*Stream, error) {
	s := Watch(ctl, NewToken())
	if err := ctl.Submit(spec, s.token, pollInterval); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Token returns the token the stream follows.
func (s *Stream) Token() string {
	return s.token
}

// Events returns the correlated events. The channel closes after the terminal
// event, after Close, or when the controller shuts down.
func (s *Stream) Events() <-chan job.Event {
	return s.events
}

// First waits for the stream's first event: created or create-failed. It
// resolves once, and every call returns the same event. If the stream ends
// before any event arrives it returns apperrors.ErrClosed.
func (s *Stream) First(ctx context.Context) (job.Event, error) {
	select {
	case <-s.firstReady:
		if !s.hasFirst {
			return job.Event{}, apperrors.ErrClosed
		}
		return s.first, nil
	case <-ctx.Done():
		return job.Event{}, ctx.Err()
	}
}

// Wait reads the stream to its end and returns the terminal event. It must not
// be combined with reads from Events.
func (s *Stream) Wait(ctx context.Context) (job.Event, error) {
	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				return job.Event{}, apperrors.ErrClosed
			}
			if e.Terminal() {
				return e, nil
			}
		case <-ctx.Done():
			return job.Event{}, ctx.Err()
		}
	}
}

// Close stops the stream and unsubscribes. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Stream) resolveFirst(e job.Event, ok bool) {
	s.firstOnce.Do(func() {
		s.first, s.hasFirst = e, ok
		close(s.firstReady)
	})
}

func (s *Stream) run() {
	defer close(s.events)
	defer s.sub.Close()
	defer s.resolveFirst(job.Event{}, false)

	for {
		select {
		case e, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if e.Kind == job.EventCreated || e.Kind == job.EventCreateFailed {
				s.resolveFirst(e, true)
			}
			select {
			case s.events <- e:
			case <-s.done:
				return
			}
			if e.Terminal() {
				return
			}
		case <-s.done:
			return
		}
	}
}
