package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"afterglow/internal/job"
)

// Slot enforces "latest request wins" for one logical purpose, such as the
// current alignment job of a workspace. Each Submit supersedes the previous
// one; consumers check Current before acting on a result. With stopSuperseded
// the superseded job's polling is also stopped in the background, so Submit
// never waits on the old job's loop.
type Slot struct {
	ctl            Controller
	stopSuperseded bool
	logger         *slog.Logger

	mu    sync.Mutex
	gen   uint64
	token string
	jobID string
}

// NewSlot creates an empty slot.
func NewSlot(ctl Controller, stopSuperseded bool) *Slot {
	return &Slot{ctl: ctl, stopSuperseded: stopSuperseded, logger: slog.With("component", "slot")}
}

// Next supersedes the current token and returns a new one.
func (s *Slot) Next() string {
	token, _ := s.next()
	return token
}

func (s *Slot) next() (token, previousJob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	previousJob = s.jobID
	s.token = NewToken()
	s.jobID = ""
	return s.token, previousJob
}

// Current reports whether token is the slot's latest.
func (s *Slot) Current(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && token == s.token
}

// Generation returns how many tokens the slot has issued.
func (s *Slot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Submit supersedes the previous request and submits spec under a new token.
func (s *Slot) Submit(spec job.Spec, pollInterval time.Duration) (*Stream, error) {
	token, previous := s.next()
	if s.stopSuperseded && previous != "" {
		go s.ctl.Stop(previous)
	}

	stream := Watch(s.ctl, token)
	if err := s.ctl.Submit(spec, token, pollInterval); err != nil {
		stream.Close()
		return nil, err
	}
	go s.adopt(stream)
	return stream, nil
}

// adopt records the created job id, or stops the job if the slot moved on
// while it was being created.
func (s *Slot) adopt(stream *Stream) {
	first, err := stream.First(context.Background())
	if err != nil || first.Kind != job.EventCreated {
		return
	}

	s.mu.Lock()
	current := s.token == stream.Token()
	if current {
		s.jobID = first.JobID()
	}
	s.mu.Unlock()

	if !current && s.stopSuperseded && first.Polled {
		s.logger.Debug("Stopping superseded job", "jobId", first.JobID(), "token", stream.Token())
		s.ctl.Stop(first.JobID())
	}
}
