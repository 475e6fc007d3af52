// Package gatewaytest provides a scriptable in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/gateway"
	"afterglow/internal/job"
)

// Step is one scripted response to GetJobState.
type Step struct {
	State job.State
	Err   error
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Pending returns a pending step.
func Pending() Step { return Step{State: job.State{Status: job.StatusPending, CreatedOn: epoch}} }

// InProgress returns an in-progress step with the given progress.
func InProgress(progress float64) Step {
	return Step{State: job.State{Status: job.StatusInProgress, CreatedOn: epoch, Progress: progress}}
}

// Completed returns a completed step.
func Completed() Step {
	done := epoch.Add(time.Minute)
	return Step{State: job.State{Status: job.StatusCompleted, CreatedOn: epoch, CompletedOn: &done, Progress: 1}}
}

// Canceled returns a canceled step.
func Canceled() Step {
	done := epoch.Add(time.Minute)
	return Step{State: job.State{Status: job.StatusCanceled, CreatedOn: epoch, CompletedOn: &done}}
}

// Failure returns a step whose probe fails with a transport error.
func Failure(msg string) Step {
	return Step{Err: apperrors.Transport(gateway.OpGetJobState, errors.New(msg))}
}

// Fake is a Gateway whose answers are scripted per job id. Ids are assigned
// sequentially starting at "1". The last scripted step of a job repeats.
type Fake struct {
	// BeforeCreate, when set, runs at the start of every CreateJob call
	// without the fake's lock held. Set it before the fake is used.
	BeforeCreate func(ctx context.Context, spec job.Spec)

	mu         sync.Mutex
	seq        int
	createErr  error
	cancelErr  error
	types      map[string]job.Type
	steps      map[string][]Step
	pos        map[string]int
	results    map[string]job.Result
	resultErrs map[string]error
	calls      map[string]int
	inFlight   map[string]int
	maxFlight  map[string]int
	gate       chan struct{}
	resultGate chan struct{}
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		types:      make(map[string]job.Type),
		steps:      make(map[string][]Step),
		pos:        make(map[string]int),
		results:    make(map[string]job.Result),
		resultErrs: make(map[string]error),
		calls:      make(map[string]int),
		inFlight:   make(map[string]int),
		maxFlight:  make(map[string]int),
	}
}

// SkipIDs advances the id sequence by n.
func (f *Fake) SkipIDs(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq += n
}

// SetStates scripts the GetJobState responses for id.
func (f *Fake) SetStates(id string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[id] = steps
	f.pos[id] = 0
}

// SetResult scripts the GetJobResult response for id.
func (f *Fake) SetResult(id string, r job.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = r
}

// FailResult makes GetJobResult fail for id.
func (f *Fake) FailResult(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultErrs[id] = err
}

// FailCreate makes every CreateJob call fail with err. A nil err clears it.
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FailCancel makes every CancelJob call fail with err.
func (f *Fake) FailCancel(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelErr = err
}

// Hold blocks every GetJobState call until Release is called or the call's
// context ends.
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks held GetJobState calls.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// HoldResults blocks every GetJobResult call until ReleaseResults is called
// or the call's context ends.
func (f *Fake) HoldResults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultGate == nil {
		f.resultGate = make(chan struct{})
	}
}

// ReleaseResults unblocks held GetJobResult calls.
func (f *Fake) ReleaseResults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultGate != nil {
		close(f.resultGate)
		f.resultGate = nil
	}
}

// Calls returns how many times op was invoked for id. Use an empty id for
// CreateJob.
func (f *Fake) Calls(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+"/"+id]
}

// MaxInFlight returns the highest number of concurrent GetJobState calls seen
// for id.
func (f *Fake) MaxInFlight(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight[id]
}

func (f *Fake) CreateJob(ctx context.Context, spec job.Spec) (job.Job, error) {
	if f.BeforeCreate != nil {
		f.BeforeCreate(ctx, spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[gateway.OpCreateJob+"/"]++
	if err := ctx.Err(); err != nil {
		return job.Job{}, apperrors.Transport(gateway.OpCreateJob, err)
	}
	if f.createErr != nil {
		return job.Job{}, f.createErr
	}
	f.seq++
	id := strconv.Itoa(f.seq)
	f.types[id] = spec.JobType()
	st := Pending().State
	return job.Job{ID: id, Type: spec.JobType(), State: &st}, nil
}

func (f *Fake) GetJobState(ctx context.Context, id string) (job.State, error) {
	f.mu.Lock()
	f.calls[gateway.OpGetJobState+"/"+id]++
	f.inFlight[id]++
	if f.inFlight[id] > f.maxFlight[id] {
		f.maxFlight[id] = f.inFlight[id]
	}
	gate := f.gate
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[id]--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return job.State{}, apperrors.Transport(gateway.OpGetJobState, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.steps[id]
	if len(steps) == 0 {
		return Pending().State, nil
	}
	i := f.pos[id]
	if i < len(steps)-1 {
		f.pos[id] = i + 1
	}
	step := steps[i]
	return step.State, step.Err
}

func (f *Fake) GetJobResult(ctx context.Context, id string) (job.Result, error) {
	f.mu.Lock()
	f.calls[gateway.OpGetJobResult+"/"+id]++
	gate := f.resultGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return job.Result{}, apperrors.Transport(gateway.OpGetJobResult, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resultErrs[id]; err != nil {
		return job.Result{}, err
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return job.Result{Errors: []job.ResultError{}, Warnings: []string{}}, nil
}

func (f *Fake) CancelJob(ctx context.Context, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[gateway.OpCancelJob+"/"+id]++
	if f.cancelErr != nil {
		return job.Job{}, f.cancelErr
	}
	st := Canceled().State
	return job.Job{ID: id, Type: f.types[id], State: &st}, nil
}

// Verify Fake implements Gateway
var _ gateway.Gateway = (*Fake)(nil)
