// Package registry holds the in-memory table of jobs known to the control plane.
//
// The registry has a single writer, the lifecycle controller. Everything read
// out of it is a deep copy, so callers can never mutate a stored row.
package registry

import (
	"fmt"
	"sync"

	"afterglow/internal/apperrors"
	"afterglow/internal/job"
)

// Registry is an append-only table of jobs keyed by id. Ids are listed in
// insertion order and, once present, are never removed.
type Registry struct {
	mu         sync.RWMutex
	orderedIDs []string
	byID       map[string]*job.Entity
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID: make(map[string]*job.Entity),
	}
}

// Insert adds a newly created job. It fails if the job has no id or the id is
// already present.
func (r *Registry) Insert(j job.Job) error {
	if j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "already registered")
	}
	r.byID[j.ID] = &job.Entity{Job: j.Clone()}
	r.orderedIDs = append(r.orderedIDs, j.ID)
	return nil
}

// UpdateState replaces the state of a known job. It returns false without
// writing anything when the id is unknown.
//
// A state that would move the status backwards, or out of a terminal status,
// is rejected with an error and leaves the row untouched.
func (r *Registry) UpdateState(id string, state job.State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	if current := e.Job.Status(); !current.CanTransitionTo(state.Status) {
		return true, apperrors.Conflict("job", id, fmt.Sprintf("invalid status transition %q -> %q", current, state.Status))
	}
	e.Job.State = (&state).Clone()
	return true, nil
}

// UpdateResult stores the result of a known job. It returns false without
// writing anything when the id is unknown.
func (r *Registry) UpdateResult(id string, result job.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false
	}
	e.Result = (&result).Clone()
	return true
}

// Get returns a snapshot of the row for id.
func (r *Registry) Get(id string) (job.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return job.Entity{}, false
	}
	return e.Clone(), true
}

// All returns snapshots of every row in insertion order.
func (r *Registry) All() []job.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Entity, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Len returns the number of jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orderedIDs)
}
