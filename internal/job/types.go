// Package job defines the jobs tracked by the control plane: their identity,
// remote state, results, typed specifications and lifecycle events.
package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Type discriminates job specifications on the wire.
type Type string

const (
	TypePixelOps         Type = "pixelops"
	TypeAlignment        Type = "alignment"
	TypeStacking         Type = "stacking"
	TypeSourceExtraction Type = "sourceextraction"
	TypePhotometry       Type = "photometry"
	TypeCatalogQuery     Type = "catalogquery"
	TypeSonification     Type = "sonification"
	TypeWcsCalibration   Type = "wcscalibration"
	TypeFieldCalibration Type = "fieldcal"
)

// Status is the remote status of a job. It only moves forward:
// pending -> in_progress -> {completed | canceled}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCanceled   Status = "canceled"
	StatusCompleted  Status = "completed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
// Pending may jump straight to a terminal status since in_progress is inferred,
// not always observed.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == "" {
		return true
	}
	if s.IsTerminal() {
		return s == next
	}
	return next.rank() >= s.rank()
}

// State is the remote state snapshot returned by GET /jobs/{id}/state.
type State struct {
	Status      Status     `json:"status"`
	CreatedOn   time.Time  `json:"createdOn"`
	CompletedOn *time.Time `json:"completedOn"`
	Progress    float64    `json:"progress"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.CompletedOn != nil {
		t := *s.CompletedOn
		c.CompletedOn = &t
	}
	return &c
}

// Job is a server-tracked unit of computation. ID is empty only between
// submission and the gateway's creation response.
type Job struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	State *State `json:"state"`
}

// Status returns the job's last known status, or "" if no state is known.
func (j Job) Status() Status {
	if j.State == nil {
		return ""
	}
	return j.State.Status
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	j.State = j.State.Clone()
	return j
}

// ResultError is a domain error reported inside a completed result.
type ResultError struct {
	ID     string         `json:"id"`
	Detail string         `json:"detail"`
	Status string         `json:"status"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func (e ResultError) Error() string {
	if e.ID == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Detail)
}

// Result is the outcome of a completed job. The server body is kept verbatim in
// Raw so type-specific fields can be decoded later with Decode.
type Result struct {
	Errors   []ResultError
	Warnings []string
	Raw      json.RawMessage
}

type resultJSON struct {
	Errors   []ResultError `json:"errors"`
	Warnings []string      `json:"warnings"`
}

// UnmarshalJSON keeps the full body and extracts the common fields.
func (r *Result) UnmarshalJSON(data []byte) error {
	var common resultJSON
	if err := json.Unmarshal(data, &common); err != nil {
		return err
	}
	r.Errors = common.Errors
	r.Warnings = common.Warnings
	r.Raw = slices.Clone(data)
	return nil
}

// MarshalJSON writes the verbatim server body when present.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	common := resultJSON{Errors: r.Errors, Warnings: r.Warnings}
	if common.Errors == nil {
		common.Errors = []ResultError{}
	}
	if common.Warnings == nil {
		common.Warnings = []string{}
	}
	return json.Marshal(common)
}

// Decode unmarshals the type-specific payload into v.
func (r *Result) Decode(v any) error {
	if len(r.Raw) == 0 {
		return fmt.Errorf("result has no payload")
	}
	return json.Unmarshal(r.Raw, v)
}

// Failed reports whether the computation reported any domain error.
func (r *Result) Failed() bool {
	return r != nil && len(r.Errors) > 0
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := &Result{
		Errors:   make([]ResultError, len(r.Errors)),
		Warnings: slices.Clone(r.Warnings),
		Raw:      slices.Clone(r.Raw),
	}
	for i, e := range r.Errors {
		e.Meta = maps.Clone(e.Meta)
		c.Errors[i] = e
	}
	return c
}

// Entity is a registry row: the job and, once fetched, its result.
type Entity struct {
	Job    Job     `json:"job"`
	Result *Result `json:"result"`
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	return Entity{Job: e.Job.Clone(), Result: e.Result.Clone()}
}
