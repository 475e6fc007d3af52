package job

import (
	"encoding/json"
	"slices"
	"time"
)

// EventKind is the explicit discriminant of a lifecycle Event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventCreateFailed EventKind = "createfailed"
	EventUpdated      EventKind = "updated"
	EventUpdateFailed EventKind = "updatefailed"
	EventCompleted    EventKind = "completed"
	EventStopped      EventKind = "stopped"
)

// Event is one lifecycle notification. Which fields are set depends on Kind:
//
//	created       Job, Polled
//	createfailed  Spec, Err
//	updated       Job
//	updatefailed  Job, Err
//	completed     Job, Result (nil when the job was canceled)
//	stopped       Job
//
// Job, Spec and Result are snapshots owned by the receiver.
type Event struct {
	Kind   EventKind
	Token  string
	Job    Job
	Spec   Spec
	Result *Result
	Err    error
	Polled bool
	At     time.Time
}

// JobID returns the id of the job the event refers to, empty for createfailed.
func (e Event) JobID() string {
	return e.Job.ID
}

// Failed reports whether the event is a client-side failure (creation or transport).
func (e Event) Failed() bool {
	return e.Kind == EventCreateFailed || e.Kind == EventUpdateFailed
}

// Canceled reports whether the event is the completion of a canceled job.
func (e Event) Canceled() bool {
	return e.Kind == EventCompleted && e.Job.Status() == StatusCanceled
}

// Terminal reports whether the event ends its job's lifecycle. A creation event
// is terminal when the job is not being polled.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventCreateFailed, EventUpdateFailed, EventCompleted, EventStopped:
		return true
	case EventCreated:
		return !e.Polled
	}
	return false
}

// Clone returns a copy of the event that shares nothing mutable with e.
func (e Event) Clone() Event {
	e.Job = e.Job.Clone()
	e.Result = e.Result.Clone()
	e.Spec = cloneSpec(e.Spec)
	return e
}

// cloneSpec deep-copies s through its wire form. A spec that fails to
// round-trip is returned as is.
func cloneSpec(s Spec) Spec {
	if s == nil {
		return nil
	}
	data, err := MarshalSpec(s)
	if err != nil {
		return s
	}
	out, err := UnmarshalSpec(data)
	if err != nil {
		return s
	}
	return out
}

type eventJSON struct {
	Kind   EventKind       `json:"kind"`
	Token  string          `json:"token"`
	Job    *Job            `json:"job,omitempty"`
	Spec   json.RawMessage `json:"spec,omitempty"`
	Result *Result         `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Polled bool            `json:"polled,omitempty"`
	At     time.Time       `json:"at"`
}

// MarshalJSON renders the event for stream consumers.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Kind:   e.Kind,
		Token:  e.Token,
		Result: e.Result,
		Polled: e.Polled,
		At:     e.At,
	}
	if e.Kind != EventCreateFailed {
		j := e.Job
		out.Job = &j
	}
	if e.Spec != nil {
		spec, err := MarshalSpec(e.Spec)
		if err != nil {
			return nil, err
		}
		out.Spec = spec
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// FilteredEvents returns true if the event kind should be relayed based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(kind EventKind, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, string(kind))
}
