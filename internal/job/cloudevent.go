package job

import (
	"afterglow/pkg/cloudevent"

	"github.com/google/uuid"
)

// CloudEventTypePrefix prefixes the CloudEvent type of relayed lifecycle events,
// e.g. "afterglow.job.completed".
const CloudEventTypePrefix = "afterglow.job."

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build converts a lifecycle event into a CloudEvent whose subject is the job id.
func (b *EventBuilder) Build(e Event) *cloudevent.CloudEvent {
	data := map[string]any{
		"token": e.Token,
	}
	if e.Kind != EventCreateFailed {
		data["jobId"] = e.Job.ID
		data["jobType"] = e.Job.Type
		if e.Job.State != nil {
			data["status"] = e.Job.State.Status
			data["progress"] = e.Job.State.Progress
		}
	}
	if e.Spec != nil {
		data["jobType"] = e.Spec.JobType()
	}
	if e.Kind == EventCompleted {
		data["canceled"] = e.Canceled()
		if e.Result != nil {
			data["errors"] = e.Result.Errors
			data["warnings"] = e.Result.Warnings
		}
	}
	if e.Err != nil {
		data["error"] = e.Err.Error()
	}

	ce := cloudevent.New(CloudEventTypePrefix+string(e.Kind), b.source, e.Job.ID, uuid.NewString(), data)
	if !e.At.IsZero() {
		ce.Time = e.At.UTC()
	}
	return ce
}
