// Package gateway talks to the remote computation service that runs jobs.
//
// A Gateway is pure I/O: it performs no retries and holds no job state. Every
// failure it returns is classified as apperrors.ErrTransport.
package gateway

import (
	"context"

	"afterglow/internal/job"
)

// Gateway is the remote job API.
type Gateway interface {
	// CreateJob submits a job. The returned job carries its assigned id and an
	// initial pending state.
	CreateJob(ctx context.Context, spec job.Spec) (job.Job, error)

	// GetJobState returns the current remote state of a job.
	GetJobState(ctx context.Context, id string) (job.State, error)

	// GetJobResult returns the result of a completed job. This is a pure read:
	// repeated calls return the same body.
	GetJobResult(ctx context.Context, id string) (job.Result, error)

	// CancelJob asks the service to cancel a job and returns the updated
	// snapshot. The remote job may keep running regardless.
	CancelJob(ctx context.Context, id string) (job.Job, error)
}

// MetricsRecorder is an optional interface for recording gateway call metrics.
type MetricsRecorder interface {
	RecordGatewayRequest(ctx context.Context, op string, success bool, durationSeconds float64)
}

// Operation names used in errors, logs and metrics.
const (
	OpCreateJob    = "gateway.createJob"
	OpGetJobState  = "gateway.getJobState"
	OpGetJobResult = "gateway.getJobResult"
	OpCancelJob    = "gateway.cancelJob"
)
