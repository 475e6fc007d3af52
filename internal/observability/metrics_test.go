package observability

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("Expected metrics and handler to be non-nil")
	}
}

func TestRecorders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	m.RecordHTTPRequest(ctx, "POST", "/v1/submissions", 202, 0.05)
	m.RecordHTTPRequest(ctx, "GET", "/v1/jobs/42", 404, 0.01)
	m.RecordGatewayRequest(ctx, "gateway.getJobState", true, 0.02)
	m.RecordGatewayRequest(ctx, "gateway.createJob", false, 1.5)
	m.RecordJobSubmitted(ctx, "stacking")
	m.RecordJobCreateFailed(ctx, "photometry")
	m.RecordPoll(ctx, "stacking", true)
	m.RecordPollSkipped(ctx, "stacking")
	m.RecordJobFinished(ctx, "stacking", "completed", 12)
	m.RecordStreamOpened(ctx)
	m.RecordStreamClosed(ctx)
	m.RecordDispatcherDelivered(ctx, 0.1)
	m.RecordDispatcherFailed(ctx)
	m.RecordDispatcherDropped(ctx)
	m.RecordDispatcherRequeued(ctx)
	m.RecordDispatcherQueueSize(ctx, 3)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/", "/v1/jobs/"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/42/cancel", "/v1/jobs/{jobId}/cancel"},
		{"/v1/streams/8f2c", "/v1/streams/{token}"},
		{"/v1/submissions", "/v1/submissions"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, "afterglow-test", "")
	if err != nil {
		t.Fatalf("InitTracing() without endpoint error = %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("no-op shutdown error = %v", err)
	}

	shutdown, err = InitTracing(ctx, "afterglow-test", "http://127.0.0.1:4318")
	if err != nil {
		t.Logf("InitTracing() returned error in this environment: %v", err)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = shutdown(sctx)
}
