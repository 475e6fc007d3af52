package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("gateway unreachable") }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()

	c := NewChecker().Require("gateway", ReadinessFunc(fail))
	if resp := c.Liveness(context.Background()); resp.Status != StatusHealthy {
		t.Errorf("Liveness = %s, want healthy", resp.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		checker *Checker
		want    Status
		healthy bool
	}{
		{"no dependencies", NewChecker(), StatusHealthy, true},
		{"all ready", NewChecker().Require("gateway", ReadinessFunc(ok)).Observe("relay", ReadinessFunc(ok)), StatusHealthy, true},
		{"critical failing", NewChecker().Require("gateway", ReadinessFunc(fail)), StatusUnhealthy, false},
		{"optional failing", NewChecker().Require("gateway", ReadinessFunc(ok)).Observe("relay", ReadinessFunc(fail)), StatusDegraded, true},
		{"not configured", NewChecker().Require("gateway", nil), StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := tt.checker.Readiness(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Status = %s, want %s (%+v)", resp.Status, tt.want, resp.Checks)
			}
			if resp.IsHealthy() != tt.healthy {
				t.Errorf("IsHealthy = %v, want %v", resp.IsHealthy(), tt.healthy)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := NewChecker().Require("gateway", ReadinessFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	for range 3 {
		c.Readiness(context.Background())
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("gateway checked %d times, want 1", got)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()

	c := NewChecker().Require("gateway", ReadinessFunc(ok))
	c.Readiness(context.Background())
	c.SetShuttingDown()

	resp := c.Readiness(context.Background())
	if resp.IsHealthy() {
		t.Fatal("readiness should fail while shutting down")
	}
	if _, ok := resp.Checks["shutdown"]; !ok {
		t.Errorf("missing shutdown check: %+v", resp.Checks)
	}
}
