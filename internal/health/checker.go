// Package health provides liveness and readiness reporting for the bridge.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by dependencies that can report whether
// they are able to serve, such as the job gateway.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready calls f.
func (f ReadinessFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a single check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the service can take traffic. A degraded service
// still can.
func (r *Response) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

type check struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker runs readiness checks against registered dependencies.
type Checker struct {
	checks   []check
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker with no dependencies registered.
func NewChecker() *Checker {
	return &Checker{
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Require registers a dependency whose failure makes the service unhealthy.
func (c *Checker) Require(name string, rc ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: rc, critical: true})
	return c
}

// Observe registers a dependency whose failure only degrades the service.
func (c *Checker) Observe(name string, rc ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: rc})
	return c
}

// Liveness reports that the process is running. It never calls dependencies.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every registered check, reusing a result younger than a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for _, chk := range c.checks {
		result := c.run(ctx, chk.checker)
		if result.Status != StatusHealthy {
			result.Status = StatusDegraded
			if chk.critical {
				result.Status = StatusUnhealthy
				resp.Status = StatusUnhealthy
			} else if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
		resp.Checks[chk.name] = result
	}

	c.mu.Lock()
	c.cachedReady = resp
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return resp
}

func (c *Checker) run(ctx context.Context, rc ReadinessChecker) CheckResult {
	if rc == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := rc.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes readiness fail from now on so load balancers stop
// routing new submissions here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
