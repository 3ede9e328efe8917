// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the backend client, ledger and artifact store.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Dependency is a named readiness check. A failing non-critical dependency
// degrades readiness instead of failing it.
type Dependency struct {
	Name     string
	Checker  ReadinessChecker
	Critical bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	deps    []Dependency
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{
		deps:    deps,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Every dependency is checked concurrently. Status lookups keep working
// from the ledger while the compute backend is down, so the backend is
// registered as non-critical.
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

	// Use cached result if recent (avoid hammering dependencies)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	if len(c.deps) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"dependencies": {Status: StatusUnhealthy, Message: "no dependencies configured"},
			},
		}
	}

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.check(ctx, dep)
		}()
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(c.deps))
	overallStatus := StatusHealthy
	for i, dep := range c.deps {
		checks[dep.Name] = results[i]
		switch {
		case results[i].Status == StatusHealthy:
		case dep.Critical:
			overallStatus = StatusUnhealthy
		case overallStatus == StatusHealthy:
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, dep Dependency) CheckResult {
	if dep.Checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: dep.Name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := dep.Checker.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true if the service can take traffic, possibly degraded.
func (r *Response) IsReady() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
