// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"agentd/internal/provider"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready implements ReadinessChecker.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

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

type check struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker performs health checks on dependencies. A failing critical check
// makes the service unhealthy; a failing optional one only degrades it.
type Checker struct {
	timeout time.Duration
	checks  []check

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second}
}

// Critical registers a check the service cannot work without.
func (c *Checker) Critical(name string, checker ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: checker, critical: true})
	return c
}

// Optional registers a check whose failure degrades the service.
func (c *Checker) Optional(name string, checker ReadinessChecker) *Checker {
	c.checks = append(c.checks, check{name: name, checker: checker})
	return c
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
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

	// Use cached result if recent (avoid hammering the store)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(c.checks)),
	}
	if len(c.checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["checks"] = CheckResult{Status: StatusUnhealthy, Message: "no checks configured"}
	}

	for _, chk := range c.checks {
		result := c.run(ctx, chk)
		response.Checks[chk.name] = result
		switch {
		case result.Status == StatusHealthy:
		case chk.critical:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, chk check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := chk.checker.Ready(ctx); err != nil {
		status := StatusDegraded
		if chk.critical {
			status = StatusUnhealthy
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a critical check failed.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
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

// ProviderInfos lists provider availability.
type ProviderInfos interface {
	Infos(ctx context.Context) []provider.Info
}

// Providers fails when no configured provider can take work, naming each
// unavailable one.
func Providers(p ProviderInfos) ReadinessChecker {
	return CheckFunc(func(ctx context.Context) error {
		infos := p.Infos(ctx)
		if len(infos) == 0 {
			return errors.New("no providers configured")
		}
		var down []string
		for _, info := range infos {
			if !info.Available {
				down = append(down, fmt.Sprintf("%s: %s", info.ID, info.Reason))
			}
		}
		if len(down) == 0 {
			return nil
		}
		sort.Strings(down)
		return errors.New(strings.Join(down, "; "))
	})
}
