// Package health provides liveness and readiness endpoints for specboard.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Status represents the health status of a component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc reports a component's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for the server's components.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", n).Str("status", string(s)).Msg("health check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent RunAll.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return ready(c.RunAll(ctx))
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler serves /healthz.
func LivenessHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	}
}

// ReadinessHandler serves /readyz.
func (c *Checker) ReadinessHandler() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		results := c.RunAll(ctx.UserContext())
		resp := fiber.Map{"checks": results}
		if ready(results) {
			resp["status"] = "ready"
			return ctx.Status(fiber.StatusOK).JSON(resp)
		}
		resp["status"] = "not_ready"
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
}
