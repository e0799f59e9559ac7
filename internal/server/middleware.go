package server

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/specboard/internal/requestid"
)

const tunneledKey = "tunneled"

// Headers set by tunnel edges on forwarded requests.
var forwardedHeaders = []string{"Cf-Connecting-Ip", "X-Forwarded-For", "X-Forwarded-Host"}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// accessLog records request metrics and logs every non-probe request.
func (s *Server) accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		s.metrics.RecordRequest(route, strconv.Itoa(status))
		s.metrics.ObserveDuration(route, time.Since(start).Seconds())

		if !isProbe(c.Path()) {
			s.logger.Debug().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Str("ip", c.IP()).
				Dur("took", time.Since(start)).
				Str("request_id", requestid.FromFiber(c)).
				Msg("request")
		}
		return err
	}
}

// detectTunnel marks requests that arrived through the active tunnel and
// records them as visitors.
func (s *Server) detectTunnel() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.tunnel == nil || !s.tunnel.Active() {
			return c.Next()
		}
		if !s.arrivedViaTunnel(c) {
			return c.Next()
		}
		c.Locals(tunneledKey, true)
		if !isProbe(c.Path()) {
			s.tunnel.RecordVisitor(visitorIP(c), c.Get(fiber.HeaderUserAgent))
		}
		return c.Next()
	}
}

func (s *Server) arrivedViaTunnel(c *fiber.Ctx) bool {
	if u, err := url.Parse(s.tunnel.URL()); err == nil && u.Hostname() != "" {
		if strings.EqualFold(u.Hostname(), c.Hostname()) {
			return true
		}
	}
	for _, h := range forwardedHeaders {
		if c.Get(h) != "" {
			return true
		}
	}
	return false
}

func tunneled(c *fiber.Ctx) bool {
	v, _ := c.Locals(tunneledKey).(bool)
	return v
}

func visitorIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("Cf-Connecting-Ip")); ip != "" {
		return ip
	}
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.IP()
}

// localOnly rejects requests that came through the tunnel.
func (s *Server) localOnly(c *fiber.Ctx) error {
	if tunneled(c) {
		return problemResponse(c, fiber.StatusForbidden,
			"local_only", "Forbidden",
			"Tunnel control is only available from the local machine")
	}
	return c.Next()
}

// RateLimitConfig holds rate limiter configuration for tunneled traffic.
type RateLimitConfig struct {
	RPS   float64 // requests per second
	Burst int     // burst size
}

type rateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	limit    rate.Limit
	burst    int
	maxIdle  time.Duration
	lastScan time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastScan) > rl.maxIdle {
		for k, v := range rl.clients {
			if now.Sub(v.lastSeen) > rl.maxIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastScan = now
	}

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// newRateLimitMiddleware limits tunneled requests per visitor IP. Local
// requests are never limited.
func newRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS) + 1
	}
	rl := &rateLimiter{
		clients:  make(map[string]*client),
		limit:    rate.Limit(cfg.RPS),
		burst:    burst,
		maxIdle:  10 * time.Minute,
		lastScan: time.Now(),
	}

	return func(c *fiber.Ctx) error {
		if !tunneled(c) || isProbe(c.Path()) {
			return c.Next()
		}
		if !rl.allow(visitorIP(c), time.Now()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
