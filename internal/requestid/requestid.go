// Package requestid propagates request IDs through contexts and fiber handlers.
package requestid

import (
	"context"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Header carries the request ID on requests and responses.
const Header = "X-Request-ID"

const localsKey = "request_id"

type ctxKey struct{}

var inboundRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Middleware assigns every request an ID, reusing a well-formed inbound
// X-Request-ID header, and exposes it on the response and user context.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(Header)
		var ctx context.Context
		if inboundRe.MatchString(id) {
			ctx = WithRequestID(c.UserContext(), id)
		} else {
			ctx, id = New(c.UserContext())
		}
		c.SetUserContext(ctx)
		c.Set(Header, id)
		c.Locals(localsKey, id)
		return c.Next()
	}
}

// FromFiber returns the ID assigned by Middleware, or "".
func FromFiber(c *fiber.Ctx) string {
	id, _ := c.Locals(localsKey).(string)
	return id
}
