package requestid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id) // generates new UUID
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(FromFiber(c) + "|" + FromContext(c.UserContext()))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	id := resp.Header.Get(Header)
	assert.NotEmpty(t, id)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, id+"|"+id, string(body))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "client-abc.1")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "client-abc.1", resp.Header.Get(Header))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "bad id\nwith newline")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.NotEqual(t, "bad id\nwith newline", resp.Header.Get(Header))
}
