package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/requestid"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Status      int      `json:"status"`
	Detail      string   `json:"detail,omitempty"`
	Instance    string   `json:"instance,omitempty"`
	Code        string   `json:"code,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
	Attempted   []string `json:"attempted,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps domain errors onto problem responses.
func errorResponse(c *fiber.Ctx, err error) error {
	var tErr *perrors.TunnelProviderError
	switch {
	case errors.As(err, &tErr):
		status := fiber.StatusBadGateway
		switch tErr.Code {
		case perrors.CodeInvalidConfig, perrors.CodeProviderUnknown:
			status = fiber.StatusBadRequest
		case perrors.CodeProviderUnavailable, perrors.CodeNoProvider:
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(ProblemDetail{
			Type:        "tunnel_error",
			Title:       "Tunnel Error",
			Status:      status,
			Detail:      tErr.Error(),
			Instance:    c.Path(),
			Code:        tErr.Code,
			Remediation: tErr.Remediation,
			Attempted:   tErr.Attempted,
		})
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrDenied):
		return problemResponse(c, fiber.StatusForbidden, "forbidden", "Forbidden", err.Error())
	}
	return err
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("request_id", requestid.FromFiber(c)).
				Msg("unhandled error")
		}

		detail := err.Error()
		title := "Error"
		errType := "error"
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
			title = "Internal Server Error"
			errType = "internal_error"
		} else if code == fiber.StatusNotFound {
			title = "Not Found"
			errType = "not_found"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
