package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/specboard/internal/tunnel"
)

func (s *Server) tunnelUnavailable(c *fiber.Ctx) error {
	return problemResponse(c, fiber.StatusServiceUnavailable,
		"tunnel_disabled", "Service Unavailable",
		"Tunnel support is not enabled on this server")
}

func (s *Server) tunnelStatus(c *fiber.Ctx) error {
	if s.tunnel == nil {
		return c.JSON(tunnel.Status{Providers: []string{}})
	}
	return c.JSON(s.tunnel.Status())
}

func (s *Server) startTunnel(c *fiber.Ctx) error {
	if s.tunnel == nil {
		return s.tunnelUnavailable(c)
	}
	var req tunnel.StartRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request", "Request body must be a JSON object")
		}
	}
	info, err := s.tunnel.Start(c.UserContext(), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", req.Provider).Msg("tunnel start failed")
		return errorResponse(c, err)
	}
	return c.JSON(info)
}

func (s *Server) stopTunnel(c *fiber.Ctx) error {
	if s.tunnel == nil {
		return s.tunnelUnavailable(c)
	}
	if err := s.tunnel.Stop(c.UserContext()); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"active": false})
}
