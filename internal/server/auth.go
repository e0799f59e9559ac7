package server

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie holds the tunnel session token.
const SessionCookie = "specboard_session"

const sessionSubject = "tunnel-visitor"

// sessionSigner issues HS256 tokens bound to one tunnel URL, so a token
// from a previous tunnel is rejected once a new one starts.
type sessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newSessionSigner(secret []byte, ttl time.Duration) (*sessionSigner, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	return &sessionSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (s *sessionSigner) issue(audience string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, exp, nil
}

func (s *sessionSigner) verify(token, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithSubject(sessionSubject),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid session token")
	}
	return nil
}

func sessionToken(c *fiber.Ctx) string {
	if v := c.Cookies(SessionCookie); v != "" {
		return v
	}
	if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireTunnelSession demands a valid session from tunneled requests while
// the tunnel is password protected.
func (s *Server) requireTunnelSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !tunneled(c) || s.tunnel.Password() == "" {
			return c.Next()
		}
		path := c.Path()
		if isProbe(path) || path == "/api/tunnel/auth" {
			return c.Next()
		}

		token := sessionToken(c)
		if token == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_session", "Unauthorized",
				"This dashboard is password protected")
		}
		if err := s.sessions.verify(token, s.tunnel.URL()); err != nil {
			s.logger.Debug().Err(err).Str("ip", visitorIP(c)).Msg("rejected tunnel session")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_session", "Unauthorized",
				"Session expired or invalid")
		}
		return c.Next()
	}
}

// AuthRequest is the body of POST /api/tunnel/auth.
type AuthRequest struct {
	Password string `json:"password"`
}

func (s *Server) tunnelAuth(c *fiber.Ctx) error {
	if s.tunnel == nil || s.tunnel.Password() == "" {
		return c.JSON(fiber.Map{"authenticated": true, "required": false})
	}

	var req AuthRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Request body must be JSON with a password field")
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.tunnel.Password())) != 1 {
		s.logger.Warn().Str("ip", visitorIP(c)).Msg("failed tunnel login")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_password", "Unauthorized",
			"Incorrect password")
	}

	token, exp, err := s.sessions.issue(s.tunnel.URL())
	if err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HTTPOnly: true,
		Secure:   strings.HasPrefix(s.tunnel.URL(), "https://"),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(fiber.Map{"authenticated": true, "required": true, "expiresAt": exp})
}
