package api

import (
	"errors"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/token"
)

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// tokenAuth authenticates every request through the gateway token verifier.
// Loopback clients skip the token comparison but still consume a rate-limit
// slot; everything else must present the bearer token.
func (s *Server) tokenAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.verifier == nil {
				return next(c)
			}
			host := clientHost(c.Request())
			if err := s.verifier.Verify(host, bearerToken(c.Request()), host); err != nil {
				if errors.Is(err, token.ErrInvalidToken) {
					return c.JSON(http.StatusUnauthorized, Envelope{
						Error: &APIError{Kind: "invalid_token", Message: "invalid gateway token"},
					})
				}
				return respondError(c, err)
			}
			return next(c)
		}
	}
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return t
	}
	return ""
}
