package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// TokenHeader carries the shared API token on authenticated requests.
const TokenHeader = "X-Agent-API-Token"

// securityHeaders sets the usual browser hardening headers on every response.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// tokenAuth guards every route except the health and metrics probes when
// a token is configured. An empty token disables auth entirely, which is
// the expected mode for a loopback-only deployment.
func tokenAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if token == "" {
				return next(c)
			}
			switch c.Request().URL.Path {
			case "/healthz", "/metrics":
				return next(c)
			}
			got := c.Request().Header.Get(TokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API token")
			}
			return next(c)
		}
	}
}
