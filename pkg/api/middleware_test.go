package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func TestTokenAuth(t *testing.T) {
	newApp := func(token string) *echo.Echo {
		e := echo.New()
		e.Use(tokenAuth(token))
		e.GET("/guarded", func(c *echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})
		e.GET("/healthz", func(c *echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})
		e.GET("/metrics", func(c *echo.Context) error {
			return c.String(http.StatusOK, "ok")
		})
		return e
	}

	tests := []struct {
		name     string
		token    string
		path     string
		header   string
		wantCode int
	}{
		{"no token configured passes", "", "/guarded", "", http.StatusOK},
		{"missing header rejected", "secret", "/guarded", "", http.StatusUnauthorized},
		{"wrong token rejected", "secret", "/guarded", "guess", http.StatusUnauthorized},
		{"matching token passes", "secret", "/guarded", "secret", http.StatusOK},
		{"healthz open despite token", "secret", "/healthz", "", http.StatusOK},
		{"metrics open despite token", "secret", "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newApp(tt.token)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(TokenHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
