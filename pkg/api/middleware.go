package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
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

// adminAuth requires the "Authorization: Bearer <token>" header to match
// wantToken, compared in constant time. An empty wantToken
// rejects every request rather than leaving the admin surface open.
func adminAuth(wantToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			const prefix = "Bearer "
			header := c.Request().Header.Get("Authorization")
			if wantToken == "" || len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed admin token")
			}
			got := header[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
			}
			return next(c)
		}
	}
}
