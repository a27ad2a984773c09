package api

import (
	echo "github.com/labstack/echo/v5"
)

// defaultHeaders are attached to every response. The API serves JSON and
// NDJSON only, never HTML.
var defaultHeaders = [...][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
}

// securityHeaders applies defaultHeaders before the handler runs.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			for _, kv := range defaultHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
