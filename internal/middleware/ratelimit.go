package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/cache"
)

// FixedWindow returns an Echo middleware applying the fixed-window counter
// to each (client IP, route) pair. It fronts the anonymous auth endpoints,
// where there is no account identifier yet to key on; the login handlers
// additionally rate-limit per (ip, email) themselves. When the window's ceiling is exceeded the request
// is rejected with 429 and a Retry-After of the full window length (an
// upper bound; the real remainder is shorter).
func FixedWindow(limiter *cache.LoginLimiter, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			route := c.Request().Method + " " + c.Path()
			if !limiter.Allow(c.Request().Context(), ip, route) {
				c.Response().Header().Set("Retry-After",
					strconv.Itoa(int(window/time.Second)))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error": "too_many_attempts",
				})
			}
			return next(c)
		}
	}
}
