package handler

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/repository"
)

const dbTimeout = 5 * time.Second

// dbCtx bounds the duration of database calls for one handler invocation.
func dbCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), dbTimeout)
}

// resolveSubject loads the user a token's sub claim refers to. Legacy
// first-party tokens carry the email as subject while OAuth-granted tokens
// carry the user id, so both forms must resolve.
func resolveSubject(ctx context.Context, users UserStore, sub string) (repository.User, error) {
	if strings.Contains(sub, "@") {
		if u, err := users.GetByEmail(ctx, sub); err == nil {
			return u, nil
		}
	}
	return users.GetByID(ctx, sub)
}

// deviceInfo captures the request attributes recorded on a session.
func deviceInfo(c echo.Context) map[string]string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return map[string]string{
		"ip": ip,
		"ua": c.Request().UserAgent(),
	}
}

// clientIP never returns an empty key component for the rate limiter.
func clientIP(c echo.Context) string {
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return "unknown"
}
