package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireScope returns a middleware enforcing that the bearer token carries
// the given scope. It assumes BearerAuth ran earlier in the chain; a
// missing claims entry or a token without the scope is rejected with 403.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := ClaimsFromContext(c)
			if !ok {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "insufficient_scope"})
			}
			for _, s := range strings.Fields(claims.Scope) {
				if s == scope {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": "insufficient_scope"})
		}
	}
}
