package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // http package defines standard HTTP status codes
	"strings"

	"github.com/labstack/echo/v4" // echo provides middleware chaining and context
)

// RequireRole returns a middleware that lets the request through only when
// the role stored by JWTAuth is one of roles.  Comparison ignores case, so
// a token carrying "superadmin" satisfies RequireRole("SUPERADMIN").
// Anything else, including a missing role, is answered with 403.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[strings.ToUpper(strings.TrimSpace(r))] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get("role").(string)
			if !ok || !allowed[strings.ToUpper(role)] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
