package middleware

// identity.go holds helpers that read the caller's identity out of the Echo
// context.  JWTAuth stores the subject under "user_id"; the request logger
// stores the request id under "request_id".

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// Subject returns the authenticated subject, or "anon" when the request
// carries no token.  Numeric subjects are rendered in decimal.
func Subject(c echo.Context) string {
	switch v := c.Get("user_id").(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return "anon"
}

// RequestID returns the id assigned by RequestLogger, or "".
func RequestID(c echo.Context) string {
	if v, ok := c.Get("request_id").(string); ok {
		return v
	}
	return ""
}
