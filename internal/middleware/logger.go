package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Leafyheader/LabSync/internal/metrics"
)

// RequestLogger assigns every request an id (reusing an incoming
// X-Request-ID), logs one line per request at a level chosen by the status
// class and counts the request in http_requests_total.
func RequestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
			c.Set("request_id", requestID)

			err := next(c)
			if err != nil {
				// Let Echo write the error response so the status is final.
				c.Error(err)
			}

			status := c.Response().Status
			metrics.IncHTTPRequest(req.Method, c.Path(), status)

			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = log.Error().Err(err)
			case status >= 400:
				ev = log.Warn()
			default:
				ev = log.Info()
			}
			ev.Str("request_id", requestID).
				Int("status", status).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Str("ip", c.RealIP()).
				Str("user_agent", req.UserAgent()).
				Dur("latency", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
