package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"

	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/Leafyheader/LabSync/internal/handler"
	"github.com/Leafyheader/LabSync/internal/metrics"
	"github.com/Leafyheader/LabSync/internal/middleware"
)

// RegisterRoutes registers the operational routes: liveness, readiness
// and the Prometheus scrape endpoint.  None require authentication.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterActivation mounts the activation gate under /api/activation.
// check, status and time are public because they are called before anyone
// signs in; check alone sits behind the limiter since it is the only route
// that accepts a guessable secret.  Everything else needs a bearer token
// carrying one of adminRoles.
func RegisterActivation(e *echo.Echo, h *handler.ActivationHandler, jwtSecret string, adminRoles []string, limiter echo.MiddlewareFunc) {
	g := e.Group("/api/activation")
	g.POST("/check", h.Check, limiter)
	g.GET("/status", h.Status)
	g.GET("/time", h.Time)

	admin := g.Group("", middleware.JWTAuth(jwtSecret), middleware.RequireRole(adminRoles...))
	admin.POST("/manage", h.Manage)
	admin.POST("/generate", h.Generate)
	admin.GET("/", h.List)
	admin.GET("", h.List)
	admin.DELETE("/:id", h.Delete)
}
