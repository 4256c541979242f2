package handler

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/cors"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/middleware"
)

// NewEcho builds the Echo instance and its middleware chain. Routes are added
// separately by RegisterRoutes. The metrics parameter is optional.
func NewEcho(cfg *config.Config, logger *slog.Logger, policy *cors.Policy, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// The peer address (or the PROXY header source) is authoritative; inbound
	// X-Forwarded-For is only passed along.
	e.IPExtractor = echo.ExtractIPDirect()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, policy))
	}
	// Inside the logger and metrics so error pages from the limit below still
	// carry CORS headers.
	e.Use(policy.Middleware())
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.StripHopByHop())

	return e
}
