package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Paths under
// the reserved prefix are served locally; everything else is relayed.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(config.HealthzPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Unknown relay routes fall through to echo's 404 instead of the upstream.
	e.Any(config.ReservedPrefix, echo.NotFoundHandler)
	e.Any(config.ReservedPrefix+"/*", echo.NotFoundHandler)
}
