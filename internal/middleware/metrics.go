package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/cors"
	"cors-relay-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests are split into relay endpoints, answered
// preflights and forwarded traffic, and the request counter also carries the
// CORS outcome for the request's Origin.
func MetricsMiddleware(m *metrics.Metrics, policy *cors.Policy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			req := c.Request()
			d := policy.Classify(req)
			route := metrics.NormalizePath(req.URL.Path)
			if d.IsPreflight && route == metrics.RouteUpstream {
				route = metrics.RoutePreflight
			}
			method := metrics.NormalizeMethod(req.Method)

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			// An *echo.HTTPError is written later by the error handler, so
			// its code is not on the response yet.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				statusCode = he.Code
			}
			status := strconv.Itoa(statusCode)

			m.RequestsTotal.WithLabelValues(method, status, route, metrics.CORSOutcome(d.Origin != "", d.Granted)).Inc()
			m.RequestDuration.WithLabelValues(method, status, route).Observe(duration)

			return err
		}
	}
}
