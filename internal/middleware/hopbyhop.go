package middleware

import (
	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/httpheader"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request, including headers named by Connection tokens.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpheader.StripHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
