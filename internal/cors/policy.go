// Package cors decides which cross-origin headers the relay attaches to a
// response and whether a request is a preflight the relay answers itself.
package cors

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	rscors "github.com/rs/cors"

	"cors-relay-go/internal/config"
)

// Request headers inspected by the policy.
const (
	HeaderOrigin         = "Origin"
	HeaderRequestMethod  = "Access-Control-Request-Method"
	HeaderRequestHeaders = "Access-Control-Request-Headers"
)

// Decision summarizes the CORS outcome for a single request. It is used for
// routing, metrics and logs; the headers themselves come from Middleware.
type Decision struct {
	IsPreflight bool
	Origin      string
	Granted     bool
}

// Policy holds the cross-origin rules. It holds only immutable state and is
// safe for concurrent use.
type Policy struct {
	allowedOrigins map[string]bool // nil reflects any origin
	allowedMethods map[string]bool
	cors           *rscors.Cors
}

// NewPolicy builds a Policy from the cors section of the config.
func NewPolicy(cfg *config.Config) *Policy {
	methods := cfg.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = config.DefaultCORSMethods
	}

	p := &Policy{
		allowedMethods: make(map[string]bool, len(methods)),
	}
	for _, m := range methods {
		p.allowedMethods[strings.ToUpper(m)] = true
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		p.allowedOrigins = make(map[string]bool, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			p.allowedOrigins[strings.TrimSuffix(o, "/")] = true
		}
	}

	// AllowOriginFunc makes rs/cors echo the request Origin instead of "*",
	// which browsers require alongside credentials. Preflights pass through to
	// the proxy handler so it can count and log them.
	p.cors = rscors.New(rscors.Options{
		AllowOriginFunc:      p.OriginAllowed,
		AllowedMethods:       methods,
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       cfg.CORS.ExposeHeaders,
		MaxAge:               cfg.CORS.MaxAgeSeconds,
		AllowCredentials:     true,
		OptionsPassthrough:   true,
		OptionsSuccessStatus: http.StatusNoContent,
	})

	return p
}

// Middleware attaches the CORS response headers before the rest of the chain
// runs, so relayed responses, preflights and error pages all carry them.
// Requests without an Origin skip it entirely.
func (p *Policy) Middleware() echo.MiddlewareFunc {
	wrap := echo.WrapMiddleware(p.cors.Handler)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withCORS := wrap(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get(HeaderOrigin) == "" {
				return next(c)
			}
			return withCORS(c)
		}
	}
}

// IsPreflight reports whether r is a CORS preflight: an OPTIONS request
// carrying both Origin and Access-Control-Request-Method.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get(HeaderOrigin) != "" &&
		r.Header.Get(HeaderRequestMethod) != ""
}

// Classify reports how Middleware treats r. It never fails and has no side effects.
func (p *Policy) Classify(r *http.Request) Decision {
	d := Decision{
		IsPreflight: IsPreflight(r),
		Origin:      r.Header.Get(HeaderOrigin),
	}
	if d.Origin == "" || !p.OriginAllowed(d.Origin) {
		return d
	}

	method := r.Method
	if d.IsPreflight {
		method = r.Header.Get(HeaderRequestMethod)
	}
	d.Granted = p.methodAllowed(method)
	return d
}

// OriginAllowed reports whether origin may be reflected.
func (p *Policy) OriginAllowed(origin string) bool {
	if p.allowedOrigins == nil {
		return true
	}
	return p.allowedOrigins[origin]
}

func (p *Policy) methodAllowed(method string) bool {
	if method == http.MethodOptions {
		return true
	}
	return p.allowedMethods[method]
}
