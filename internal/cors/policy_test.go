package cors

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
)

func newPolicy(origins ...string) *Policy {
	return NewPolicy(&config.Config{
		CORS: config.CORSConfig{
			AllowedOrigins: origins,
			ExposeHeaders:  []string{"X-Total-Count"},
			MaxAgeSeconds:  86400,
		},
	})
}

// serve runs req through the policy middleware in front of next.
func serve(p *Policy, req *http.Request, next echo.HandlerFunc) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(p.Middleware())
	e.Any("/*", next)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func noContent(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func TestIsPreflight(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    bool
	}{
		{"options with origin and method", http.MethodOptions, map[string]string{"Origin": "https://example.com", "Access-Control-Request-Method": "GET"}, true},
		{"options without request method", http.MethodOptions, map[string]string{"Origin": "https://example.com"}, false},
		{"options without origin", http.MethodOptions, map[string]string{"Access-Control-Request-Method": "GET"}, false},
		{"get with both headers", http.MethodGet, map[string]string{"Origin": "https://example.com", "Access-Control-Request-Method": "GET"}, false},
		{"plain options", http.MethodOptions, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/leaderboard", http.NoBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := IsPreflight(req); got != tt.want {
				t.Errorf("IsPreflight() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	p := NewPolicy(&config.Config{
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"https://good.example", "https://slash.example/"},
			AllowedMethods: []string{"GET", "POST"},
		},
	})

	tests := []struct {
		name          string
		method        string
		origin        string
		requestMethod string
		wantPreflight bool
		wantGranted   bool
	}{
		{"allowed get", http.MethodGet, "https://good.example", "", false, true},
		{"trailing slash in config", http.MethodGet, "https://slash.example", "", false, true},
		{"unknown origin", http.MethodGet, "https://evil.example", "", false, false},
		{"no origin", http.MethodGet, "", "", false, false},
		{"method outside list", http.MethodDelete, "https://good.example", "", false, false},
		{"bare options", http.MethodOptions, "https://good.example", "", false, true},
		{"preflight for allowed method", http.MethodOptions, "https://good.example", "POST", true, true},
		{"preflight for other method", http.MethodOptions, "https://good.example", "PURGE", true, false},
		{"preflight from unknown origin", http.MethodOptions, "https://evil.example", "GET", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/leaderboard", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.requestMethod != "" {
				req.Header.Set("Access-Control-Request-Method", tt.requestMethod)
			}

			d := p.Classify(req)
			if d.IsPreflight != tt.wantPreflight {
				t.Errorf("IsPreflight = %v, want %v", d.IsPreflight, tt.wantPreflight)
			}
			if d.Granted != tt.wantGranted {
				t.Errorf("Granted = %v, want %v", d.Granted, tt.wantGranted)
			}
			if d.Origin != tt.origin {
				t.Errorf("Origin = %q, want %q", d.Origin, tt.origin)
			}
		})
	}
}

func TestMiddleware_Preflight(t *testing.T) {
	p := newPolicy()
	req := httptest.NewRequest(http.MethodOptions, "/leaderboard", http.NoBody)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "content-type, x-token")

	reached := false
	rec := serve(p, req, func(c echo.Context) error {
		reached = true
		return noContent(c)
	})

	if !reached {
		t.Error("preflight did not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	want := map[string]string{
		"Access-Control-Allow-Origin":      "https://example.com",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Methods":     "GET",
		"Access-Control-Allow-Headers":     "content-type, x-token",
		"Access-Control-Max-Age":           "86400",
	}
	for k, v := range want {
		if got := rec.Header().Values(k); len(got) != 1 || got[0] != v {
			t.Errorf("%s = %v, want [%s]", k, got, v)
		}
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "" {
		t.Error("Access-Control-Expose-Headers set on a preflight")
	}
	if !strings.Contains(rec.Header().Get("Vary"), "Origin") {
		t.Errorf("Vary = %q, want it to list Origin", rec.Header().Get("Vary"))
	}
}

func TestMiddleware_ActualRequest(t *testing.T) {
	p := newPolicy()
	req := httptest.NewRequest(http.MethodGet, "/leaderboard?id=42", http.NoBody)
	req.Header.Set("Origin", "https://example.com")

	rec := serve(p, req, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if got := rec.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %v, want [https://example.com]", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", rec.Header().Get("Access-Control-Allow-Credentials"))
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "X-Total-Count" {
		t.Errorf("Access-Control-Expose-Headers = %q, want X-Total-Count", rec.Header().Get("Access-Control-Expose-Headers"))
	}
	if rec.Header().Get("Access-Control-Max-Age") != "" || rec.Header().Get("Access-Control-Allow-Methods") != "" {
		t.Error("preflight-only headers set on an actual response")
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Errorf("Vary = %q, want Origin", rec.Header().Get("Vary"))
	}
}

func TestMiddleware_NoOriginSkipped(t *testing.T) {
	p := newPolicy()

	tests := []struct {
		name   string
		method string
		header map[string]string
	}{
		{"get", http.MethodGet, nil},
		{"options with request method only", http.MethodOptions, map[string]string{"Access-Control-Request-Method": "GET"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/leaderboard", http.NoBody)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}

			rec := serve(p, req, func(c echo.Context) error {
				return c.String(http.StatusOK, "forwarded")
			})

			if rec.Code != http.StatusOK || rec.Body.String() != "forwarded" {
				t.Errorf("status = %d, body = %q, want handler response", rec.Code, rec.Body.String())
			}
			for name := range rec.Header() {
				if strings.HasPrefix(name, "Access-Control-") || name == "Vary" {
					t.Errorf("unexpected header %s on a request without Origin", name)
				}
			}
		})
	}
}

func TestMiddleware_DisallowedOrigin(t *testing.T) {
	p := newPolicy("https://allowed.example")
	req := httptest.NewRequest(http.MethodOptions, "/leaderboard", http.NoBody)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := serve(p, req, noContent)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", v)
	}
}

func TestMiddleware_ErrorResponseCarriesCORS(t *testing.T) {
	p := newPolicy()
	req := httptest.NewRequest(http.MethodPost, "/leaderboard", http.NoBody)
	req.Header.Set("Origin", "https://example.com")

	rec := serve(p, req, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
}

func TestMiddleware_Deterministic(t *testing.T) {
	p := newPolicy()

	var first http.Header
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/", http.NoBody)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")

		rec := serve(p, req, noContent)
		if first == nil {
			first = rec.Header()
			continue
		}
		for _, k := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Max-Age"} {
			if rec.Header().Get(k) != first.Get(k) {
				t.Errorf("%s differs between identical preflights: %q vs %q", k, rec.Header().Get(k), first.Get(k))
			}
		}
	}
}
