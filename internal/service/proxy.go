// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/httpheader"
	"cors-relay-go/internal/model"
)

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream base_url scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Exactly one upstream call is made; failures are never retried. Transport
// failures come back as *model.UpstreamError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	header := s.filterRequestHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = httpheader.CopyFiltered(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the base URL path with the inbound path. The inbound
// escaping and query string are kept byte for byte; dot segments are not resolved.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	escaped := rawPath
	if escaped == "" {
		escaped = (&url.URL{Path: path}).EscapedPath()
	}
	if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}

	var b strings.Builder
	b.WriteString(s.baseURL.Scheme)
	b.WriteString("://")
	b.WriteString(s.baseURL.Host)
	b.WriteString(strings.TrimSuffix(s.baseURL.EscapedPath(), "/"))
	b.WriteString(escaped)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// filterRequestHeaders copies the inbound headers minus hop-by-hop and CORS
// response headers, then adds the X-Forwarded-* set when enabled.
func (s *ProxyService) filterRequestHeaders(pr *model.ProxyRequest) http.Header {
	dst := httpheader.CopyFiltered(pr.Header)

	// An absent User-Agent stays absent instead of becoming Go's default.
	if _, ok := dst["User-Agent"]; !ok {
		dst.Set("User-Agent", "")
	}

	if !s.cfg.Upstream.ForwardedHeadersEnabled() {
		return dst
	}

	if pr.ClientIP != "" {
		if prior := dst.Values("X-Forwarded-For"); len(prior) > 0 {
			dst.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+pr.ClientIP)
		} else {
			dst.Set("X-Forwarded-For", pr.ClientIP)
		}
	}
	if pr.Host != "" {
		dst.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.TLS {
		dst.Set("X-Forwarded-Proto", "https")
	} else {
		dst.Set("X-Forwarded-Proto", "http")
	}

	return dst
}
