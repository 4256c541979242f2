package handler

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/cors"
	"cors-relay-go/internal/httpheader"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/service"
)

// ProxyHandler answers preflights itself and relays every other request to the
// upstream. CORS headers are already on the response when it runs.
type ProxyHandler struct {
	service *service.ProxyService
	policy  *cors.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, policy *cors.Policy, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle writes exactly one response per request: a direct preflight answer,
// the streamed upstream response, or a gateway error.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	d := h.policy.Classify(req)

	if d.IsPreflight {
		return h.writePreflight(c, d)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      clientIP(req.RemoteAddr),
		Host:          req.Host,
		TLS:           req.TLS != nil,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.writeFailure(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return h.writeUpstream(c, resp)
}

func (h *ProxyHandler) writePreflight(c echo.Context, d cors.Decision) error {
	if h.metrics != nil {
		h.metrics.PreflightsTotal.WithLabelValues(strconv.FormatBool(d.Granted)).Inc()
	}
	h.logger.Debug("preflight answered",
		"path", c.Request().URL.Path,
		"origin", d.Origin,
		"granted", d.Granted,
	)

	return c.NoContent(http.StatusNoContent)
}

// writeUpstream copies the upstream response onto the wire. CORS headers were
// stripped from resp by the service, so the ones set by the middleware stay
// the only set. The relay's request ID and Vary entries are kept.
func (h *ProxyHandler) writeUpstream(c echo.Context, resp *model.ProxyResponse) error {
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		switch key {
		case echo.HeaderXRequestID:
			if dst.Get(key) != "" {
				continue
			}
			dst[key] = vals
		case echo.HeaderVary:
			httpheader.MergeVary(dst, vals)
		default:
			dst[key] = vals
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only truncate
	// the body. Log it and let the server drop the connection.
	var err error
	if resp.ContentLength < 0 {
		err = copyFlushing(c.Response(), resp.Body)
	} else {
		_, err = io.Copy(c.Response(), resp.Body)
	}
	if err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) writeFailure(c echo.Context, err error) error {
	status := http.StatusBadGateway
	msg := "upstream request failed"

	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case model.FailureTimeout:
			status = http.StatusGatewayTimeout
			msg = "upstream request timed out"
		case model.FailureConnect:
			msg = "upstream connection failed"
		case model.FailureProtocol:
			msg = "upstream returned an invalid response"
		case model.FailureCanceled:
			msg = "client disconnected"
		}
	}

	if ue != nil && ue.Kind == model.FailureCanceled {
		h.logger.Debug("client went away before upstream responded",
			"path", c.Request().URL.Path,
		)
	} else {
		h.logger.Error("proxy error",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return c.JSON(status, map[string]string{
		"error": msg,
	})
}

// copyFlushing streams src to the response, flushing after every write so
// chunked upstream bodies reach the browser as they arrive.
func copyFlushing(w *echo.Response, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
