// Package model defines shared types for the relay.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ProxyRequest represents a browser request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path and RawPath are taken from the inbound URL unchanged; RawPath is
	// empty unless the client used an escaping Go would not produce itself.
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength is -1 when unknown (chunked).
	ContentLength int64

	ClientIP string
	Host     string
	TLS      bool
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// FailureKind classifies why an upstream call produced no response.
type FailureKind string

// Upstream failure kinds.
const (
	FailureConnect  FailureKind = "connect_failed"
	FailureTimeout  FailureKind = "timeout"
	FailureProtocol FailureKind = "protocol_error"
	FailureCanceled FailureKind = "canceled"
)

// UpstreamError is returned by the forwarder in place of a ProxyResponse when
// the upstream call fails at the transport level.
type UpstreamError struct {
	Kind FailureKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
