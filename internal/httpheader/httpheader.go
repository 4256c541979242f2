// Package httpheader holds the header sets a relay must never pass through
// verbatim: hop-by-hop headers and cross-origin response headers.
package httpheader

import (
	"net/http"
	"strings"

	"github.com/golang/gddo/httputil/header"
)

// hopByHopHeaders are meaningful only for a single transport leg.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// corsResponseHeaders are owned by the relay's CORS policy. Any copy arriving
// from a client or from the upstream is discarded.
var corsResponseHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Expose-Headers",
	"Access-Control-Max-Age",
	"Access-Control-Allow-Private-Network",
}

// IsHopByHop reports whether name is a hop-by-hop header. The name must already
// be canonicalized with http.CanonicalHeaderKey().
func IsHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

// StripHopByHop deletes hop-by-hop headers from h, including any extra header
// named as a token of the Connection header.
func StripHopByHop(h http.Header) {
	for _, name := range header.ParseList(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// StripCORS deletes every CORS response header from h.
func StripCORS(h http.Header) {
	for _, name := range corsResponseHeaders {
		h.Del(name)
	}
}

// CopyFiltered copies src into a new header, dropping hop-by-hop and CORS
// response headers. Repeated values keep their order.
func CopyFiltered(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	StripHopByHop(dst)
	StripCORS(dst)
	return dst
}

// AddVary appends value to the Vary header unless it is already listed.
func AddVary(h http.Header, value string) {
	for _, v := range header.ParseList(h, "Vary") {
		if v == "*" || strings.EqualFold(v, value) {
			return
		}
	}
	h.Add("Vary", value)
}

// MergeVary adds every token of the given Vary values to h, skipping tokens
// h already lists.
func MergeVary(h http.Header, values []string) {
	for _, token := range header.ParseList(http.Header{"Vary": values}, "Vary") {
		AddVary(h, token)
	}
}
