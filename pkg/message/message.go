// Package message defines the Request and Response data carried across the
// send(request, timeout) contract shared by the HTTP/1.1 and HTTP/2
// connections. Header is an order- and case-preserving multimap because
// both wire codecs must reproduce the caller's original header casing and
// ordering.
package message

import (
	"io"
	"net/url"
	"strings"

	"github.com/httpcore-go/httpcore/pkg/timing"
)

// HeaderField is a single name/value pair in original caller casing.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an insertion-ordered, case-insensitive-lookup list of header
// fields. Unlike net/http.Header (a map keyed by canonical case), Header
// preserves both the caller's original casing and the original field
// order, so the wire codecs can reproduce a request byte-for-byte.
type Header struct {
	fields []HeaderField
}

// Add appends a field, preserving name casing as given.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set removes any existing fields matching name (case-insensitively) and
// appends a single field with the given casing.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes all fields matching name case-insensitively.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Get returns the first value matching name case-insensitively, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether any field matches name case-insensitively.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value matching name case-insensitively, in order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Fields returns the header fields in original insertion order. The
// returned slice must not be mutated by the caller.
func (h *Header) Fields() []HeaderField {
	return h.fields
}

// Len returns the number of fields, counting repeated names separately.
func (h *Header) Len() int {
	return len(h.fields)
}

// Clone returns an independent copy.
func (h *Header) Clone() Header {
	out := Header{fields: make([]HeaderField, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// Request is the input to Connection.Send. Body is a lazy, finite
// sequence of byte chunks (an io.Reader, which need not be restartable),
// or nil for no body. ContentLength is -1 when unknown; in that case the
// HTTP/1.1 connection sends the body chunked. The HTTP/2 connection never
// sends a content-length header of its own, whatever the value.
type Request struct {
	Method        string
	URL           *url.URL
	Header        Header
	Body          io.Reader
	ContentLength int64
}

// FullPath returns the request-target: path plus query, as required on an
// HTTP/1.1 request line and the H2 ":path" pseudo-header.
func (r *Request) FullPath() string {
	if r.URL == nil {
		return "/"
	}
	p := r.URL.EscapedPath()
	if p == "" {
		p = "/"
	}
	if q := r.URL.RawQuery; q != "" {
		p += "?" + q
	}
	return p
}

// Response is the output of Connection.Send. Body is a lazy finite
// byte-chunk sequence backed by the originating Connection; its close
// hook runs exactly once. On HTTP/1.1 that fires the connection's release
// callback; on HTTP/2 it fires only when no other stream remains open.
type Response struct {
	StatusCode int
	Proto      string // "HTTP/1.1" or "HTTP/2"
	Header     Header
	Body       io.ReadCloser
	Request    *Request

	// Timing holds the exchange timings known at response time: TTFB runs
	// from the request being fully written until the final response
	// headers are parsed, and TotalTime ends at that same point.
	// Connection-phase timings live with the dialer.
	Timing *timing.Metrics
}
