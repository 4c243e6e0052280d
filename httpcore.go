// Package httpcore is the per-connection transport core of an asynchronous
// HTTP client: the HTTP/1.1 and HTTP/2 connection state machines, the TLS
// configuration that produces the secure stream parameters, and the auth
// mutators that stamp credentials onto an outgoing request. A connection
// pool sits above this package; the TCP/TLS socket sits below it, behind
// the iostream.Stream abstraction.
package httpcore

import (
	"github.com/httpcore-go/httpcore/pkg/auth"
	"github.com/httpcore-go/httpcore/pkg/core"
	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/h1"
	"github.com/httpcore-go/httpcore/pkg/h2"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/message"
	"github.com/httpcore-go/httpcore/pkg/poollimits"
	"github.com/httpcore-go/httpcore/pkg/timeout"
	"github.com/httpcore-go/httpcore/pkg/timing"
	"github.com/httpcore-go/httpcore/pkg/tlsconfig"
	"github.com/httpcore-go/httpcore/pkg/tracebuf"
)

// Version is the current version of the httpcore library
const Version = "0.9.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Connection is the capability set both protocol variants satisfy.
	Connection = core.Connection

	// ReleaseFunc tells the owning pool a connection may be recycled.
	ReleaseFunc = core.ReleaseFunc

	// Request is the input to Connection.Send.
	Request = message.Request

	// Response is the output of Connection.Send.
	Response = message.Response

	// Header is an order- and case-preserving header multimap.
	Header = message.Header

	// HeaderField is a single name/value pair in original caller casing.
	HeaderField = message.HeaderField

	// Stream is the byte-oriented transport a Connection drives.
	Stream = iostream.Stream

	// Timeouts holds connect/read/write deadlines.
	Timeouts = timeout.Timeouts

	// PoolLimits is the advisory sizing a pool enforces; the core only
	// carries the values through.
	PoolLimits = poollimits.PoolLimits

	// TLSConfig produces and memoises the compiled TLS parameters.
	TLSConfig = tlsconfig.Config

	// AuthMutator rewrites headers on an outgoing request.
	AuthMutator = auth.Mutator

	// BasicAuth stamps an RFC 7617 Authorization header.
	BasicAuth = auth.Basic

	// BearerAuth stamps an RFC 6750 Authorization header.
	BearerAuth = auth.Bearer

	// Metrics captures timing for one connection or exchange.
	Metrics = timing.Metrics

	// Error is the structured error type used across the module.
	Error = errors.Error

	// TraceBuffer stores a raw wire capture, spilling to disk when large.
	TraceBuffer = tracebuf.Buffer
)

// NewHTTP1Connection wraps an established stream as an HTTP/1.1
// connection. One exchange at a time; the caller (normally a pool) must
// finish each response before the next Send.
func NewHTTP1Connection(stream Stream, t Timeouts, onRelease ReleaseFunc) Connection {
	return h1.New(stream, t, onRelease)
}

// NewHTTP2Connection wraps an established stream as a multiplexed HTTP/2
// connection. Concurrent Sends each get their own stream.
func NewHTTP2Connection(stream Stream, t Timeouts, onRelease ReleaseFunc) Connection {
	return h2.New(stream, t, onRelease)
}
