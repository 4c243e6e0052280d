// Package core defines the capability set shared by the HTTP/1.1 and
// HTTP/2 connection implementations, so a pool can hold either behind one
// interface.
package core

import (
	"time"

	"github.com/httpcore-go/httpcore/pkg/message"
)

// ReleaseFunc is invoked by a Connection to tell its owning pool that the
// connection may be recycled or discarded. An HTTP/1.1 connection calls it
// exactly once per completed or abandoned response; an HTTP/2 connection
// calls it each time closing a response leaves no stream open.
type ReleaseFunc func()

// Connection is the capability set both protocol variants satisfy: send a
// request and get a response, observe whether the connection is already
// dead, and close it explicitly.
type Connection interface {
	// Send performs one request/response exchange. A positive timeout
	// bounds each read and write of this exchange; zero makes both
	// connection implementations fall back to their configured Timeouts.
	Send(req *message.Request, timeout time.Duration) (*message.Response, error)

	// Close releases the underlying stream. Idempotent.
	Close() error

	// IsClosed reports whether the connection can no longer serve new sends.
	IsClosed() bool
}
