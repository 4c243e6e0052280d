// Package iostream defines the byte-stream abstraction the HTTP/1.1 and
// HTTP/2 connections consume. It is deliberately thin: the actual TLS/TCP
// socket, proxy tunnelling, and DNS resolution are external collaborators
// that the core never constructs; a caller hands the core an
// already-established Stream.
package iostream

import (
	"io"
	"net"
	"time"

	"github.com/httpcore-go/httpcore/pkg/errors"
)

// Stream is the byte-oriented transport a Connection drives. Read and
// Write are timeout-aware; WriteNoBlock enqueues without waiting for the
// transport to accept the bytes (used for the HTTP/2 connection preface,
// which must go out before the caller's first send establishes a
// deadline).
type Stream interface {
	// Read returns 1..len(buf) bytes, or an error. Zero bytes with a nil
	// error never happens; io.EOF signals the peer closed the stream.
	// Exceeding timeout (if non-zero) yields a ReadTimeout error.
	Read(buf []byte, timeout time.Duration) (int, error)

	// Write blocks until every byte is accepted by the transport or
	// timeout elapses, yielding a WriteTimeout error.
	Write(p []byte, timeout time.Duration) (int, error)

	// WriteNoBlock enqueues p without waiting for acknowledgement.
	WriteNoBlock(p []byte) error

	// Close is idempotent and releases the underlying transport.
	Close() error
}

// NetConn adapts a net.Conn (typically *tls.Conn after ALPN negotiation, or
// a plain *net.TCPConn for h2c/cleartext) to Stream. Apart from the Traced
// wrapper, this is the only Stream implementation the core ships; a pool is free to supply
// its own over any io.ReadWriteCloser that behaves like a socket.
type NetConn struct {
	Conn net.Conn
}

// NewNetConn wraps conn as a Stream.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{Conn: conn}
}

func (s *NetConn) Read(buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := s.Conn.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			defer s.Conn.SetReadDeadline(time.Time{})
		} else if err != io.ErrClosedPipe {
			return 0, errors.NewIOError("setting read deadline", err)
		}
		// io.ErrClosedPipe: one end of a pipe is closed, so the read
		// below returns at once, with io.EOF if the peer closed it.
	}
	n, err := s.Conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			return n, io.EOF
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, errors.NewReadTimeoutError(timeout)
		}
		return n, errors.NewIOError("reading from stream", err)
	}
	return n, nil
}

func (s *NetConn) Write(p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errors.NewIOError("setting write deadline", err)
		}
		defer s.Conn.SetWriteDeadline(time.Time{})
	}
	n, err := s.Conn.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, errors.NewWriteTimeoutError(timeout)
		}
		return n, errors.NewIOError("writing to stream", err)
	}
	return n, nil
}

// WriteNoBlock writes p with no deadline. It does not queue: it returns
// only once the underlying net.Conn has accepted every byte, so on an
// unbuffered conn such as net.Pipe it blocks until the peer reads.
func (s *NetConn) WriteNoBlock(p []byte) error {
	_, err := s.Write(p, 0)
	return err
}

func (s *NetConn) Close() error {
	return s.Conn.Close()
}
