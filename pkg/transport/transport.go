// Package transport establishes the secure byte stream a Connection
// drives: TCP dial under the connect timeout, TLS handshake with the
// compiled context from tlsconfig, and ALPN-driven selection of the
// protocol variant. A pool normally owns connection establishment; this
// package is the stock implementation of that collaborator.
package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"

	"github.com/httpcore-go/httpcore/pkg/core"
	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/h1"
	"github.com/httpcore-go/httpcore/pkg/h2"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/timeout"
	"github.com/httpcore-go/httpcore/pkg/timing"
	"github.com/httpcore-go/httpcore/pkg/tlsconfig"
)

// Protocol tags for the negotiated application protocol.
const (
	ProtocolHTTP1 = "HTTP/1.1"
	ProtocolHTTP2 = "HTTP/2"
)

// Conn is an established stream plus what was learned while establishing
// it: the ALPN-negotiated protocol and the connection-phase timings.
type Conn struct {
	Stream   iostream.Stream
	Protocol string
	Metrics  timing.Metrics
}

// Dialer establishes Conns. The zero value dials cleartext HTTP/1.1 with
// no connect deadline; set TLS to control certificate handling for https.
type Dialer struct {
	// TLS supplies the compiled TLS parameters for https schemes. nil
	// means a default Config verifying against the system roots.
	TLS *tlsconfig.Config

	// Timeouts supplies the connect deadline; read/write deadlines are
	// enforced later, per I/O operation, by the connection itself.
	Timeouts timeout.Timeouts

	// Logger receives dial-phase tracing. nil disables.
	Logger *slog.Logger
}

// Dial establishes a stream to host:port. For "https" the TLS context is
// loaded (building and memoising it on first use), the handshake is run
// under the connect timeout, and the negotiated ALPN protocol decides
// Conn.Protocol. For "http" the stream is plain TCP and HTTP/1.1.
func (d *Dialer) Dial(ctx context.Context, scheme, host string, port int) (*Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	connectTimeout := d.Timeouts.Connect
	if connectTimeout == timeout.NoLimit {
		connectTimeout = 0
	}

	timer := timing.NewTimer()
	timer.StartTCP()
	nd := net.Dialer{Timeout: connectTimeout}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewConnectTimeoutError(addr, connectTimeout)
		}
		return nil, errors.NewConnectionError(host, port, err)
	}
	timer.EndTCP()
	logger.Debug("tcp established", "addr", addr)

	if scheme != "https" {
		return &Conn{
			Stream:   iostream.NewNetConn(raw),
			Protocol: ProtocolHTTP1,
			Metrics:  timer.GetMetrics(),
		}, nil
	}

	cfg := d.TLS
	if cfg == nil {
		cfg = tlsconfig.New(nil, tlsconfig.VerifyOption(true))
	}
	tlsCfg, err := cfg.LoadContext()
	if err != nil {
		raw.Close()
		return nil, err
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = host
	}

	timer.StartTLS()
	tc := tls.Client(raw, tlsCfg)
	hctx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		raw.Close()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewConnectTimeoutError(addr, connectTimeout)
		}
		return nil, errors.NewTLSError(host, port, err)
	}
	timer.EndTLS()

	proto := ProtocolHTTP1
	if tc.ConnectionState().NegotiatedProtocol == "h2" {
		proto = ProtocolHTTP2
	}
	logger.Debug("tls established", "addr", addr,
		"alpn", tc.ConnectionState().NegotiatedProtocol,
		"version", tlsconfig.GetVersionName(tc.ConnectionState().Version))

	return &Conn{
		Stream:   iostream.NewNetConn(tc),
		Protocol: proto,
		Metrics:  timer.GetMetrics(),
	}, nil
}

// NewConnection instantiates the protocol variant matching conn.Protocol,
// the way a pool would after observing the ALPN result.
func NewConnection(conn *Conn, t timeout.Timeouts, release core.ReleaseFunc) core.Connection {
	if conn.Protocol == ProtocolHTTP2 {
		return h2.New(conn.Stream, t, release)
	}
	return h1.New(conn.Stream, t, release)
}
