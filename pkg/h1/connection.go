// Package h1 implements the HTTP/1.1 connection state machine: a
// single-request-at-a-time codec over a byte stream, satisfying
// core.Connection. Protocol progress is tracked as an our-side/their-side
// state pair, and every completed or abandoned response produces exactly
// one release signal to the owning pool.
package h1

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httpcore-go/httpcore/pkg/constants"
	"github.com/httpcore-go/httpcore/pkg/core"
	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/message"
	"github.com/httpcore-go/httpcore/pkg/timeout"
	"github.com/httpcore-go/httpcore/pkg/timing"
)

// Connection is a single HTTP/1.1 exchange codec over a Stream. It is
// not safe for concurrent Send calls (the owning pool must guarantee
// mutual exclusion), but IsClosed and Close may be called from any
// goroutine while a body is being consumed.
type Connection struct {
	stream   iostream.Stream
	reader   *bufio.Reader
	timeouts timeout.Timeouts
	release  core.ReleaseFunc

	mu        sync.Mutex
	ourSide   side
	theirSide side

	// noReuse forces the close branch of responseClosed for the current
	// exchange: set when the response body is framed until-close, when the
	// peer sends Connection: close, or for an HTTP/1.0 response without an
	// explicit keep-alive.
	noReuse bool
}

// New wraps stream as an HTTP/1.1 Connection. release is invoked exactly
// once per completed or abandoned response, after the reuse-or-close
// decision has been made.
func New(stream iostream.Stream, t timeout.Timeouts, release core.ReleaseFunc) *Connection {
	return &Connection{
		stream:   stream,
		reader:   bufio.NewReaderSize(&streamReader{s: stream, timeout: t.Read}, constants.ReadChunkSize),
		timeouts: t,
		release:  release,
	}
}

// Send implements core.Connection. timeout of 0 defers to the connection's
// configured Timeouts.
func (c *Connection) Send(req *message.Request, perCall time.Duration) (*message.Response, error) {
	c.mu.Lock()
	if c.ourSide == sideClosed || c.ourSide == sideError {
		c.mu.Unlock()
		return nil, errors.NewRemoteProtocolError("send", fmt.Errorf("connection is closed"))
	}
	c.ourSide = sideSendBody
	c.theirSide = sideIdle
	c.noReuse = false
	c.mu.Unlock()

	writeTimeout := pick(perCall, c.timeouts.Write)
	readTimeout := pick(perCall, c.timeouts.Read)
	c.reader.Reset(&streamReader{s: c.stream, timeout: readTimeout})

	timer := timing.NewTimer()
	if err := c.writeRequest(req, writeTimeout); err != nil {
		c.fail()
		return nil, err
	}

	c.mu.Lock()
	c.ourSide = sideDone
	c.theirSide = sideReceiveHeaders
	c.mu.Unlock()

	timer.StartTTFB()
	resp, bodyDone, err := c.readResponse(req, readTimeout)
	if err != nil {
		c.fail()
		return nil, err
	}
	timer.EndTTFB()

	c.setTheirSide(sideReceiveBody)

	metrics := timer.GetMetrics()
	resp.Timing = &metrics
	resp.Body = &responseBody{
		conn:   c,
		reader: bodyDone,
	}
	return resp, nil
}

// IsClosed reports true iff our side is CLOSED or ERROR.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ourSide == sideClosed || c.ourSide == sideError
}

// Close tears down the underlying stream. The release callback does not
// fire here: release signals a finished response, and the pool discards a
// closed connection by observing IsClosed instead.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.ourSide = sideClosed
	c.theirSide = sideClosed
	c.mu.Unlock()
	return c.stream.Close()
}

func (c *Connection) fail() {
	c.mu.Lock()
	c.ourSide = sideError
	c.theirSide = sideError
	c.mu.Unlock()
}

func (c *Connection) setTheirSide(s side) {
	c.mu.Lock()
	c.theirSide = s
	c.mu.Unlock()
}

func (c *Connection) setNoReuse() {
	c.mu.Lock()
	c.noReuse = true
	c.mu.Unlock()
}

// keepAlive reports whether the response permits reuse, per RFC 9112
// §9.3: an explicit Connection: close always wins, and an HTTP/1.0 peer
// must opt in with Connection: keep-alive.
func keepAlive(proto string, hdr message.Header) bool {
	if hasConnectionToken(hdr, "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return hasConnectionToken(hdr, "keep-alive")
	}
	return true
}

func hasConnectionToken(hdr message.Header, token string) bool {
	for _, v := range hdr.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// responseClosed makes the reuse-or-close decision: if both sides report
// DONE the connection is reusable and the next Send starts a fresh cycle
// on the same stream; otherwise the transport is closed. The release
// callback fires exactly once regardless of which branch is taken.
func (c *Connection) responseClosed(bodyErr error) {
	c.mu.Lock()
	if bodyErr == nil {
		c.theirSide = sideDone
	} else {
		c.theirSide = sideError
	}
	reusable := c.ourSide == sideDone && c.theirSide == sideDone && !c.noReuse
	if reusable {
		c.ourSide = sideIdle
		c.theirSide = sideIdle
	} else {
		c.ourSide = sideClosed
		c.theirSide = sideClosed
	}
	c.mu.Unlock()

	if !reusable {
		c.stream.Close()
	}
	// Exactly one release per completed or abandoned response: the body's
	// close-once guard ensures responseClosed runs a single time per
	// exchange, whether the connection is being reused or discarded.
	if c.release != nil {
		c.release()
	}
}

func pick(perCall, fallback time.Duration) time.Duration {
	if perCall > 0 {
		return perCall
	}
	if fallback == timeout.NoLimit {
		return 0
	}
	return fallback
}

// writeRequest composes and writes the request line, headers, and body.
func (c *Connection) writeRequest(req *message.Request, writeTimeout time.Duration) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.FullPath())

	if !req.Header.Has("Host") {
		host := ""
		if req.URL != nil {
			host = req.URL.Host
		}
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	for _, f := range req.Header.Fields() {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}

	chunked := req.Body != nil && req.ContentLength < 0
	if chunked && !req.Header.Has("Transfer-Encoding") {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	b.WriteString("\r\n")

	if _, err := c.stream.Write([]byte(b.String()), writeTimeout); err != nil {
		return err
	}

	if req.Body == nil {
		return nil
	}

	if chunked {
		return c.writeChunkedBody(req.Body, writeTimeout)
	}
	return c.writeFixedBody(req.Body, writeTimeout)
}

func (c *Connection) writeFixedBody(body io.Reader, writeTimeout time.Duration) error {
	buf := make([]byte, constants.ReadChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.stream.Write(buf[:n], writeTimeout); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewIOError("reading request body", err)
		}
	}
}

func (c *Connection) writeChunkedBody(body io.Reader, writeTimeout time.Duration) error {
	buf := make([]byte, constants.ReadChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			header := []byte(fmt.Sprintf("%x\r\n", n))
			if _, werr := c.stream.Write(header, writeTimeout); werr != nil {
				return werr
			}
			if _, werr := c.stream.Write(buf[:n], writeTimeout); werr != nil {
				return werr
			}
			if _, werr := c.stream.Write([]byte("\r\n"), writeTimeout); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			_, werr := c.stream.Write([]byte("0\r\n\r\n"), writeTimeout)
			return werr
		}
		if err != nil {
			return errors.NewIOError("reading request body", err)
		}
	}
}

// readResponse reads status line(s) and headers, looping through any
// number of 1xx informational responses until the final Response arrives,
// then returns a Response whose body reader has not yet been invoked.
func (c *Connection) readResponse(req *message.Request, readTimeout time.Duration) (*message.Response, bodyReaderFunc, error) {
	for {
		proto, status, err := c.readStatusLine()
		if err != nil {
			return nil, nil, err
		}
		hdr, err := c.readHeaders()
		if err != nil {
			return nil, nil, err
		}

		if status >= 100 && status < 200 {
			continue // informational response, discard and read the next status line
		}

		resp := &message.Response{
			StatusCode: status,
			Proto:      proto,
			Header:     hdr,
			Request:    req,
		}

		if !keepAlive(proto, hdr) {
			c.setNoReuse()
		}
		bodyFn := c.bodyReaderFor(req, resp)
		return resp, bodyFn, nil
	}
}

func (c *Connection) readStatusLine() (proto string, status int, err error) {
	line, err := c.readLine()
	if err != nil {
		return "", 0, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, errors.NewProtocolError("malformed status line", fmt.Errorf("%q", line))
	}
	status, cerr := strconv.Atoi(parts[1])
	if cerr != nil {
		return "", 0, errors.NewProtocolError("malformed status code", cerr)
	}
	return parts[0], status, nil
}

func (c *Connection) readHeaders() (message.Header, error) {
	var fields []message.HeaderField
	tp := textproto.NewReader(c.reader)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return message.Header{}, errors.NewRemoteProtocolError("reading headers", err)
		}
		if line == "" {
			var h message.Header
			for _, f := range fields {
				h.Add(f.Name, f.Value)
			}
			return h, nil
		}
		// RFC 7230 obsolete line folding: a continuation line starts with
		// a space or tab and extends the previous header's value.
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return message.Header{}, errors.NewProtocolError("malformed header line", fmt.Errorf("%q", line))
		}
		fields = append(fields, message.HeaderField{Name: name, Value: strings.TrimSpace(value)})
	}
}

func (c *Connection) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", errors.NewRemoteProtocolError("reading status line", err)
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// streamReader adapts iostream.Stream to io.Reader so bufio.Reader can
// drive it; each Read enforces the per-operation read timeout.
type streamReader struct {
	s       iostream.Stream
	timeout time.Duration
}

func (r *streamReader) Read(p []byte) (int, error) {
	return r.s.Read(p, r.timeout)
}
