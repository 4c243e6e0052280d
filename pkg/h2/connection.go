// Package h2 implements the HTTP/2 connection state machine: a
// multiplexing codec over a byte stream, satisfying core.Connection. Many
// Send calls may run concurrently on one Connection; each gets its own
// stream. Framing and HPACK are delegated to golang.org/x/net/http2, with a
// single read-pump goroutine fanning inbound frames out into per-stream
// event queues.
package h2

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/httpcore-go/httpcore/pkg/constants"
	"github.com/httpcore-go/httpcore/pkg/core"
	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/message"
	"github.com/httpcore-go/httpcore/pkg/timeout"
	"github.com/httpcore-go/httpcore/pkg/timing"
)

// clientPreface is the fixed octet sequence every HTTP/2 client connection
// starts with (RFC 7540 §3.5).
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Connection is a multiplexed HTTP/2 client connection over a Stream.
// Writes are serialised by an internal mutex; reads happen on one pump
// goroutine started lazily by the first Send.
type Connection struct {
	stream   iostream.Stream
	writer   *deadlineWriter
	framer   *http2.Framer
	henc     *hpack.Encoder
	hencBuf  writerBuffer
	timeouts timeout.Timeouts
	release  core.ReleaseFunc
	logger   *slog.Logger

	// writeMu serialises all framer writes; the HPACK encoder state is
	// shared connection-wide, so HEADERS encoding must happen under it too.
	writeMu sync.Mutex

	initOnce sync.Once
	initErr  error

	mu           sync.Mutex
	nextStreamID uint32
	streams      map[uint32]*streamState
	goAway       bool
	closed       bool
	fatalErr     error
	done         chan struct{}
	doneOnce     sync.Once

	// flowMu guards the send-side flow-control accounting: the
	// connection-level window, the peer's advertised initial stream
	// window and max frame size, and the wake-up channel writers block on.
	flowMu         sync.Mutex
	connSendWindow int64
	initialWindow  uint32
	peerMaxFrame   uint32
	flowCh         chan struct{}
}

// writerBuffer is the scratch buffer the HPACK encoder emits into; a
// minimal bytes.Buffer stand-in keeps the encoder's io.Writer dependency
// explicit.
type writerBuffer struct {
	b []byte
}

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *writerBuffer) reset()        { w.b = w.b[:0] }
func (w *writerBuffer) bytes() []byte { return w.b }

// deadlineWriter adapts iostream.Stream to io.Writer for the framer; the
// per-operation timeout is set under writeMu before each frame write.
type deadlineWriter struct {
	s       iostream.Stream
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	return w.s.Write(p, w.timeout)
}

// pumpReader adapts iostream.Stream to io.Reader for the framer's read
// side. The pump blocks without a deadline; per-request read timeouts are
// enforced where consumers wait on their event queues.
type pumpReader struct {
	s iostream.Stream
}

func (r *pumpReader) Read(p []byte) (int, error) {
	if len(p) > constants.ReadChunkSize {
		p = p[:constants.ReadChunkSize]
	}
	return r.s.Read(p, 0)
}

// New wraps stream as an HTTP/2 Connection. release is invoked every time
// closing a response body leaves the set of open streams empty, telling
// the pool the connection is idle and may be recycled; a stream dropped
// because its send failed never triggers it.
func New(stream iostream.Stream, t timeout.Timeouts, release core.ReleaseFunc) *Connection {
	c := &Connection{
		stream:         stream,
		writer:         &deadlineWriter{s: stream},
		timeouts:       t,
		release:        release,
		logger:         slog.New(slog.DiscardHandler),
		nextStreamID:   1,
		streams:        make(map[uint32]*streamState),
		done:           make(chan struct{}),
		connSendWindow: constants.InitialWindowSize,
		initialWindow:  constants.InitialWindowSize,
		peerMaxFrame:   constants.DefaultMaxFrameSize,
		flowCh:         make(chan struct{}),
	}
	c.framer = http2.NewFramer(c.writer, &pumpReader{s: stream})
	c.framer.ReadMetaHeaders = hpack.NewDecoder(constants.DefaultHpackTableSize, nil)
	c.henc = hpack.NewEncoder(&c.hencBuf)
	return c
}

// SetLogger installs a structured logger for frame-level tracing. Must be
// called before the first Send; nil restores the discard logger.
func (c *Connection) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	c.logger = l
}

// Send implements core.Connection. Safe for concurrent use; each call
// opens its own stream.
func (c *Connection) Send(req *message.Request, perCall time.Duration) (*message.Response, error) {
	readTimeout := pickTimeout(perCall, c.timeouts.Read)
	writeTimeout := pickTimeout(perCall, c.timeouts.Write)

	if err := c.initialize(); err != nil {
		return nil, err
	}

	st, err := c.openStream()
	if err != nil {
		return nil, err
	}

	timer := timing.NewTimer()
	hasBody := req.Body != nil
	if err := c.sendHeaders(req, st.id, !hasBody, writeTimeout); err != nil {
		c.abortStream(st.id)
		return nil, err
	}
	if hasBody {
		if err := c.sendBody(st, req.Body, writeTimeout); err != nil {
			c.abortStream(st.id)
			return nil, err
		}
	}

	timer.StartTTFB()
	for {
		ev, err := c.awaitEvent(st, readTimeout)
		if err != nil {
			c.abortStream(st.id)
			return nil, err
		}
		switch e := ev.(type) {
		case headersEvent:
			if e.status >= 100 && e.status < 200 {
				continue
			}
			timer.EndTTFB()
			metrics := timer.GetMetrics()
			resp := &message.Response{
				StatusCode: e.status,
				Proto:      "HTTP/2",
				Header:     e.header,
				Request:    req,
				Timing:     &metrics,
			}
			resp.Body = &responseBody{
				conn:        c,
				st:          st,
				readTimeout: readTimeout,
				ended:       e.endStream,
			}
			return resp, nil
		case resetEvent:
			c.abortStream(st.id)
			return nil, errors.NewStreamResetError(st.id, e.errCode)
		case dataEvent:
			c.abortStream(st.id)
			return nil, errors.NewProtocolError("DATA before response HEADERS",
				fmt.Errorf("stream %d", st.id))
		}
	}
}

// IsClosed reports whether the connection can no longer serve new streams:
// explicitly closed, failed, or told to wind down by a peer GOAWAY.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.goAway || c.fatalErr != nil
}

// Close tears down the transport. Streams still open observe the failure
// on their next event wait. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return c.stream.Close()
}

// initialize sends the connection preface and initial SETTINGS, then
// starts the read pump. Runs at most once, lazily before the first stream.
func (c *Connection) initialize() error {
	c.initOnce.Do(func() { c.initErr = c.doInitialize() })
	return c.initErr
}

func (c *Connection) doInitialize() error {
	c.mu.Lock()
	dead := c.closed || c.fatalErr != nil
	c.mu.Unlock()
	if dead {
		return errors.NewRemoteProtocolError("initialize", fmt.Errorf("connection is closed"))
	}

	if err := c.stream.WriteNoBlock([]byte(clientPreface)); err != nil {
		return err
	}

	// The pump starts before the SETTINGS write so a zero-buffer transport
	// whose peer is itself mid-write cannot wedge the handshake.
	go c.readLoop()

	c.writeMu.Lock()
	c.writer.timeout = 0
	err := c.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: constants.InitialWindowSize},
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: constants.DefaultHpackTableSize},
	)
	c.writeMu.Unlock()
	if err != nil {
		return errors.NewIOError("sending initial settings", err)
	}

	c.logger.Debug("h2 connection initialized")
	return nil
}

// openStream allocates the next odd stream id and registers its event
// queue in the event map.
func (c *Connection) openStream() (*streamState, error) {
	c.flowMu.Lock()
	initial := c.initialWindow
	c.flowMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fatalErr != nil {
		return nil, errors.NewRemoteProtocolError("open stream", fmt.Errorf("connection is closed"))
	}
	if c.goAway {
		return nil, errors.NewRemoteProtocolError("open stream", fmt.Errorf("peer sent GOAWAY"))
	}
	st := newStreamState(c.nextStreamID, initial)
	c.nextStreamID += 2
	c.streams[st.id] = st
	return st, nil
}

// closeStream drops a finished response's stream from the event map; on
// the transition to an empty map the release callback tells the pool the
// connection is idle.
func (c *Connection) closeStream(id uint32) {
	if c.removeStream(id) && c.release != nil {
		c.release()
	}
}

// abortStream drops a stream whose send failed. No release fires: the
// caller gets the error and the pool judges the connection by IsClosed,
// not by an idle signal.
func (c *Connection) abortStream(id uint32) {
	c.removeStream(id)
}

// removeStream deletes id and reports whether that emptied the map.
func (c *Connection) removeStream(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, present := c.streams[id]; !present {
		return false
	}
	delete(c.streams, id)
	return len(c.streams) == 0
}

// lookupStream returns the registered state for id, or nil for a stream
// that was never opened or has already been closed.
func (c *Connection) lookupStream(id uint32) *streamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// sendHeaders encodes and writes the HEADERS frame: pseudo-headers first,
// then the caller's headers with names lowercased as RFC 7540 §8.1.2
// requires.
func (c *Connection) sendHeaders(req *message.Request, streamID uint32, endStream bool, writeTimeout time.Duration) error {
	authority := ""
	scheme := "https"
	if req.URL != nil {
		authority = req.URL.Host
		if req.URL.Scheme != "" {
			scheme = req.URL.Scheme
		}
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":authority", Value: authority},
		{Name: ":scheme", Value: scheme},
		{Name: ":path", Value: req.FullPath()},
	}
	for _, f := range req.Header.Fields() {
		name := asciiLower(f.Name)
		// Host travels as :authority on HTTP/2; a duplicate host field is
		// rejected by strict peers.
		if name == "host" {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: f.Value})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.hencBuf.reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return errors.NewProtocolError("encoding header field "+f.Name, err)
		}
	}
	c.writer.timeout = writeTimeout
	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.hencBuf.bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	if err != nil {
		return c.writeFailure("sending HEADERS", err)
	}
	c.logger.Debug("h2 frame sent", "type", "HEADERS", "stream", streamID, "end_stream", endStream)
	return nil
}

// sendBody streams the request body as flow-controlled DATA frames. The
// last chunk carries END_STREAM; an empty body that reached here (non-nil
// reader yielding no bytes) ends the stream with an empty DATA frame.
func (c *Connection) sendBody(st *streamState, body io.Reader, writeTimeout time.Duration) error {
	buf := make([]byte, constants.ReadChunkSize)
	var pending []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if pending != nil {
				if werr := c.sendData(st, pending, false, writeTimeout); werr != nil {
					return werr
				}
			}
			pending = append(pending[:0], buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewIOError("reading request body", err)
		}
	}
	if pending == nil {
		return c.sendData(st, nil, true, writeTimeout)
	}
	return c.sendData(st, pending, true, writeTimeout)
}

// sendData writes p as one or more DATA frames, each no larger than
// min(remaining, stream window, connection window, peer max frame size),
// pausing on a zero window until the peer's WINDOW_UPDATE arrives.
func (c *Connection) sendData(st *streamState, p []byte, endStream bool, writeTimeout time.Duration) error {
	if len(p) == 0 {
		return c.writeDataFrame(st.id, endStream, nil, writeTimeout)
	}
	for len(p) > 0 {
		n, err := c.awaitWindow(st, len(p), writeTimeout)
		if err != nil {
			return err
		}
		chunk := p[:n]
		p = p[n:]
		last := endStream && len(p) == 0
		if err := c.writeDataFrame(st.id, last, chunk, writeTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeDataFrame(streamID uint32, endStream bool, chunk []byte, writeTimeout time.Duration) error {
	c.writeMu.Lock()
	c.writer.timeout = writeTimeout
	err := c.framer.WriteData(streamID, endStream, chunk)
	c.writeMu.Unlock()
	if err != nil {
		return c.writeFailure("sending DATA", err)
	}
	c.logger.Debug("h2 frame sent", "type", "DATA", "stream", streamID, "len", len(chunk), "end_stream", endStream)
	return nil
}

// awaitWindow blocks until at least one byte of send credit is available
// for st, then reserves and returns min(want, credit, peer max frame).
func (c *Connection) awaitWindow(st *streamState, want int, writeTimeout time.Duration) (int, error) {
	var timeoutC <-chan time.Time
	if writeTimeout > 0 {
		timer := time.NewTimer(writeTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	for {
		c.flowMu.Lock()
		credit := st.sendWindow
		if c.connSendWindow < credit {
			credit = c.connSendWindow
		}
		if credit > 0 {
			n := int64(want)
			if credit < n {
				n = credit
			}
			if maxFrame := int64(c.peerMaxFrame); n > maxFrame {
				n = maxFrame
			}
			st.sendWindow -= n
			c.connSendWindow -= n
			c.flowMu.Unlock()
			return int(n), nil
		}
		wait := c.flowCh
		c.flowMu.Unlock()

		select {
		case <-wait:
		case <-timeoutC:
			return 0, errors.NewWriteTimeoutError(writeTimeout)
		case <-c.done:
			return 0, c.terminalError()
		}
	}
}

// creditWindow adds send credit (stream-level when st is non-nil,
// connection-level otherwise) and wakes every blocked writer.
func (c *Connection) creditWindow(st *streamState, n int64) {
	c.flowMu.Lock()
	if st != nil {
		st.sendWindow += n
	} else {
		c.connSendWindow += n
	}
	close(c.flowCh)
	c.flowCh = make(chan struct{})
	c.flowMu.Unlock()
}

// awaitEvent blocks until an event is queued for st, the read timeout
// elapses, or the connection dies.
func (c *Connection) awaitEvent(st *streamState, readTimeout time.Duration) (event, error) {
	var timeoutC <-chan time.Time
	if readTimeout > 0 {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	for {
		if ev := st.pop(); ev != nil {
			return ev, nil
		}
		select {
		case <-st.notify:
		case <-timeoutC:
			return nil, errors.NewReadTimeoutError(readTimeout)
		case <-c.done:
			// Drain anything that raced in before the connection died.
			if ev := st.pop(); ev != nil {
				return ev, nil
			}
			return nil, c.terminalError()
		}
	}
}

// acknowledge returns receive credit to the peer for consumed body bytes,
// at both stream and connection scope.
func (c *Connection) acknowledge(streamID uint32, n int) {
	if n <= 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.timeout = 0
	if err := c.framer.WriteWindowUpdate(streamID, uint32(n)); err != nil {
		c.logger.Debug("h2 window update failed", "stream", streamID, "error", err)
		return
	}
	if err := c.framer.WriteWindowUpdate(0, uint32(n)); err != nil {
		c.logger.Debug("h2 window update failed", "stream", 0, "error", err)
	}
}

// readLoop is the connection's single read pump: it reads frames off the
// wire, routes stream-scoped events into the event map, and handles
// connection-scoped frames (SETTINGS, PING, GOAWAY, window credit) in
// place, flushing any codec-generated replies as it goes.
func (c *Connection) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				c.fatal(errors.NewRemoteProtocolError("reading frame", err))
			} else {
				c.fatal(errors.NewProtocolError("reading frame", err))
			}
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.RSTStreamFrame:
			c.logger.Debug("h2 frame received", "type", "RST_STREAM", "stream", f.StreamID, "code", uint32(f.ErrCode))
			if st := c.lookupStream(f.StreamID); st != nil {
				st.push(resetEvent{stream: f.StreamID, errCode: uint32(f.ErrCode)})
			}
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.WindowUpdateFrame:
			c.logger.Debug("h2 frame received", "type", "WINDOW_UPDATE", "stream", f.StreamID, "increment", f.Increment)
			if f.StreamID == 0 {
				c.creditWindow(nil, int64(f.Increment))
			} else if st := c.lookupStream(f.StreamID); st != nil {
				c.creditWindow(st, int64(f.Increment))
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.writer.timeout = 0
				c.framer.WritePing(true, f.Data)
				c.writeMu.Unlock()
			}
		case *http2.GoAwayFrame:
			c.logger.Debug("h2 frame received", "type", "GOAWAY", "last_stream", f.LastStreamID, "code", uint32(f.ErrCode))
			c.mu.Lock()
			c.goAway = true
			c.mu.Unlock()
		}
	}
}

func (c *Connection) handleHeaders(f *http2.MetaHeadersFrame) {
	st := c.lookupStream(f.StreamID)
	if st == nil {
		return
	}
	status := 0
	var hdr message.Header
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			status = parseStatus(hf.Value)
			continue
		}
		if len(hf.Name) > 0 && hf.Name[0] == ':' {
			continue
		}
		hdr.Add(hf.Name, hf.Value)
	}
	c.logger.Debug("h2 frame received", "type", "HEADERS", "stream", f.StreamID, "status", status, "end_stream", f.StreamEnded())
	st.push(headersEvent{
		stream:    f.StreamID,
		status:    status,
		header:    hdr,
		endStream: f.StreamEnded(),
	})
}

func (c *Connection) handleData(f *http2.DataFrame) {
	st := c.lookupStream(f.StreamID)
	if st == nil {
		// Stream already closed locally; return the credit so the
		// connection-level window does not leak away.
		if n := len(f.Data()); n > 0 {
			c.writeMu.Lock()
			c.writer.timeout = 0
			c.framer.WriteWindowUpdate(0, uint32(n))
			c.writeMu.Unlock()
		}
		return
	}
	data := append([]byte(nil), f.Data()...)
	c.logger.Debug("h2 frame received", "type", "DATA", "stream", f.StreamID, "len", len(data), "end_stream", f.StreamEnded())
	st.push(dataEvent{stream: f.StreamID, data: data, endStream: f.StreamEnded()})
}

func (c *Connection) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			c.applyInitialWindow(s.Val)
		case http2.SettingMaxFrameSize:
			c.flowMu.Lock()
			c.peerMaxFrame = s.Val
			c.flowMu.Unlock()
		}
		c.logger.Debug("h2 setting received", "id", s.ID.String(), "value", s.Val)
		return nil
	})
	c.writeMu.Lock()
	c.writer.timeout = 0
	c.framer.WriteSettingsAck()
	c.writeMu.Unlock()
}

// applyInitialWindow handles SETTINGS_INITIAL_WINDOW_SIZE: the delta
// applies retroactively to every open stream's send window (RFC 7540
// §6.9.2), and the new value seeds streams opened afterwards.
func (c *Connection) applyInitialWindow(val uint32) {
	c.mu.Lock()
	open := make([]*streamState, 0, len(c.streams))
	for _, st := range c.streams {
		open = append(open, st)
	}
	c.mu.Unlock()

	c.flowMu.Lock()
	delta := int64(val) - int64(c.initialWindow)
	c.initialWindow = val
	for _, st := range open {
		st.sendWindow += delta
	}
	close(c.flowCh)
	c.flowCh = make(chan struct{})
	c.flowMu.Unlock()
}

// fatal records a connection-scope failure and wakes every waiter; all
// open streams observe the error on their next event or window wait.
func (c *Connection) fatal(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr != nil {
		return c.fatalErr
	}
	return errors.NewRemoteProtocolError("connection", fmt.Errorf("connection closed"))
}

// writeFailure normalises a framer write error and makes it fatal for the
// connection: structured errors from the stream (timeouts included) are
// returned as they are, anything else is wrapped as an I/O error.
func (c *Connection) writeFailure(op string, err error) error {
	if e, ok := err.(*errors.Error); ok {
		c.fatal(e)
		return e
	}
	wrapped := errors.NewIOError(op, err)
	c.fatal(wrapped)
	return wrapped
}

func pickTimeout(perCall, fallback time.Duration) time.Duration {
	if perCall > 0 {
		return perCall
	}
	if fallback == timeout.NoLimit {
		return 0
	}
	return fallback
}

func parseStatus(v string) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return n
		}
		n = n*10 + int(v[i]-'0')
	}
	return n
}

func asciiLower(s string) string {
	lower := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			lower = false
			break
		}
	}
	if lower {
		return s
	}
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}
