package h2_test

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/h2"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/message"
	"github.com/httpcore-go/httpcore/pkg/timeout"
)

const preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

type dataInfo struct {
	stream    uint32
	data      []byte
	endStream bool
}

// testServer speaks the server side of HTTP/2 over one end of a net.Pipe,
// fanning received HEADERS and DATA frames out to the test body and
// answering SETTINGS and (optionally) flow control automatically.
type testServer struct {
	t    *testing.T
	conn net.Conn

	mu   sync.Mutex
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	autoWindow bool

	headers chan *http2.MetaHeadersFrame
	data    chan dataInfo
}

func newTestServer(t *testing.T, conn net.Conn, autoWindow bool, ownSettings ...http2.Setting) *testServer {
	t.Helper()
	s := &testServer{
		t:          t,
		conn:       conn,
		autoWindow: autoWindow,
		headers:    make(chan *http2.MetaHeadersFrame, 16),
		data:       make(chan dataInfo, 64),
	}
	s.fr = http2.NewFramer(conn, conn)
	s.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	s.henc = hpack.NewEncoder(&s.hbuf)
	go s.loop(ownSettings)
	return s
}

func (s *testServer) loop(ownSettings []http2.Setting) {
	buf := make([]byte, len(preface))
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return
	}
	if string(buf) != preface {
		s.t.Errorf("bad preface: %q", buf)
		return
	}
	s.mu.Lock()
	s.fr.WriteSettings(ownSettings...)
	s.mu.Unlock()

	for {
		frame, err := s.fr.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				s.mu.Lock()
				s.fr.WriteSettingsAck()
				s.mu.Unlock()
			}
		case *http2.MetaHeadersFrame:
			s.headers <- f
		case *http2.DataFrame:
			info := dataInfo{
				stream:    f.StreamID,
				data:      append([]byte(nil), f.Data()...),
				endStream: f.StreamEnded(),
			}
			if s.autoWindow && len(info.data) > 0 {
				s.mu.Lock()
				s.fr.WriteWindowUpdate(f.StreamID, uint32(len(info.data)))
				s.fr.WriteWindowUpdate(0, uint32(len(info.data)))
				s.mu.Unlock()
			}
			s.data <- info
		}
	}
}

func (s *testServer) respond(stream uint32, status string, hdrs [][2]string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbuf.Reset()
	s.henc.WriteField(hpack.HeaderField{Name: ":status", Value: status})
	for _, h := range hdrs {
		s.henc.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]})
	}
	s.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      stream,
		BlockFragment: s.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     body == nil,
	})
	if body != nil {
		s.fr.WriteData(stream, true, body)
	}
}

func (s *testServer) reset(stream uint32, code http2.ErrCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fr.WriteRSTStream(stream, code)
}

func (s *testServer) goAway(lastStream uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fr.WriteGoAway(lastStream, http2.ErrCodeNo, nil)
}

func (s *testServer) awaitHeaders(t *testing.T) *http2.MetaHeadersFrame {
	t.Helper()
	select {
	case f := <-s.headers:
		return f
	case <-time.After(2 * time.Second):
		t.Error("no HEADERS frame from client")
		return nil
	}
}

func (s *testServer) awaitData(t *testing.T) (dataInfo, bool) {
	t.Helper()
	select {
	case d := <-s.data:
		return d, true
	case <-time.After(2 * time.Second):
		t.Error("no DATA frame from client")
		return dataInfo{}, false
	}
}

func newPair(t *testing.T, releases *int32, autoWindow bool, ownSettings ...http2.Setting) (*h2.Connection, *testServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	server := newTestServer(t, serverConn, autoWindow, ownSettings...)
	release := func() {}
	if releases != nil {
		release = func() { atomic.AddInt32(releases, 1) }
	}
	conn := h2.New(iostream.NewNetConn(clientConn), timeout.New(2*time.Second), release)
	return conn, server
}

func request(t *testing.T, method, rawURL string) *message.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &message.Request{Method: method, URL: u}
}

func TestGet(t *testing.T) {
	var releases int32
	conn, server := newPair(t, &releases, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		if !hf.StreamEnded() {
			t.Errorf("bodyless request without END_STREAM on HEADERS")
		}
		server.respond(hf.StreamID, "200", [][2]string{
			{"content-type", "text/plain"},
			{"x-one", "1"},
			{"x-two", "2"},
		}, []byte("hello"))
	}()

	resp, err := conn.Send(request(t, "GET", "https://example.com/a?b=1"), 0)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status: %d", resp.StatusCode)
	}
	if resp.Proto != "HTTP/2" {
		t.Errorf("proto: %q", resp.Proto)
	}

	fields := resp.Header.Fields()
	if len(fields) != 3 || fields[1].Name != "x-one" || fields[2].Name != "x-two" {
		t.Errorf("header order lost: %v", fields)
	}
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			t.Errorf("pseudo-header leaked: %v", f)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body read failed: %v", err)
	}
	resp.Body.Close()
	if string(body) != "hello" {
		t.Errorf("body: %q", body)
	}
	if n := atomic.LoadInt32(&releases); n != 1 {
		t.Errorf("releases: %d", n)
	}
	if conn.IsClosed() {
		t.Error("connection closed after one exchange")
	}
}

func TestRequestHeadersLowercasedWithPseudoHeaders(t *testing.T) {
	conn, server := newPair(t, nil, true)
	defer conn.Close()

	headersC := make(chan *http2.MetaHeadersFrame, 1)
	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		headersC <- hf
		server.respond(hf.StreamID, "204", nil, nil)
	}()

	req := request(t, "GET", "https://example.com/x")
	req.Header.Add("X-Custom", "v")
	req.Header.Add("Host", "ignored.example")

	resp, err := conn.Send(req, 0)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	hf := <-headersC
	var names []string
	byName := map[string]string{}
	for _, f := range hf.Fields {
		names = append(names, f.Name)
		byName[f.Name] = f.Value
	}

	want := []string{":method", ":authority", ":scheme", ":path"}
	for i, name := range want {
		if i >= len(names) || names[i] != name {
			t.Fatalf("pseudo-header order: %v", names)
		}
	}
	if byName[":method"] != "GET" || byName[":authority"] != "example.com" ||
		byName[":scheme"] != "https" || byName[":path"] != "/x" {
		t.Errorf("pseudo-header values: %v", byName)
	}
	if byName["x-custom"] != "v" {
		t.Errorf("caller header not lowercased: %v", names)
	}
	if _, ok := byName["host"]; ok {
		t.Error("host header duplicated alongside :authority")
	}
}

func TestPostFlowControl(t *testing.T) {
	// Peer advertises a 4 KiB initial window; a 10 KiB body must arrive as
	// DATA frames of 4096, 4096, 2048 with END_STREAM on the last.
	conn, server := newPair(t, nil, true,
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4096})
	defer conn.Close()

	// First exchange guarantees the client has processed the peer's
	// SETTINGS before the body-bearing request starts.
	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.respond(hf.StreamID, "204", nil, nil)
	}()
	warm, err := conn.Send(request(t, "GET", "https://example.com/warmup"), 0)
	if err != nil {
		t.Fatal(err)
	}
	warm.Body.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.respond(hf.StreamID, "201", nil, nil)
	}()

	req := request(t, "POST", "https://example.com/upload")
	req.Body = bytes.NewReader(bytes.Repeat([]byte("x"), 10*1024))
	req.ContentLength = 10 * 1024

	respC := make(chan error, 1)
	go func() {
		resp, err := conn.Send(req, 0)
		if err == nil {
			resp.Body.Close()
		}
		respC <- err
	}()

	var sizes []int
	for {
		d, ok := server.awaitData(t)
		if !ok {
			t.Fatal("flow-controlled body never finished")
		}
		sizes = append(sizes, len(d.data))
		if d.endStream {
			break
		}
	}
	if err := <-respC; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	want := []int{4096, 4096, 2048}
	if len(sizes) != len(want) {
		t.Fatalf("DATA frame sizes: %v", sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("DATA frame sizes: %v, want %v", sizes, want)
		}
	}
}

func TestInterleavedStreams(t *testing.T) {
	var releases int32
	conn, server := newPair(t, &releases, true)
	defer conn.Close()

	// Answer the second stream first; each caller must still get its own
	// response.
	go func() {
		first := server.awaitHeaders(t)
		second := server.awaitHeaders(t)
		if first == nil || second == nil {
			return
		}
		if first.StreamID > second.StreamID {
			first, second = second, first
		}
		server.respond(second.StreamID, "200", nil, []byte("stream-"+pathSuffix(second)))
		server.respond(first.StreamID, "200", nil, []byte("stream-"+pathSuffix(first)))
	}()

	var wg sync.WaitGroup
	results := make(map[string]string)
	var resultsMu sync.Mutex
	for _, path := range []string{"a", "b"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, err := conn.Send(request(t, "GET", "https://example.com/"+path), 0)
			if err != nil {
				t.Errorf("send %s failed: %v", path, err)
				return
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			resultsMu.Lock()
			results[path] = string(body)
			resultsMu.Unlock()
		}(path)
	}
	wg.Wait()

	if results["a"] != "stream-a" || results["b"] != "stream-b" {
		t.Errorf("cross-talk between streams: %v", results)
	}
	if n := atomic.LoadInt32(&releases); n != 1 {
		t.Errorf("releases on emptiness: %d", n)
	}
}

// pathSuffix extracts the final path segment of a request's :path
// pseudo-header so the server can echo it back in the body.
func pathSuffix(hf *http2.MetaHeadersFrame) string {
	for _, f := range hf.Fields {
		if f.Name == ":path" {
			return strings.TrimPrefix(f.Value, "/")
		}
	}
	return ""
}

func TestGoAwayClosesForNewStreams(t *testing.T) {
	conn, server := newPair(t, nil, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.respond(hf.StreamID, "200", nil, []byte("ok"))
	}()
	resp, err := conn.Send(request(t, "GET", "https://example.com/"), 0)
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	server.goAway(1)

	deadline := time.Now().Add(2 * time.Second)
	for !conn.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatal("IsClosed still false after GOAWAY")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := conn.Send(request(t, "GET", "https://example.com/again"), 0); err == nil {
		t.Fatal("expected error opening a stream after GOAWAY")
	}
}

func TestStreamResetBeforeHeaders(t *testing.T) {
	var releases int32
	conn, server := newPair(t, &releases, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.reset(hf.StreamID, http2.ErrCodeRefusedStream)
	}()

	_, err := conn.Send(request(t, "GET", "https://example.com/"), 0)
	if err == nil {
		t.Fatal("expected error for reset stream")
	}
	e, ok := err.(*errors.Error)
	if !ok || e.Type != errors.ErrorTypeStreamReset {
		t.Errorf("expected stream reset error, got %v", err)
	}
	if conn.IsClosed() {
		t.Error("stream reset closed the whole connection")
	}
	if n := atomic.LoadInt32(&releases); n != 0 {
		t.Errorf("release fired for a failed send: %d", n)
	}
}

func TestStreamResetMidBodyEndsCleanly(t *testing.T) {
	conn, server := newPair(t, nil, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.mu.Lock()
		server.hbuf.Reset()
		server.henc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
		server.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      hf.StreamID,
			BlockFragment: server.hbuf.Bytes(),
			EndHeaders:    true,
		})
		server.fr.WriteData(hf.StreamID, false, []byte("par"))
		server.fr.WriteRSTStream(hf.StreamID, http2.ErrCodeCancel)
		server.mu.Unlock()
	}()

	resp, err := conn.Send(request(t, "GET", "https://example.com/"), 0)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reset after headers must end the body cleanly, got %v", err)
	}
	resp.Body.Close()
	if string(body) != "par" {
		t.Errorf("body: %q", body)
	}
	if conn.IsClosed() {
		t.Error("per-stream reset closed the connection")
	}
}

func TestReadTimeout(t *testing.T) {
	var releases int32
	conn, server := newPair(t, &releases, true)
	defer conn.Close()

	go func() {
		server.awaitHeaders(t) // swallow the request, never respond
	}()

	_, err := conn.Send(request(t, "GET", "https://example.com/"), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	e, ok := err.(*errors.Error)
	if !ok || e.Type != errors.ErrorTypeTimeout {
		t.Errorf("expected timeout error, got %v", err)
	}
	if n := atomic.LoadInt32(&releases); n != 0 {
		t.Errorf("release fired for a timed-out send: %d", n)
	}
}

func TestStatusRoundTripsAsInteger(t *testing.T) {
	conn, server := newPair(t, nil, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.respond(hf.StreamID, "0201", nil, nil)
	}()

	resp, err := conn.Send(request(t, "GET", "https://example.com/"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func TestInformationalResponseSkipped(t *testing.T) {
	conn, server := newPair(t, nil, true)
	defer conn.Close()

	go func() {
		hf := server.awaitHeaders(t)
		if hf == nil {
			return
		}
		server.mu.Lock()
		server.hbuf.Reset()
		server.henc.WriteField(hpack.HeaderField{Name: ":status", Value: "103"})
		server.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      hf.StreamID,
			BlockFragment: server.hbuf.Bytes(),
			EndHeaders:    true,
		})
		server.mu.Unlock()
		server.respond(hf.StreamID, "204", nil, nil)
	}()

	resp, err := conn.Send(request(t, "GET", "https://example.com/"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Errorf("status: %d", resp.StatusCode)
	}
}
