package h1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/message"
)

// bodyReaderFunc is the framed reader for one response body: fixed-length,
// chunked, or read-until-close, selected by bodyReaderFor per RFC 9110's
// message-body-length rules.
type bodyReaderFunc = io.Reader

// bodyReaderFor selects the body framing for resp based on its status
// code and headers, per RFC 9110's message-body-length rules.
func (c *Connection) bodyReaderFor(req *message.Request, resp *message.Response) bodyReaderFunc {
	if noBodyAllowed(req.Method, resp.StatusCode) {
		return strings.NewReader("")
	}

	if te := resp.Header.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		return &chunkedBodyReader{reader: c.reader}
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			return &fixedBodyReader{reader: c.reader, remaining: n}
		}
	}

	// No Content-Length and not chunked: RFC 9110 §6.3 says the body runs
	// until the connection closes. The connection is not reusable after
	// such a response; responseClosed treats the eventual EOF as the end.
	c.setNoReuse()
	return &untilCloseBodyReader{reader: c.reader}
}

func noBodyAllowed(method string, status int) bool {
	if method == "HEAD" {
		return true
	}
	if status == 204 || status == 304 {
		return true
	}
	return status >= 100 && status < 200
}

// chunkedBodyReader decodes RFC 7230 §4.1 chunked transfer coding.
type chunkedBodyReader struct {
	reader    *bufio.Reader
	remaining int64
	done      bool
}

func (r *chunkedBodyReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.remaining == 0 {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return 0, errors.NewRemoteProtocolError("reading chunk size", err)
		}
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi]
		}
		size, err := strconv.ParseInt(line, 16, 64)
		if err != nil {
			return 0, errors.NewProtocolError("malformed chunk size", err)
		}
		if size == 0 {
			// trailer section, terminated by an empty line
			for {
				tline, err := r.reader.ReadString('\n')
				if err != nil {
					return 0, errors.NewRemoteProtocolError("reading chunk trailer", err)
				}
				if strings.TrimSpace(tline) == "" {
					break
				}
			}
			r.done = true
			return 0, io.EOF
		}
		r.remaining = size
	}

	toRead := len(p)
	if int64(toRead) > r.remaining {
		toRead = int(r.remaining)
	}
	n, err := io.ReadFull(readerOf(r.reader), p[:toRead])
	r.remaining -= int64(n)
	if err != nil {
		return n, errors.NewRemoteProtocolError("reading chunk data", err)
	}
	if r.remaining == 0 {
		// consume the trailing CRLF after the chunk data
		if _, err := r.reader.ReadString('\n'); err != nil {
			return n, errors.NewRemoteProtocolError("reading chunk terminator", err)
		}
	}
	return n, nil
}

// readerOf narrows the ReadString-capable interface back to an io.Reader
// for io.ReadFull; both are satisfied by *bufio.Reader in practice.
func readerOf(v interface{ ReadString(byte) (string, error) }) io.Reader {
	return v.(io.Reader)
}

// fixedBodyReader reads exactly remaining bytes. A peer FIN before the
// declared Content-Length is exhausted is a peer protocol violation, not a
// clean end of body.
type fixedBodyReader struct {
	reader    io.Reader
	remaining int64
}

func (r *fixedBodyReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.reader.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		return n, errors.NewRemoteProtocolError("reading response body", io.ErrUnexpectedEOF)
	}
	if err == io.EOF {
		err = nil
	}
	if r.remaining == 0 && err == nil {
		return n, io.EOF
	}
	return n, err
}

// untilCloseBodyReader passes bytes through until the underlying stream
// reports io.EOF.
type untilCloseBodyReader struct {
	reader io.Reader
}

func (r *untilCloseBodyReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

// responseBody is the lazy, finite, exactly-once-closing wrapper returned
// to callers as message.Response.Body.
type responseBody struct {
	conn   *Connection
	reader io.Reader

	once sync.Once
	err  error
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.Close()
		return n, io.EOF
	}
	if err != nil {
		b.failAndClose(err)
		return n, err
	}
	return n, nil
}

func (b *responseBody) Close() error {
	b.once.Do(func() {
		b.conn.responseClosed(b.err)
	})
	return nil
}

func (b *responseBody) failAndClose(err error) {
	b.once.Do(func() {
		b.err = err
		b.conn.responseClosed(err)
	})
}
