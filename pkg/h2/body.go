package h2

import (
	"io"
	"sync"
	"time"
)

// responseBody is the lazy byte-chunk sequence backing a Response: it
// pulls DATA events off the stream's queue, returning receive-window
// credit for every chunk it hands to the caller. A RST_STREAM after the
// response headers ends the body cleanly, matching the per-stream,
// non-fatal contract of stream resets.
type responseBody struct {
	conn        *Connection
	st          *streamState
	readTimeout time.Duration

	buf   []byte
	ended bool

	closeOnce sync.Once
	closeErr  error
}

func (b *responseBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.ended {
			b.Close()
			return 0, io.EOF
		}
		ev, err := b.conn.awaitEvent(b.st, b.readTimeout)
		if err != nil {
			b.closeWith(err)
			return 0, err
		}
		switch e := ev.(type) {
		case dataEvent:
			b.buf = e.data
			b.ended = e.endStream
			b.conn.acknowledge(b.st.id, len(e.data))
		case resetEvent:
			b.ended = true
		case headersEvent:
			// Trailer section; discarded.
			if e.endStream {
				b.ended = true
			}
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close removes the stream from the connection's event map exactly once;
// when the map empties, the connection notifies its pool.
func (b *responseBody) Close() error {
	b.closeWith(nil)
	return nil
}

func (b *responseBody) closeWith(err error) {
	b.closeOnce.Do(func() {
		b.closeErr = err
		b.conn.closeStream(b.st.id)
	})
}
