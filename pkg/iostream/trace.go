package iostream

import (
	"time"

	"github.com/httpcore-go/httpcore/pkg/tracebuf"
)

// Traced wraps a Stream and mirrors the exact bytes written to and read
// from it into a pair of trace buffers. Attach one around the stream
// handed to a Connection to capture a full raw exchange; the buffers
// outlive the stream, so a capture can be inspected after Close.
type Traced struct {
	stream   Stream
	Sent     *tracebuf.Buffer
	Received *tracebuf.Buffer
}

// NewTraced wraps s with fresh trace buffers using the default limits.
func NewTraced(s Stream) *Traced {
	return &Traced{
		stream:   s,
		Sent:     tracebuf.New(0),
		Received: tracebuf.New(0),
	}
}

func (t *Traced) Read(buf []byte, timeout time.Duration) (int, error) {
	n, err := t.stream.Read(buf, timeout)
	if n > 0 {
		t.Received.Write(buf[:n])
	}
	return n, err
}

func (t *Traced) Write(p []byte, timeout time.Duration) (int, error) {
	n, err := t.stream.Write(p, timeout)
	if n > 0 {
		t.Sent.Write(p[:n])
	}
	return n, err
}

func (t *Traced) WriteNoBlock(p []byte) error {
	err := t.stream.WriteNoBlock(p)
	if err == nil {
		t.Sent.Write(p)
	}
	return err
}

// Close closes the underlying stream only; the trace buffers stay
// readable until the caller closes them.
func (t *Traced) Close() error {
	return t.stream.Close()
}
