// Package tracebuf provides memory-efficient storage for raw wire traces,
// spilling to disk past a threshold. A pair of Buffers attached to a
// stream captures the exact bytes placed on the wire and read back, for
// offline inspection of a full exchange.
package tracebuf

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/httpcore-go/httpcore/pkg/constants"
	"github.com/httpcore-go/httpcore/pkg/errors"
)

// Buffer stores data either in memory or spooled to a temporary file when
// exceeding a threshold. Recording stops silently at MaxTraceBufferSize so
// a runaway response cannot fill the disk; Truncated reports whether the
// cap was hit.
type Buffer struct {
	buf       bytes.Buffer
	file      *os.File
	path      string
	size      int64
	limit     int64
	mu        sync.Mutex
	closed    bool
	truncated bool
}

// New creates a Buffer that spills to disk past limit bytes; limit <= 0
// uses the default trace memory limit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = constants.DefaultTraceMemLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData creates a Buffer pre-filled with data.
func NewWithData(data []byte) *Buffer {
	b := &Buffer{
		limit: constants.DefaultTraceMemLimit,
		size:  int64(len(data)),
	}
	b.buf.Write(data)
	return b
}

// Write stores p, spilling to disk once above the memory threshold. Past
// the hard cap the bytes are counted but no longer stored.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("trace buffer is closed", nil)
	}

	if b.size >= constants.MaxTraceBufferSize {
		b.truncated = true
		b.size += int64(len(p))
		return len(p), nil
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "httpcore-trace-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating temp file", err)
		}

		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closeLocked()
				return 0, errors.NewIOError("writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to temp file", err)
	}
	return n, nil
}

// Bytes returns the in-memory data. Empty once the payload spilled to disk.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the filesystem path backing the spilled payload.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written, including any past the cap.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the buffer has spilled to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Truncated reports whether recording stopped at the hard cap.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Reader provides a fresh reader over the stored data.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("trace buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening temp file for reading", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close flushes and closes the underlying file, if any, and removes the
// temp file. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = errors.NewIOError("removing temp file", removeErr)
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing temp file", err)
		}
	}
	return nil
}

// Reset clears the buffer and prepares it for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Reset()
	b.size = 0
	b.closed = false
	b.truncated = false
	return nil
}
