package h2

import (
	"sync"

	"github.com/httpcore-go/httpcore/pkg/message"
)

// event is one demultiplexed, stream-scoped protocol occurrence. Frames
// without a stream id (SETTINGS, PING, GOAWAY, connection-level
// WINDOW_UPDATE) are handled at connection scope by the read pump and never
// become events.
type event interface {
	streamID() uint32
}

// headersEvent carries a decoded HEADERS block: the final response, an
// informational (1xx) response, or a trailer section after DATA.
type headersEvent struct {
	stream    uint32
	status    int
	header    message.Header
	endStream bool
}

func (e headersEvent) streamID() uint32 { return e.stream }

// dataEvent carries one DATA frame's payload. The bytes are owned by the
// event; the framer's internal buffer is never exposed.
type dataEvent struct {
	stream    uint32
	data      []byte
	endStream bool
}

func (e dataEvent) streamID() uint32 { return e.stream }

// resetEvent reports RST_STREAM from the peer. Per-stream and non-fatal
// for the rest of the connection.
type resetEvent struct {
	stream  uint32
	errCode uint32
}

func (e resetEvent) streamID() uint32 { return e.stream }

// streamState is one entry in the connection's event map: the pending
// event queue for a stream plus its send-side flow-control window. The
// queue is unbounded so the read pump never blocks on a slow consumer;
// back-pressure on the peer comes from the receive window instead, which
// only grows when the body consumer acknowledges data.
type streamState struct {
	id uint32

	mu     sync.Mutex
	events []event
	notify chan struct{} // capacity 1, signalled on every push

	// sendWindow is guarded by the connection's flowMu, not mu.
	sendWindow int64
}

func newStreamState(id uint32, initialWindow uint32) *streamState {
	return &streamState{
		id:         id,
		notify:     make(chan struct{}, 1),
		sendWindow: int64(initialWindow),
	}
}

// push appends an event and wakes one waiting consumer.
func (s *streamState) push(ev event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest pending event, or nil.
func (s *streamState) pop() event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev
}
