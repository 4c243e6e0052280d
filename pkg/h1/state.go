package h1

// side is one half of the dual "our side"/"their side" protocol state:
// send and receive progress are tracked independently so that reuse can be
// decided by checking that both sides reached Done.
type side int

const (
	sideIdle side = iota
	sideSendBody
	sideReceiveHeaders
	sideReceiveBody
	sideDone
	sideClosed
	sideError
)

func (s side) String() string {
	switch s {
	case sideIdle:
		return "IDLE"
	case sideSendBody:
		return "SEND-BODY"
	case sideReceiveHeaders:
		return "RECEIVE-HEADERS"
	case sideReceiveBody:
		return "RECEIVE-BODY"
	case sideDone:
		return "DONE"
	case sideClosed:
		return "CLOSED"
	case sideError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
