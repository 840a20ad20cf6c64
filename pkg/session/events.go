package session

import "github.com/voxtrip/voxtrip/pkg/backend"

type eventKind int

const (
	evPartial eventKind = iota
	evTurnBoundary
	evTransportClosed
	evTransportError
	evSpeakStarted
	evSpeakEnded
	evDispatchDone
	evInterrupt
	evStop
)

func (k eventKind) String() string {
	switch k {
	case evPartial:
		return "partial"
	case evTurnBoundary:
		return "turn_boundary"
	case evTransportClosed:
		return "transport_closed"
	case evTransportError:
		return "transport_error"
	case evSpeakStarted:
		return "speak_started"
	case evSpeakEnded:
		return "speak_ended"
	case evDispatchDone:
		return "dispatch_done"
	case evInterrupt:
		return "interrupt"
	case evStop:
		return "stop"
	default:
		return "unknown"
	}
}

// event is one item on the serialized session queue. All session mutation
// happens on the loop that consumes these, so no state needs a lock.
type event struct {
	kind   eventKind
	text   string
	final  bool
	err    error
	resp   backend.ChatResponse
	reason string
}
