package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session-fatal reasons: the session closes and the user must restart.
	ReasonDeviceUnavailable ReasonCode = "device_unavailable"
	ReasonTransportConnect  ReasonCode = "transport_connect"
	ReasonTransportSend     ReasonCode = "transport_send"
	ReasonTransportClosed   ReasonCode = "transport_closed"

	// Locally recovered reasons: the session stays open for the next turn.
	ReasonBackendUnavailable ReasonCode = "backend_unavailable"
	ReasonBackendDecode      ReasonCode = "backend_decode"
	ReasonSpeechOutput       ReasonCode = "speech_output"
	ReasonEncode             ReasonCode = "encode"

	ReasonWebhookInvalidSignature ReasonCode = "webhook_invalid_signature"
)

// Fatal reports whether a reason ends the session.
func Fatal(reason ReasonCode) bool {
	switch reason {
	case ReasonDeviceUnavailable, ReasonTransportConnect, ReasonTransportSend, ReasonTransportClosed:
		return true
	default:
		return false
	}
}
