package frames

// Meta keys shared by every frame producer.
const (
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaSource    = "source"
	MetaIsFinal   = "is_final"
	MetaReason    = "reason"
	MetaEncoding  = "encoding"
	MetaCloseCode = "close_code"
	MetaCallSID   = "call_sid"
	MetaFrom      = "from_number"
)
