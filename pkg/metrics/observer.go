package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Common event names recorded by the session controller.
const (
	EventTurnFinalized   = "turn_finalized"
	EventDispatch        = "dispatch"
	EventDispatchFailed  = "dispatch_failed"
	EventBargeIn         = "barge_in"
	EventSpeakStart      = "speak_start"
	EventSpeakEnd        = "speak_end"
	EventCaptureDropped  = "capture_frame_dropped"
	EventPlaybackCancel  = "playback_cancel_all"
	EventSessionClosed   = "session_closed"
	EventTranscriptFinal = "transcript_final"
)
