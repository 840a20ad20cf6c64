package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxtrip/voxtrip/pkg/metrics"
)

// LatencyObserver measures turn-level latencies per session. It tracks the
// gap between a finalized user turn and the backend reply, and between the
// reply and the first audible speech segment.
type LatencyObserver struct {
	mu        sync.Mutex
	log       *slog.Logger
	turnEnd   map[string]time.Time
	replyDone map[string]time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		log:       log,
		turnEnd:   make(map[string]time.Time),
		replyDone: make(map[string]time.Time),
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Name {
	case metrics.EventTurnFinalized:
		o.turnEnd[sessionID] = ev.Time
	case metrics.EventDispatch:
		if start, ok := o.turnEnd[sessionID]; ok {
			delete(o.turnEnd, sessionID)
			o.replyDone[sessionID] = ev.Time
			o.log.Debug("latency_turn_to_reply",
				"session_id", sessionID,
				"duration_ms", durationMs(start, ev.Time))
		}
	case metrics.EventSpeakStart:
		if start, ok := o.replyDone[sessionID]; ok {
			delete(o.replyDone, sessionID)
			o.log.Debug("latency_reply_to_speech",
				"session_id", sessionID,
				"duration_ms", durationMs(start, ev.Time))
		}
	case metrics.EventSessionClosed:
		delete(o.turnEnd, sessionID)
		delete(o.replyDone, sessionID)
	}
}

func durationMs(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(time.Millisecond)
}
