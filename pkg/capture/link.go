// Package capture forwards microphone audio into a transcription stream.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/metrics"
)

// ForwardFunc delivers an armed capture frame downstream.
type ForwardFunc func(frame frames.AudioFrame) error

// Link gates the flow of microphone audio toward the transcriber. While
// disarmed it keeps draining the source so the device buffer never backs
// up, but the frames are dropped instead of forwarded. Shutdown stops the
// link permanently and is safe to call more than once.
type Link struct {
	source    <-chan frames.AudioFrame
	forward   ForwardFunc
	log       *slog.Logger
	obs       metrics.Observer
	sessionID string

	armed    atomic.Bool
	shutdown sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

func NewLink(source <-chan frames.AudioFrame, forward ForwardFunc, log *slog.Logger, obs metrics.Observer, sessionID string) *Link {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Link{
		source:    source,
		forward:   forward,
		log:       log,
		obs:       obs,
		sessionID: sessionID,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Run pumps the source until the context ends, the source closes, or
// Shutdown is called. It is intended to run on its own goroutine.
func (l *Link) Run(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case frame, ok := <-l.source:
			if !ok {
				return
			}
			if !l.armed.Load() {
				l.obs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventCaptureDropped,
					Tags: map[string]string{"session_id": l.sessionID},
				})
				continue
			}
			if err := l.forward(frame); err != nil {
				l.log.Warn("capture_forward_failed",
					"session_id", l.sessionID,
					"error", err)
			}
		}
	}
}

// Arm starts forwarding captured audio.
func (l *Link) Arm() {
	l.armed.Store(true)
}

// Disarm stops forwarding while keeping the source drained.
func (l *Link) Disarm() {
	l.armed.Store(false)
}

// Armed reports whether frames are currently forwarded.
func (l *Link) Armed() bool {
	return l.armed.Load()
}

// Shutdown stops the link for good. Subsequent calls are no-ops.
func (l *Link) Shutdown() {
	l.shutdown.Do(func() {
		l.armed.Store(false)
		close(l.done)
	})
}

// Done is closed once the pump loop has exited.
func (l *Link) Done() <-chan struct{} {
	return l.stopped
}
