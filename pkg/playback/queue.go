// Package playback schedules synthesized audio segments for gapless output.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/metrics"
)

// PlayFunc hands a segment to the output device when its slot arrives.
type PlayFunc func(frame frames.AudioFrame)

// Clock abstracts wall time and deferred execution so scheduling can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable deferred call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Queue lines up audio segments back to back. Each enqueued segment is
// scheduled at the later of the queue's next free slot and now, and the
// slot then advances by the segment's duration. CancelAll drops every
// pending segment and pulls the next slot back to now, so speech after a
// barge-in starts immediately instead of behind stale audio.
type Queue struct {
	mu        sync.Mutex
	clock     Clock
	play      PlayFunc
	log       *slog.Logger
	obs       metrics.Observer
	sessionID string
	nextStart time.Time
	pending   map[int64]Timer
	seq       int64
	closed    bool
	onCancel  func()
}

type Option func(*Queue)

func WithClock(clock Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithCancelHook runs fn after CancelAll drops the pending segments. It is
// used to clear audio already handed to a remote output buffer.
func WithCancelHook(fn func()) Option {
	return func(q *Queue) { q.onCancel = fn }
}

func WithObserver(obs metrics.Observer, sessionID string) Option {
	return func(q *Queue) {
		q.obs = obs
		q.sessionID = sessionID
	}
}

func NewQueue(play PlayFunc, log *slog.Logger, opts ...Option) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		clock:   realClock{},
		play:    play,
		log:     log,
		obs:     metrics.NoopObserver{},
		pending: make(map[int64]Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.nextStart = q.clock.Now()
	return q
}

// Enqueue schedules a segment at the queue's next free slot.
func (q *Queue) Enqueue(frame frames.AudioFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	now := q.clock.Now()
	start := q.nextStart
	if start.Before(now) {
		start = now
	}
	q.nextStart = start.Add(frame.Duration())

	q.seq++
	id := q.seq
	delay := start.Sub(now)
	q.pending[id] = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.pending, id)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		q.play(frame)
	})
}

// CancelAll drops every pending segment and resets the next slot to now.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	q.cancelAllLocked()
	hook := q.onCancel
	q.mu.Unlock()
	q.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventPlaybackCancel,
		Time: q.clock.Now(),
		Tags: map[string]string{"session_id": q.sessionID},
	})
	if hook != nil {
		hook()
	}
}

// NextStart reports when the next enqueued segment would begin.
func (q *Queue) NextStart() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextStart
}

// Pending reports how many segments are waiting to play.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close cancels all pending segments and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cancelAllLocked()
}

func (q *Queue) cancelAllLocked() {
	for id, timer := range q.pending {
		timer.Stop()
		delete(q.pending, id)
	}
	q.nextStart = q.clock.Now()
}
