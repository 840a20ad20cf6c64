package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/voxtrip/voxtrip/pkg/adapters/tts"
	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/playback"
)

// StreamEngine speaks text through a streaming synthesizer and schedules
// the resulting audio on a playback queue. One utterance is active at a
// time; Run must be started once to pump synthesis results.
type StreamEngine struct {
	stream tts.SpeechStream
	queue  *playback.Queue
	log    *slog.Logger

	mu     sync.Mutex
	active *activeUtterance
}

type activeUtterance struct {
	started   chan struct{}
	done      chan error
	startOnce sync.Once
	doneOnce  sync.Once
}

func (u *activeUtterance) markStarted() {
	u.startOnce.Do(func() { close(u.started) })
}

func (u *activeUtterance) finish(err error) {
	u.doneOnce.Do(func() {
		u.done <- err
		close(u.done)
	})
}

func NewStreamEngine(stream tts.SpeechStream, queue *playback.Queue, log *slog.Logger) *StreamEngine {
	if log == nil {
		log = slog.Default()
	}
	return &StreamEngine{
		stream: stream,
		queue:  queue,
		log:    log,
	}
}

// Run pumps synthesis results into the playback queue until the stream's
// result channel closes or the context ends.
func (e *StreamEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.completeActive(ctx.Err())
			return
		case frame, ok := <-e.stream.Results():
			if !ok {
				e.completeActive(errors.New("synthesis stream closed"))
				return
			}
			e.handle(frame)
		}
	}
}

func (e *StreamEngine) handle(frame frames.Frame) {
	switch f := frame.(type) {
	case frames.AudioFrame:
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if active == nil {
			// Stale audio from a cancelled utterance.
			return
		}
		e.queue.Enqueue(f)
		active.markStarted()
	case frames.ControlFrame:
		if f.Code() == frames.ControlUtteranceDone {
			e.completeActive(nil)
		}
	case frames.SystemFrame:
		if f.Name() == frames.SystemStreamError {
			reason := f.Meta()[frames.MetaReason]
			e.completeActive(errorsx.Wrap(errors.New(reason), errorsx.ReasonSpeechOutput))
		}
	}
}

// Speak begins synthesizing text. It fails if an utterance is already in
// flight.
func (e *StreamEngine) Speak(ctx context.Context, text string) (*Utterance, error) {
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, errors.New("utterance already in flight")
	}
	active := &activeUtterance{
		started: make(chan struct{}),
		done:    make(chan error, 1),
	}
	e.active = active
	e.mu.Unlock()

	if err := e.stream.SendText(text); err != nil {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
		return nil, errorsx.Wrap(err, errorsx.ReasonSpeechOutput)
	}
	return &Utterance{Started: active.started, Done: active.done}, nil
}

// Cancel abandons the current utterance and flushes queued audio.
func (e *StreamEngine) Cancel() {
	if err := e.stream.Cancel(); err != nil {
		e.log.Warn("synthesis_cancel_failed", "error", err)
	}
	e.queue.CancelAll()
	e.completeActive(nil)
}

// Close shuts down the synthesizer and playback queue.
func (e *StreamEngine) Close() error {
	e.completeActive(nil)
	e.queue.Close()
	return e.stream.Close()
}

func (e *StreamEngine) completeActive(err error) {
	e.mu.Lock()
	active := e.active
	e.active = nil
	e.mu.Unlock()
	if active != nil {
		active.finish(err)
	}
}
