package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedEngine struct {
	mu        sync.Mutex
	speakErr  error
	utt       *activeUtterance
	cancelled int
}

func (e *scriptedEngine) Speak(ctx context.Context, text string) (*Utterance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speakErr != nil {
		return nil, e.speakErr
	}
	e.utt = &activeUtterance{
		started: make(chan struct{}),
		done:    make(chan error, 1),
	}
	return &Utterance{Started: e.utt.started, Done: e.utt.done}, nil
}

func (e *scriptedEngine) Cancel() {
	e.mu.Lock()
	utt := e.utt
	e.utt = nil
	e.cancelled++
	e.mu.Unlock()
	if utt != nil {
		utt.finish(nil)
	}
}

func (e *scriptedEngine) Close() error { return nil }

func (e *scriptedEngine) start() {
	e.mu.Lock()
	utt := e.utt
	e.mu.Unlock()
	if utt != nil {
		utt.markStarted()
	}
}

func (e *scriptedEngine) finish(err error) {
	e.mu.Lock()
	utt := e.utt
	e.utt = nil
	e.mu.Unlock()
	if utt != nil {
		utt.finish(err)
	}
}

type callbackRecorder struct {
	mu     sync.Mutex
	starts int
	ends   int
	lastErr error
	ended  chan struct{}
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{ended: make(chan struct{}, 4)}
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnStart: func() {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
		},
		OnEnd: func(err error) {
			r.mu.Lock()
			r.ends++
			r.lastErr = err
			r.mu.Unlock()
			r.ended <- struct{}{}
		},
	}
}

func (r *callbackRecorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(time.Second):
		t.Fatal("OnEnd did not fire")
	}
}

func (r *callbackRecorder) counts() (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.ends, r.lastErr
}

func TestGateCallbacksExactlyOnce(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Speak(context.Background(), "hello", rec.callbacks())
	engine.start()
	engine.start()
	engine.finish(nil)
	rec.waitEnd(t)

	starts, ends, err := rec.counts()
	if starts != 1 || ends != 1 || err != nil {
		t.Fatalf("starts=%d ends=%d err=%v, want 1 1 nil", starts, ends, err)
	}
}

func TestGateOnEndFiresOnError(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Speak(context.Background(), "hello", rec.callbacks())
	wantErr := errors.New("synthesis failed")
	engine.finish(wantErr)
	rec.waitEnd(t)

	starts, ends, err := rec.counts()
	if starts != 0 {
		t.Fatalf("starts = %d, want 0 when no audio played", starts)
	}
	if ends != 1 || !errors.Is(err, wantErr) {
		t.Fatalf("ends=%d err=%v, want 1 %v", ends, err, wantErr)
	}
}

func TestGateSpeakErrorStillEnds(t *testing.T) {
	engine := &scriptedEngine{speakErr: errors.New("stream down")}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Speak(context.Background(), "hello", rec.callbacks())
	rec.waitEnd(t)

	starts, ends, err := rec.counts()
	if starts != 0 || ends != 1 || err == nil {
		t.Fatalf("starts=%d ends=%d err=%v, want 0 1 non-nil", starts, ends, err)
	}
}

func TestGateMutedDropsRequest(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Mute()
	gate.Speak(context.Background(), "hello", rec.callbacks())
	rec.waitEnd(t)

	starts, ends, _ := rec.counts()
	if starts != 0 || ends != 1 {
		t.Fatalf("starts=%d ends=%d, want 0 1", starts, ends)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.utt != nil {
		t.Fatal("engine received a speak while muted")
	}
}

func TestGateMuteCancelsInFlight(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Speak(context.Background(), "hello", rec.callbacks())
	engine.start()
	gate.Mute()
	rec.waitEnd(t)

	starts, ends, _ := rec.counts()
	if starts != 1 || ends != 1 {
		t.Fatalf("starts=%d ends=%d, want 1 1", starts, ends)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.cancelled == 0 {
		t.Fatal("Mute did not cancel the engine")
	}
}

func TestGateBlankTextDropped(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	rec := newCallbackRecorder()

	gate.Speak(context.Background(), "   ", rec.callbacks())
	rec.waitEnd(t)

	starts, ends, err := rec.counts()
	if starts != 0 || ends != 1 || err != nil {
		t.Fatalf("starts=%d ends=%d err=%v, want 0 1 nil", starts, ends, err)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.utt != nil {
		t.Fatal("engine received a blank speak")
	}
}

func TestGateNewSpeakCancelsPrevious(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")
	first := newCallbackRecorder()

	gate.Speak(context.Background(), "first reply", first.callbacks())
	engine.start()

	second := newCallbackRecorder()
	gate.Speak(context.Background(), "second reply", second.callbacks())
	first.waitEnd(t)

	engine.mu.Lock()
	cancelled := engine.cancelled
	engine.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", cancelled)
	}

	engine.finish(nil)
	second.waitEnd(t)
	_, ends, _ := second.counts()
	if ends != 1 {
		t.Fatalf("second ends = %d, want 1", ends)
	}
}

func TestGateToggleMute(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")

	if !gate.ToggleMute() {
		t.Fatal("first toggle should mute")
	}
	if !gate.Muted() {
		t.Fatal("gate not muted after toggle")
	}
	if gate.ToggleMute() {
		t.Fatal("second toggle should unmute")
	}
}

func TestGateUnmuteAllowsSpeech(t *testing.T) {
	engine := &scriptedEngine{}
	gate := NewGate(engine, nil, nil, "sess-1")

	gate.Mute()
	gate.Unmute()
	if gate.Muted() {
		t.Fatal("gate still muted after Unmute")
	}

	rec := newCallbackRecorder()
	gate.Speak(context.Background(), "hello", rec.callbacks())
	engine.mu.Lock()
	gotSpeak := engine.utt != nil
	engine.mu.Unlock()
	if !gotSpeak {
		t.Fatal("engine did not receive speak after Unmute")
	}
}
