package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxtrip/voxtrip/pkg/backend"
	"github.com/voxtrip/voxtrip/pkg/capture"
	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/providers/mock"
	"github.com/voxtrip/voxtrip/pkg/speech"
	"github.com/voxtrip/voxtrip/pkg/transcript"
	"github.com/voxtrip/voxtrip/pkg/visual"
)

type scriptedDispatcher struct {
	mu    sync.Mutex
	calls []backend.ChatRequest
	resp  backend.ChatResponse
	err   error
	hold  chan struct{}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	hold := d.hold
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return d.resp, d.err
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *scriptedDispatcher) lastCall() backend.ChatRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return backend.ChatRequest{}
	}
	return d.calls[len(d.calls)-1]
}

type fakeEngine struct {
	mu       sync.Mutex
	autoDone bool
	cancels  int
	done     chan error
}

func (e *fakeEngine) Speak(ctx context.Context, text string) (*speech.Utterance, error) {
	started := make(chan struct{})
	close(started)
	done := make(chan error, 1)
	e.mu.Lock()
	if e.autoDone {
		done <- nil
	} else {
		e.done = done
	}
	e.mu.Unlock()
	return &speech.Utterance{Started: started, Done: done}, nil
}

func (e *fakeEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels++
	if e.done != nil {
		e.done <- nil
		e.done = nil
	}
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) cancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels
}

type harness struct {
	stt        *mock.STT
	dispatcher *scriptedDispatcher
	sink       *visual.MemorySink
	engine     *fakeEngine
	link       *capture.Link
	orch       *Orchestrator
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, dispatcher *scriptedDispatcher, engine *fakeEngine) *harness {
	t.Helper()
	sttMock := mock.NewSTT()
	sink := visual.NewMemorySink()
	source := make(chan frames.AudioFrame)
	link := capture.NewLink(source, func(f frames.AudioFrame) error {
		return sttMock.SendAudio(f)
	}, nil, nil, "sess-1")
	gate := speech.NewGate(engine, nil, nil, "sess-1")

	orch := New(Deps{
		SessionID:  "sess-1",
		STT:        sttMock,
		Capture:    link,
		Gate:       gate,
		Dispatcher: dispatcher,
		Sink:       sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cancel)
	return &harness{
		stt:        sttMock,
		dispatcher: dispatcher,
		sink:       sink,
		engine:     engine,
		link:       link,
		orch:       orch,
		cancel:     cancel,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func assistantEntries(entries []transcript.Entry) []transcript.Entry {
	var out []transcript.Entry
	for _, e := range entries {
		if e.Speaker == transcript.SpeakerAssistant {
			out = append(out, e)
		}
	}
	return out
}

func TestGrowingPartialsDispatchOnce(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		resp: backend.ChatResponse{Reply: "Found flights.", Intent: backend.IntentFlightSearch},
	}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "San", false)
	h.stt.EmitPartial("sess-1", "San Jose", true)
	h.stt.EmitTurnBoundary("sess-1")

	waitFor(t, "dispatch", func() bool { return dispatcher.callCount() == 1 })
	if got := dispatcher.lastCall().UserText; got != "San Jose" {
		t.Fatalf("dispatched text = %q, want %q", got, "San Jose")
	}

	// A second boundary without new speech must not dispatch again.
	h.stt.EmitTurnBoundary("sess-1")
	time.Sleep(50 * time.Millisecond)
	if got := dispatcher.callCount(); got != 1 {
		t.Fatalf("dispatch count = %d, want 1", got)
	}
}

func TestDuplicateFinalTextSuppressed(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		resp: backend.ChatResponse{Reply: "Found flights.", Intent: backend.IntentFlightSearch},
	}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "San Jose", true)
	h.stt.EmitTurnBoundary("sess-1")
	waitFor(t, "first dispatch", func() bool { return dispatcher.callCount() == 1 })

	h.stt.EmitPartial("sess-1", "San Jose", true)
	h.stt.EmitTurnBoundary("sess-1")
	time.Sleep(50 * time.Millisecond)
	if got := dispatcher.callCount(); got != 1 {
		t.Fatalf("dispatch count = %d, want 1 after duplicate turn", got)
	}
}

func TestReplyRecordedAndViewApplied(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		resp: backend.ChatResponse{Reply: "Found 2 hotels.", Intent: backend.IntentHotelSearch},
	}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "hotels in Austin", true)
	h.stt.EmitTurnBoundary("sess-1")

	waitFor(t, "assistant reply in transcript", func() bool {
		return len(assistantEntries(h.orch.Transcript())) == 1
	})
	entries := assistantEntries(h.orch.Transcript())
	if entries[0].Text != "Found 2 hotels." {
		t.Fatalf("assistant entry = %q", entries[0].Text)
	}

	waitFor(t, "hotel view", func() bool {
		update, ok := h.sink.Current()
		return ok && update.Mode == visual.ModeHotels
	})
	updates := h.sink.Updates()
	if updates[0].Mode != visual.ModeLoading {
		t.Fatalf("first update mode = %q, want loading", updates[0].Mode)
	}
}

func TestDispatchFailureSpeaksApologyWithoutView(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		err: errorsx.Wrap(errors.New("connect refused"), errorsx.ReasonBackendUnavailable),
	}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "flights to Lima", true)
	h.stt.EmitTurnBoundary("sess-1")

	waitFor(t, "apology in transcript", func() bool {
		entries := assistantEntries(h.orch.Transcript())
		return len(entries) == 1 && entries[0].Text == backend.ApologyReply
	})

	waitFor(t, "view restored after failure", func() bool {
		update, ok := h.sink.Current()
		return ok && update.Mode != visual.ModeLoading
	})
	for _, update := range h.sink.Updates() {
		if update.Payload != nil {
			t.Fatalf("failed dispatch pushed view data: %+v", update)
		}
		switch update.Mode {
		case visual.ModeLoading, visual.ModeItinerary:
		default:
			t.Fatalf("unexpected view update %q after failed dispatch", update.Mode)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.orch.Close()
	h.orch.Close()

	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close")
	}
	if h.link.Armed() {
		t.Fatal("capture still armed after Close")
	}
	if h.engine.cancelCount() == 0 {
		t.Fatal("speech not cancelled during teardown")
	}
}

func TestTransportErrorFlushesOpenTurn(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "book a fl", false)
	h.stt.EmitStreamError("sess-1", "socket reset")

	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close on transport error")
	}

	entries := h.orch.Transcript()
	if len(entries) == 0 {
		t.Fatal("transcript empty after flush")
	}
	last := entries[len(entries)-1]
	if last.Text != "book a fl" || !last.Final {
		t.Fatalf("last entry = %+v, want final %q", last, "book a fl")
	}
}

func TestLateDispatchResultDiscarded(t *testing.T) {
	hold := make(chan struct{})
	dispatcher := &scriptedDispatcher{
		resp: backend.ChatResponse{Reply: "Too late.", Intent: backend.IntentHotelSearch},
		hold: hold,
	}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitPartial("sess-1", "hotels in Austin", true)
	h.stt.EmitTurnBoundary("sess-1")
	waitFor(t, "dispatch started", func() bool { return dispatcher.callCount() == 1 })

	h.orch.Close()
	close(hold)
	time.Sleep(50 * time.Millisecond)

	if entries := assistantEntries(h.orch.Transcript()); len(entries) != 0 {
		t.Fatalf("assistant entries = %+v, want none after close", entries)
	}
	for _, update := range h.sink.Updates() {
		if update.Mode == visual.ModeHotels {
			t.Fatal("late result still updated the view")
		}
	}
}

func TestBargeInCancelsSpeechAndRearmsCapture(t *testing.T) {
	dispatcher := &scriptedDispatcher{
		resp: backend.ChatResponse{Reply: "A long answer.", Intent: backend.IntentGeneralQuery},
	}
	engine := &fakeEngine{autoDone: false}
	h := newHarness(t, dispatcher, engine)

	h.stt.EmitPartial("sess-1", "tell me about Peru", true)
	h.stt.EmitTurnBoundary("sess-1")

	// Speech starts and stays in flight, so capture goes quiet.
	waitFor(t, "capture disarmed during speech", func() bool { return !h.link.Armed() })

	h.stt.EmitPartial("sess-1", "actually", false)
	waitFor(t, "speech cancelled", func() bool { return engine.cancelCount() > 0 })
	waitFor(t, "capture re-armed", func() bool { return h.link.Armed() })
}

func TestStreamClosedEndsSession(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	h := newHarness(t, dispatcher, &fakeEngine{autoDone: true})

	h.stt.EmitStreamClosed("sess-1", "remote hangup")
	select {
	case <-h.orch.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not close when stream closed")
	}
}
