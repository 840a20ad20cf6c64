package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtrip/voxtrip/pkg/adapters/stt"
	"github.com/voxtrip/voxtrip/pkg/backend"
	"github.com/voxtrip/voxtrip/pkg/capture"
	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/metrics"
	"github.com/voxtrip/voxtrip/pkg/speech"
	"github.com/voxtrip/voxtrip/pkg/transcript"
	"github.com/voxtrip/voxtrip/pkg/visual"
)

// Deps are the collaborators one session drives.
type Deps struct {
	SessionID  string
	STT        stt.StreamingSTT
	Capture    *capture.Link
	Gate       *speech.Gate
	Dispatcher backend.Dispatcher
	Sink       visual.Sink
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Orchestrator runs the conversation loop for one session. Every
// transcription result, speech callback, and dispatch completion is folded
// into a single event queue, so state changes happen strictly in order.
type Orchestrator struct {
	id   string
	log  *slog.Logger
	obs  metrics.Observer
	deps Deps

	translog *transcript.Log
	acc      *transcript.Accumulator

	events chan event
	closed chan struct{}

	stopOnce sync.Once

	// Owned by the event loop.
	state          State
	inFlight       bool
	lastDispatched string
	speaking       bool
	viewMode       visual.Mode
}

func New(deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Orchestrator{
		id:       deps.SessionID,
		log:      log.With("session_id", deps.SessionID),
		obs:      obs,
		deps:     deps,
		translog: transcript.NewLog(),
		acc:      transcript.NewAccumulator(),
		events:   make(chan event, 64),
		closed:   make(chan struct{}),
		state:    StateIdle,
		viewMode: visual.ModeItinerary,
	}
}

// Start connects the transcription stream, arms the microphone, and begins
// the event loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.toState(StateConnecting); err != nil {
		return err
	}
	if err := o.deps.STT.Start(ctx); err != nil {
		o.state = StateClosed
		close(o.closed)
		return errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}

	go o.deps.Capture.Run(ctx)
	o.deps.Capture.Arm()
	if err := o.toState(StateListening); err != nil {
		return err
	}

	go o.pumpResults(ctx)
	go o.run(ctx)
	o.log.Info("session_started")
	return nil
}

// Close tears the session down. It is safe to call more than once; every
// call waits until teardown has finished.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		o.post(event{kind: evStop})
	})
	<-o.closed
}

// Interrupt cancels any speech in flight and returns the microphone to the
// user. It is the barge-in path.
func (o *Orchestrator) Interrupt() {
	o.post(event{kind: evInterrupt})
}

// Transcript returns the conversation log so far.
func (o *Orchestrator) Transcript() []transcript.Entry {
	return o.translog.Entries()
}

// Done is closed once the session has fully closed.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.closed
}

// post enqueues an event unless the session has already closed.
func (o *Orchestrator) post(ev event) {
	select {
	case <-o.closed:
	case o.events <- ev:
	}
}

// pumpResults folds transcription stream frames into session events.
func (o *Orchestrator) pumpResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.closed:
			return
		case frame, ok := <-o.deps.STT.Results():
			if !ok {
				o.post(event{kind: evTransportClosed, reason: "result stream closed"})
				return
			}
			switch f := frame.(type) {
			case frames.TextFrame:
				o.post(event{kind: evPartial, text: f.Text(), final: f.Final()})
			case frames.ControlFrame:
				if f.Code() == frames.ControlTurnBoundary {
					o.post(event{kind: evTurnBoundary})
				}
			case frames.SystemFrame:
				switch f.Name() {
				case frames.SystemStreamClosed:
					o.post(event{kind: evTransportClosed, reason: f.Meta()[frames.MetaReason]})
				case frames.SystemStreamError:
					o.post(event{kind: evTransportError, reason: f.Meta()[frames.MetaReason]})
				}
			}
		}
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.shutdown("context cancelled")
			return
		case ev := <-o.events:
			if done := o.handle(ctx, ev); done {
				return
			}
		}
	}
}

// handle processes one event. It returns true once the session is closed.
func (o *Orchestrator) handle(ctx context.Context, ev event) bool {
	switch ev.kind {
	case evPartial:
		o.onPartial(ev)
	case evTurnBoundary:
		o.onTurnBoundary(ctx)
	case evDispatchDone:
		o.onDispatchDone(ctx, ev)
	case evSpeakStarted:
		o.speaking = true
		o.deps.Capture.Disarm()
	case evSpeakEnded:
		o.speaking = false
		if ev.err != nil {
			o.log.Warn("speech_ended_with_error", "error", ev.err)
		}
		o.deps.Capture.Arm()
	case evInterrupt:
		o.onInterrupt()
	case evTransportError:
		o.log.Error("transport_error", "reason", ev.reason)
		o.shutdown(ev.reason)
		return true
	case evTransportClosed:
		o.log.Info("transport_closed", "reason", ev.reason)
		o.shutdown(ev.reason)
		return true
	case evStop:
		o.shutdown("requested")
		return true
	}
	return false
}

func (o *Orchestrator) onPartial(ev event) {
	o.acc.Update(ev.text)
	o.translog.AppendOrUpdate(transcript.Entry{
		Speaker: transcript.SpeakerUser,
		Text:    ev.text,
		Final:   false,
	})
	o.log.Debug("partial_received", "text", clipText(ev.text), "final", ev.final)
	if o.speaking {
		o.onInterrupt()
	}
}

func (o *Orchestrator) onTurnBoundary(ctx context.Context) {
	text := o.acc.Finalize()
	if text == "" {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTurnFinalized,
		Time: time.Now(),
		Tags: map[string]string{"session_id": o.id},
	})

	if o.inFlight {
		o.log.Debug("turn_dropped_dispatch_in_flight", "text", clipText(text))
		return
	}
	if text == o.lastDispatched {
		o.log.Debug("turn_suppressed_duplicate", "text", clipText(text))
		return
	}
	if o.state != StateListening {
		o.log.Debug("turn_dropped_wrong_state", "state", o.state.String())
		return
	}

	o.translog.AppendOrUpdate(transcript.Entry{
		Speaker: transcript.SpeakerUser,
		Text:    text,
		Final:   true,
	})
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTranscriptFinal,
		Time: time.Now(),
		Tags: map[string]string{"session_id": o.id, "speaker": string(transcript.SpeakerUser)},
	})
	o.lastDispatched = text
	o.inFlight = true
	o.mustState(StateSending)

	visual.SetViewMode(o.deps.Sink, o.id, visual.ModeLoading)
	o.mustState(StateAwaitingBackend)
	o.log.Info("turn_dispatched", "text", clipText(text))

	go func() {
		resp, err := o.deps.Dispatcher.Dispatch(ctx, backend.ChatRequest{
			SessionID: o.id,
			UserText:  text,
		})
		o.post(event{kind: evDispatchDone, resp: resp, err: err})
	}()
}

func (o *Orchestrator) onDispatchDone(ctx context.Context, ev event) {
	o.inFlight = false

	if ev.err != nil {
		o.log.Warn("dispatch_failed", "error", ev.err, "reason", errorsx.Reason(ev.err))
		o.mustState(StateApplyingResult)
		o.translog.AppendOrUpdate(transcript.Entry{
			Speaker: transcript.SpeakerAssistant,
			Text:    backend.ApologyReply,
			Final:   true,
		})
		// Leave the view as it was before the loading screen.
		visual.SetViewMode(o.deps.Sink, o.id, o.viewMode)
		o.speak(ctx, backend.ApologyReply)
		o.mustState(StateListening)
		return
	}

	o.mustState(StateApplyingResult)
	o.translog.AppendOrUpdate(transcript.Entry{
		Speaker: transcript.SpeakerAssistant,
		Text:    ev.resp.Reply,
		Final:   true,
	})
	if mode, ok := backend.ViewForIntent(ev.resp.Intent); ok {
		o.viewMode = mode
		o.deps.Sink.Apply(visual.Update{SessionID: o.id, Mode: mode, Payload: ev.resp})
	} else {
		visual.SetViewMode(o.deps.Sink, o.id, o.viewMode)
	}
	o.speak(ctx, ev.resp.Reply)
	o.mustState(StateListening)
}

func (o *Orchestrator) onInterrupt() {
	if !o.speaking {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventBargeIn,
		Time: time.Now(),
		Tags: map[string]string{"session_id": o.id},
	})
	o.deps.Gate.Mute()
	o.deps.Gate.Unmute()
	o.deps.Capture.Arm()
}

func (o *Orchestrator) speak(ctx context.Context, text string) {
	if text == "" {
		return
	}
	o.deps.Gate.Speak(ctx, text, speech.Callbacks{
		OnStart: func() {
			o.post(event{kind: evSpeakStarted})
		},
		OnEnd: func(err error) {
			o.post(event{kind: evSpeakEnded, err: err})
		},
	})
}

// shutdown runs the ordered teardown and marks the session closed. Any
// text still open in the accumulator is flushed into the log first so the
// user's last words survive an abrupt transport failure.
func (o *Orchestrator) shutdown(reason string) {
	if o.state == StateClosed {
		return
	}
	o.mustState(StateClosing)

	if text := o.acc.Current(); text != "" {
		o.acc.Finalize()
		o.translog.AppendOrUpdate(transcript.Entry{
			Speaker: transcript.SpeakerUser,
			Text:    text,
			Final:   true,
		})
	}

	o.deps.Capture.Shutdown()
	o.deps.Gate.Mute()
	if err := o.deps.STT.Close(); err != nil {
		o.log.Warn("transcription_close_failed", "error", err)
	}

	o.mustState(StateClosed)
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventSessionClosed,
		Time:   time.Now(),
		Tags:   map[string]string{"session_id": o.id},
		Fields: map[string]any{"reason": reason},
	})
	o.log.Info("session_closed", "reason", reason)
	close(o.closed)
}

func (o *Orchestrator) toState(to State) error {
	next, err := transition(o.state, to)
	if err != nil {
		return err
	}
	o.state = next
	return nil
}

// mustState is used on the event loop for transitions that are valid by
// construction. A failure means the lifecycle graph itself is wrong.
func (o *Orchestrator) mustState(to State) {
	if err := o.toState(to); err != nil {
		var ite InvalidTransitionError
		if errors.As(err, &ite) {
			o.log.Error("lifecycle_violation", "from", ite.From.String(), "to", ite.To.String())
		}
	}
}

func clipText(s string) string {
	const max = 48
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
