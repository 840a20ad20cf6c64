package voxtrip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxtrip/voxtrip/pkg/backend"
	"github.com/voxtrip/voxtrip/pkg/capture"
	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/logging"
	"github.com/voxtrip/voxtrip/pkg/metrics"
	"github.com/voxtrip/voxtrip/pkg/observers"
	"github.com/voxtrip/voxtrip/pkg/playback"
	"github.com/voxtrip/voxtrip/pkg/providers/pulse"
	"github.com/voxtrip/voxtrip/pkg/resilience"
	"github.com/voxtrip/voxtrip/pkg/session"
	"github.com/voxtrip/voxtrip/pkg/speech"
	"github.com/voxtrip/voxtrip/pkg/transports"
	"github.com/voxtrip/voxtrip/pkg/visual"
)

// Engine wires providers, the backend client, and transports into running
// voice sessions. One engine serves many sessions.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	obs       *metrics.AsyncObserver
	client    *backend.Client
	sink      visual.Sink
	output    playback.PlayFunc
	transport transports.Transport

	mu       sync.Mutex
	sessions map[string]*liveSession
	jsonl    *os.File
}

type liveSession struct {
	orch   *session.Orchestrator
	source chan frames.AudioFrame
}

type Option func(*Engine)

// WithSink routes companion view updates somewhere other than the default
// in-memory sink.
func WithSink(sink visual.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithAudioOutput sets the local playback function used by microphone
// sessions.
func WithAudioOutput(out playback.PlayFunc) Option {
	return func(e *Engine) { e.output = out }
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	e := &Engine{
		cfg:      cfg,
		log:      logging.NewComponentLogger(log, "engine"),
		sink:     visual.NewMemorySink(),
		sessions: make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(e)
	}

	chain := []metrics.Observer{observers.NewLoggerObserver(log)}
	if cfg.Metrics.Latency {
		chain = append(chain, observers.NewLatencyObserver(log))
	}
	if cfg.Metrics.JSONLPath != "" {
		f, err := os.OpenFile(cfg.Metrics.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.jsonl = f
		chain = append(chain, metrics.NewJSONLObserver(f))
	}
	e.obs = metrics.NewAsyncObserver(observers.NewMultiObserver(chain...), 256)

	timeout := time.Duration(cfg.Backend.TimeoutMS) * time.Millisecond
	backoff := time.Duration(cfg.Backend.RetryBackoffMS) * time.Millisecond
	e.client = backend.NewClient(cfg.Backend.BaseURL, log,
		backend.WithHTTPClient(&http.Client{Timeout: timeout}),
		backend.WithRetryPolicy(resilience.NewRetryPolicy(cfg.Backend.Retries, backoff)),
		backend.WithObserver(e.obs),
	)

	transport, err := buildTransport(cfg.Transports)
	if err != nil {
		return nil, err
	}
	e.transport = transport
	return e, nil
}

// Client exposes the backend client for direct search and booking calls.
func (e *Engine) Client() *backend.Client { return e.client }

// Sink exposes the companion view sink.
func (e *Engine) Sink() visual.Sink { return e.sink }

// StartMicSession captures from the configured PulseAudio input and runs a
// session until the context ends or the session closes.
func (e *Engine) StartMicSession(ctx context.Context) (*session.Orchestrator, error) {
	sessionID := uuid.NewString()

	device, err := pulse.SelectDevice(ctx, e.cfg.Audio.Input)
	if err != nil {
		return nil, err
	}
	e.log.Info("audio_device_selected",
		"session_id", sessionID,
		"device", device.ID)

	cap, err := pulse.StartCapture(ctx, device, sessionID)
	if err != nil {
		return nil, err
	}

	out := e.output
	var onCancel func()
	var speaker *pulse.Speaker
	if out == nil {
		speaker, err = pulse.StartSpeaker(16000)
		if err != nil {
			cap.Close()
			return nil, err
		}
		out = speaker.Play
		onCancel = speaker.Flush
	}
	orch, err := e.startSession(ctx, sessionID, cap.Frames(), out, onCancel)
	if err != nil {
		cap.Close()
		if speaker != nil {
			speaker.Close()
		}
		return nil, err
	}
	go func() {
		<-orch.Done()
		cap.Close()
		if speaker != nil {
			speaker.Close()
		}
	}()
	return orch, nil
}

// ServeCalls starts the call transport and runs one session per inbound
// call until the context ends.
func (e *Engine) ServeCalls(ctx context.Context) error {
	if e.transport == nil {
		return errors.New("no transport configured")
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		args := []any{"transport", e.transport.Name()}
		for k, v := range rr.ReadyFields() {
			args = append(args, k, v)
		}
		e.log.Info("transport_ready", args...)
	}

	for {
		select {
		case <-ctx.Done():
			e.closeAllSessions()
			return ctx.Err()
		case frame, ok := <-e.transport.Recv():
			if !ok {
				e.closeAllSessions()
				return nil
			}
			e.routeTransportFrame(ctx, frame)
		}
	}
}

func (e *Engine) routeTransportFrame(ctx context.Context, frame frames.Frame) {
	sessionID := frame.Meta()[frames.MetaSessionID]
	if sessionID == "" {
		return
	}
	switch f := frame.(type) {
	case frames.SystemFrame:
		switch f.Name() {
		case frames.SystemCallStart:
			e.startCallSession(ctx, sessionID)
		case frames.SystemCallEnd:
			e.endCallSession(sessionID)
		}
	case frames.AudioFrame:
		e.mu.Lock()
		live := e.sessions[sessionID]
		e.mu.Unlock()
		if live == nil {
			return
		}
		select {
		case live.source <- f:
		default:
			e.obs.RecordEvent(metrics.MetricsEvent{
				Name: metrics.EventCaptureDropped,
				Time: time.Now(),
				Tags: map[string]string{"session_id": sessionID},
			})
		}
	}
}

func (e *Engine) startCallSession(ctx context.Context, sessionID string) {
	source := make(chan frames.AudioFrame, 128)
	out := func(f frames.AudioFrame) {
		if err := e.transport.Send(f); err != nil {
			e.log.Warn("transport_send_failed",
				"session_id", sessionID,
				"error", err)
		}
	}
	clearRemote := func() {
		_ = e.transport.Send(frames.NewControlFrame(sessionID, time.Now().UnixNano(),
			frames.ControlCancel, nil))
	}
	orch, err := e.startSession(ctx, sessionID, source, out, clearRemote)
	if err != nil {
		e.log.Error("call_session_start_failed",
			"session_id", sessionID,
			"error", err)
		return
	}
	e.mu.Lock()
	e.sessions[sessionID] = &liveSession{orch: orch, source: source}
	e.mu.Unlock()
}

func (e *Engine) endCallSession(sessionID string) {
	e.mu.Lock()
	live := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if live == nil {
		return
	}
	live.orch.Close()
	close(live.source)
}

func (e *Engine) startSession(ctx context.Context, sessionID string, source <-chan frames.AudioFrame, out playback.PlayFunc, onCancel func()) (*session.Orchestrator, error) {
	sttProv, err := buildSTT(e.cfg.Vendors.STT, sessionID)
	if err != nil {
		return nil, err
	}
	ttsProv, err := buildTTS(e.cfg.Vendors.TTS, sessionID)
	if err != nil {
		return nil, err
	}
	if err := ttsProv.Start(ctx); err != nil {
		return nil, err
	}

	queueOpts := []playback.Option{playback.WithObserver(e.obs, sessionID)}
	if onCancel != nil {
		queueOpts = append(queueOpts, playback.WithCancelHook(onCancel))
	}
	queue := playback.NewQueue(out, e.log, queueOpts...)

	spEngine := speech.NewStreamEngine(ttsProv, queue, e.log)
	go spEngine.Run(ctx)

	gate := speech.NewGate(spEngine, e.log, e.obs, sessionID)
	link := capture.NewLink(source, sttProv.SendAudio, e.log, e.obs, sessionID)

	orch := session.New(session.Deps{
		SessionID:  sessionID,
		STT:        sttProv,
		Capture:    link,
		Gate:       gate,
		Dispatcher: e.client,
		Sink:       e.sink,
		Logger:     e.log,
		Observer:   e.obs,
	})
	if err := orch.Start(ctx); err != nil {
		_ = ttsProv.Close()
		return nil, err
	}
	go func() {
		<-orch.Done()
		_ = spEngine.Close()
	}()
	return orch, nil
}

func (e *Engine) closeAllSessions() {
	e.mu.Lock()
	live := make([]*liveSession, 0, len(e.sessions))
	for id, s := range e.sessions {
		live = append(live, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	for _, s := range live {
		s.orch.Close()
		close(s.source)
	}
}

// Drain closes every live session and flushes observers. It satisfies the
// runner's drain hook during shutdown.
func (e *Engine) Drain() error {
	e.closeAllSessions()
	if e.transport != nil {
		_ = e.transport.Stop()
	}
	e.obs.Close()
	if e.jsonl != nil {
		_ = e.jsonl.Close()
	}
	return nil
}
