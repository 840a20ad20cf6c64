// Package speech turns reply text into audible output behind a mute gate.
package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxtrip/voxtrip/pkg/metrics"
)

// Engine produces audible output for a piece of text. Speak returns an
// Utterance whose Started channel closes when audio first plays and whose
// Done channel yields exactly one result when the utterance finishes,
// fails, or is cancelled.
type Engine interface {
	Speak(ctx context.Context, text string) (*Utterance, error)
	Cancel()
	Close() error
}

// Utterance tracks one spoken reply in flight.
type Utterance struct {
	Started <-chan struct{}
	Done    <-chan error
}

// Callbacks observe the lifecycle of a spoken reply. OnStart fires when
// audio becomes audible, OnEnd fires when the reply ends for any reason.
// Each fires at most once per Speak call, and OnEnd always fires.
type Callbacks struct {
	OnStart func()
	OnEnd   func(err error)
}

// Gate serializes speech requests and drops them while muted. Muting also
// cancels whatever is currently being spoken.
type Gate struct {
	mu        sync.Mutex
	engine    Engine
	log       *slog.Logger
	obs       metrics.Observer
	sessionID string
	muted     bool
	active    bool
	gen       uint64
}

func NewGate(engine Engine, log *slog.Logger, obs metrics.Observer, sessionID string) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Gate{
		engine:    engine,
		log:       log,
		obs:       obs,
		sessionID: sessionID,
	}
}

// Speak requests that text be spoken. Muted or blank requests are dropped
// with OnEnd firing immediately. A reply already being spoken is cancelled
// first. Otherwise OnStart fires when the first audio plays and OnEnd
// fires once when the utterance completes, errors, or is cancelled by a
// later Mute.
func (g *Gate) Speak(ctx context.Context, text string, cb Callbacks) {
	if strings.TrimSpace(text) == "" {
		fireEnd(cb, nil)
		return
	}
	g.mu.Lock()
	if g.muted {
		g.mu.Unlock()
		g.log.Debug("speech_dropped_muted", "session_id", g.sessionID)
		fireEnd(cb, nil)
		return
	}
	if g.active {
		g.engine.Cancel()
	}
	utt, err := g.engine.Speak(ctx, text)
	if err != nil {
		g.mu.Unlock()
		fireEnd(cb, err)
		return
	}
	g.active = true
	g.gen++
	gen := g.gen
	g.mu.Unlock()

	go g.watch(ctx, utt, cb, gen)
}

func (g *Gate) watch(ctx context.Context, utt *Utterance, cb Callbacks, gen uint64) {
	var startOnce, endOnce sync.Once
	for {
		select {
		case <-utt.Started:
			startOnce.Do(func() {
				g.obs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventSpeakStart,
					Tags: map[string]string{"session_id": g.sessionID},
				})
				if cb.OnStart != nil {
					cb.OnStart()
				}
			})
			// Started is closed, so stop selecting on it.
			utt = &Utterance{Started: nil, Done: utt.Done}
		case err := <-utt.Done:
			g.clearActive(gen)
			endOnce.Do(func() {
				g.obs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventSpeakEnd,
					Tags: map[string]string{"session_id": g.sessionID},
				})
				if cb.OnEnd != nil {
					cb.OnEnd(err)
				}
			})
			return
		case <-ctx.Done():
			g.engine.Cancel()
			g.clearActive(gen)
			endOnce.Do(func() {
				if cb.OnEnd != nil {
					cb.OnEnd(ctx.Err())
				}
			})
			return
		}
	}
}

// Mute drops future speech and cancels the current utterance.
func (g *Gate) Mute() {
	g.mu.Lock()
	g.muted = true
	g.mu.Unlock()
	g.engine.Cancel()
}

// Unmute lets speech through again.
func (g *Gate) Unmute() {
	g.mu.Lock()
	g.muted = false
	g.mu.Unlock()
}

// ToggleMute flips the gate and reports the new state.
func (g *Gate) ToggleMute() bool {
	g.mu.Lock()
	g.muted = !g.muted
	muted := g.muted
	g.mu.Unlock()
	if muted {
		g.engine.Cancel()
	}
	return muted
}

// Muted reports the gate state.
func (g *Gate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

// clearActive ignores stale watchers from an utterance that was already
// replaced by a newer Speak.
func (g *Gate) clearActive(gen uint64) {
	g.mu.Lock()
	if g.gen == gen {
		g.active = false
	}
	g.mu.Unlock()
}

func fireEnd(cb Callbacks, err error) {
	if cb.OnEnd != nil {
		cb.OnEnd(err)
	}
}
