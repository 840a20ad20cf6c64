package mock

import (
	"context"
	"sync"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// TTS is a scripted synthesis stream. Each SendText is recorded; tests
// script the audio and utterance boundaries that come back.
type TTS struct {
	mu        sync.Mutex
	out       chan frames.Frame
	sent      []string
	cancelled int
	closed    bool
	pts       int64
}

func NewTTS() *TTS {
	return &TTS{out: make(chan frames.Frame, 32)}
}

func (t *TTS) Name() string { return "mock-tts" }

func (t *TTS) Start(ctx context.Context) error { return nil }

func (t *TTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.out)
	return nil
}

func (t *TTS) SendText(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return nil
}

func (t *TTS) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled++
	return nil
}

func (t *TTS) Results() <-chan frames.Frame { return t.out }

// Sent returns all text pushed through SendText.
func (t *TTS) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	copy(out, t.sent)
	return out
}

// Cancelled reports how many times Cancel was called.
func (t *TTS) Cancelled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// EmitAudio scripts a synthesized segment.
func (t *TTS) EmitAudio(sessionID string, data []byte, rate int) {
	t.emit(frames.NewAudioFrame(sessionID, t.nextPTS(), data, rate, 1, nil))
}

// EmitUtteranceDone scripts the end of the current utterance.
func (t *TTS) EmitUtteranceDone(sessionID string) {
	t.emit(frames.NewControlFrame(sessionID, t.nextPTS(), frames.ControlUtteranceDone, nil))
}

// EmitStreamError scripts a synthesis failure.
func (t *TTS) EmitStreamError(sessionID, reason string) {
	t.emit(frames.NewSystemFrame(sessionID, t.nextPTS(), frames.SystemStreamError,
		map[string]string{frames.MetaReason: reason}))
}

func (t *TTS) emit(frame frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.out <- frame
}

func (t *TTS) nextPTS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pts++
	return t.pts
}
