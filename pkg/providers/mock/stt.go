// Package mock provides scripted providers for tests and local development.
package mock

import (
	"context"
	"sync"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// STT is a scripted transcription stream. Tests push frames in with the
// Emit helpers and the session consumes them from Results.
type STT struct {
	mu      sync.Mutex
	out     chan frames.Frame
	started bool
	closed  bool
	pts     int64
	audio   [][]byte
}

func NewSTT() *STT {
	return &STT{out: make(chan frames.Frame, 32)}
}

func (s *STT) Name() string { return "mock-stt" }

func (s *STT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *STT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

func (s *STT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, frame.Data())
	return nil
}

func (s *STT) Results() <-chan frames.Frame { return s.out }

// ReceivedAudio returns the payloads pushed through SendAudio.
func (s *STT) ReceivedAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// EmitPartial scripts a cumulative hypothesis.
func (s *STT) EmitPartial(sessionID, text string, final bool) {
	meta := map[string]string{frames.MetaIsFinal: "false"}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	s.emit(frames.NewTextFrame(sessionID, s.nextPTS(), text, meta))
}

// EmitTurnBoundary scripts the end of a user turn.
func (s *STT) EmitTurnBoundary(sessionID string) {
	s.emit(frames.NewControlFrame(sessionID, s.nextPTS(), frames.ControlTurnBoundary, nil))
}

// EmitStreamClosed scripts a clean remote close.
func (s *STT) EmitStreamClosed(sessionID, reason string) {
	s.emit(frames.NewSystemFrame(sessionID, s.nextPTS(), frames.SystemStreamClosed,
		map[string]string{frames.MetaReason: reason}))
}

// EmitStreamError scripts a transport failure.
func (s *STT) EmitStreamError(sessionID, reason string) {
	s.emit(frames.NewSystemFrame(sessionID, s.nextPTS(), frames.SystemStreamError,
		map[string]string{frames.MetaReason: reason}))
}

func (s *STT) emit(frame frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- frame
}

func (s *STT) nextPTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts++
	return s.pts
}
