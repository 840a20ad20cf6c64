// Package stt defines the vendor-agnostic streaming transcription contract.
package stt

import (
	"context"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// StreamingSTT is a live transcription stream. Implementations push
// recognized text onto Results as TextFrames carrying an is_final marker,
// plus ControlFrames for turn boundaries and SystemFrames for stream
// lifecycle events.
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendAudio(frame frames.AudioFrame) error
	Results() <-chan frames.Frame
}
