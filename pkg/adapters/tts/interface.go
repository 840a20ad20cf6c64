// Package tts defines the vendor-agnostic speech synthesis contract.
package tts

import (
	"context"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// SpeechStream synthesizes text into audio. Audio arrives on Results as
// AudioFrames; a ControlFrame with an utterance_done action marks the end
// of a synthesized utterance. Cancel drops any synthesis in flight.
type SpeechStream interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendText(text string) error
	Cancel() error
	Results() <-chan frames.Frame
}
