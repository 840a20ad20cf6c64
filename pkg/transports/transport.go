// Package transports defines the vendor-agnostic I/O boundary for audio and
// control frames.
package transports

import (
	"context"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// Transport moves frames between the session and an external caller.
// Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer lets a transport place outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata such as webhook URLs. It is
// optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
