// Package mock provides an in-memory transport for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

// Transport is a channel-backed transport. Tests push inbound frames with
// Inject and inspect outbound frames through Sent.
type Transport struct {
	mu     sync.Mutex
	recvCh chan frames.Frame
	sent   []frames.Frame
	closed bool
}

func New() *Transport {
	return &Transport{recvCh: make(chan frames.Frame, 64)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error { return nil }

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recvCh)
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return nil
}

// Inject delivers an inbound frame as if it arrived from the caller.
func (t *Transport) Inject(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.recvCh <- f
}

// Sent returns every frame pushed through Send.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]frames.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}
