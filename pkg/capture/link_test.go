package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxtrip/voxtrip/pkg/frames"
)

func audioFrame(pts int64) frames.AudioFrame {
	return frames.NewAudioFrame("sess-1", pts, make([]byte, 640), 16000, 1, nil)
}

func TestLinkForwardsOnlyWhileArmed(t *testing.T) {
	source := make(chan frames.AudioFrame, 8)
	var mu sync.Mutex
	var forwarded []int64
	link := NewLink(source, func(f frames.AudioFrame) error {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, f.PTS())
		return nil
	}, nil, nil, "sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	source <- audioFrame(1)
	link.Arm()
	waitDrained(t, source)
	source <- audioFrame(2)
	waitDrained(t, source)
	link.Disarm()
	source <- audioFrame(3)
	waitDrained(t, source)

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != 2 {
		t.Fatalf("forwarded = %v, want [2]", forwarded)
	}
}

func TestLinkShutdownIdempotent(t *testing.T) {
	source := make(chan frames.AudioFrame)
	link := NewLink(source, func(frames.AudioFrame) error { return nil }, nil, nil, "sess-1")

	go link.Run(context.Background())
	link.Shutdown()
	link.Shutdown()

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link did not stop after Shutdown")
	}
	if link.Armed() {
		t.Fatal("link still armed after Shutdown")
	}
}

func TestLinkStopsWhenSourceCloses(t *testing.T) {
	source := make(chan frames.AudioFrame)
	link := NewLink(source, func(frames.AudioFrame) error { return nil }, nil, nil, "sess-1")

	go link.Run(context.Background())
	close(source)

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link did not stop after source close")
	}
}

func waitDrained(t *testing.T, source chan frames.AudioFrame) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if len(source) == 0 {
			// Give the pump a moment to finish handling the last frame.
			time.Sleep(5 * time.Millisecond)
			return
		}
		select {
		case <-deadline:
			t.Fatal("source not drained")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestMulawRoundTripSilence(t *testing.T) {
	pcm := make([]byte, 32)
	encoded := EncodeMulaw(pcm)
	if len(encoded) != 16 {
		t.Fatalf("len(encoded) = %d, want 16", len(encoded))
	}
	decoded := DecodeMulaw(encoded)
	for i := 0; i+1 < len(decoded); i += 2 {
		sample := int16(uint16(decoded[i]) | uint16(decoded[i+1])<<8)
		if sample > 8 || sample < -8 {
			t.Fatalf("sample %d = %d, want near zero", i/2, sample)
		}
	}
}

func TestMulawPreservesSignAndMagnitude(t *testing.T) {
	samples := []int16{1000, -1000, 20000, -20000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	decoded := DecodeMulaw(EncodeMulaw(pcm))
	for i, want := range samples {
		got := int16(uint16(decoded[i*2]) | uint16(decoded[i*2+1])<<8)
		if (want > 0) != (got > 0) {
			t.Fatalf("sample %d sign flipped: want %d, got %d", i, want, got)
		}
		diff := int(got) - int(want)
		if diff < 0 {
			diff = -diff
		}
		if diff > int(want)/8+64 && diff > 1200 {
			t.Fatalf("sample %d too far off: want %d, got %d", i, want, got)
		}
	}
}
