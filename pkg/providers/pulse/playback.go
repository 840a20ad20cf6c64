package pulse

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"

	"github.com/voxtrip/voxtrip/pkg/capture"
	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/frames"
)

// Speaker plays synthesized audio on the default Pulse sink. The stream
// stays open across utterances; silence is emitted while no audio is
// queued so replies start without a stream restart.
type Speaker struct {
	client *pulse.Client
	stream *pulse.PlaybackStream

	mu     sync.Mutex
	queue  []int16
	closed bool
}

// StartSpeaker opens a mono playback stream at the given sample rate.
func StartSpeaker(rate int) (*Speaker, error) {
	if rate <= 0 {
		rate = sampleRate
	}
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("voxtrip"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect pulse server: %w", err), errorsx.ReasonDeviceUnavailable)
	}

	s := &Speaker{client: client}
	stream, err := client.NewPlayback(
		pulse.Int16Reader(s.read),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(rate),
		pulse.PlaybackLatency(0.04),
		pulse.PlaybackMediaName("voxtrip assistant"),
	)
	if err != nil {
		client.Close()
		return nil, errorsx.Wrap(fmt.Errorf("create pulse playback stream: %w", err), errorsx.ReasonDeviceUnavailable)
	}
	s.stream = stream
	stream.Start()
	return s, nil
}

// Play queues one synthesized segment. Mu-law payloads are decoded to
// linear PCM first.
func (s *Speaker) Play(frame frames.AudioFrame) {
	data := frame.RawPayload()
	if frame.Meta()[frames.MetaEncoding] == "mulaw" {
		data = capture.DecodeMulaw(data)
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, samples...)
}

// Flush drops queued samples that have not reached the sink yet.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// Close stops playback and disconnects from the Pulse server.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	// The reader reports end of data once closed, so Drain returns quickly.
	s.stream.Drain()
	s.stream.Close()
	s.client.Close()
}

func (s *Speaker) read(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pulse.EndOfData
	}
	n := copy(buf, s.queue)
	s.queue = s.queue[n:]
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}
