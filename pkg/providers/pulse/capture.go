// Package pulse captures microphone audio from a PulseAudio source and
// exposes it as audio frames.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/voxtrip/voxtrip/pkg/errorsx"
	"github.com/voxtrip/voxtrip/pkg/frames"
)

const (
	sampleRate     = 16000
	chunkSizeBytes = 640 // 20ms @ 16kHz mono s16
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// ListDevices returns available Pulse input sources with default and
// availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("voxtrip"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect pulse server: %w", err), errorsx.ReasonDeviceUnavailable)
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read default source: %w", err), errorsx.ReasonDeviceUnavailable)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("list sources: %w", err), errorsx.ReasonDeviceUnavailable)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// SelectDevice resolves a preferred device name against the live device
// list, falling back to the default source when the preference is empty or
// does not match.
func SelectDevice(ctx context.Context, preferred string) (Device, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}
	return selectFromList(devices, preferred)
}

func selectFromList(devices []Device, preferred string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errorsx.Wrap(errors.New("no audio input devices found"), errorsx.ReasonDeviceUnavailable)
	}

	preferred = strings.TrimSpace(strings.ToLower(preferred))
	var defaultDevice *Device
	for i := range devices {
		dev := &devices[i]
		if dev.Default {
			defaultDevice = dev
		}
		if preferred != "" && preferred != "default" && deviceMatches(*dev, preferred) {
			if !dev.Available || dev.Muted {
				continue
			}
			return *dev, nil
		}
	}

	if preferred != "" && preferred != "default" {
		return Device{}, errorsx.Wrap(
			fmt.Errorf("audio input %q did not match a usable device", preferred),
			errorsx.ReasonDeviceUnavailable)
	}
	if defaultDevice == nil || !defaultDevice.Available || defaultDevice.Muted {
		return Device{}, errorsx.Wrap(errors.New("default audio source is unavailable"), errorsx.ReasonDeviceUnavailable)
	}
	return *defaultDevice, nil
}

func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// Capture streams 20ms PCM frames from one Pulse source.
type Capture struct {
	device    Device
	sessionID string

	client *pulse.Client
	stream *pulse.RecordStream

	out    chan frames.AudioFrame
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
}

// StartCapture creates and starts a 16kHz mono s16 record stream.
func StartCapture(ctx context.Context, selected Device, sessionID string) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("voxtrip"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect pulse server: %w", err), errorsx.ReasonDeviceUnavailable)
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, errorsx.Wrap(fmt.Errorf("resolve source %q: %w", selected.ID, err), errorsx.ReasonDeviceUnavailable)
	}

	capture := &Capture{
		device:    selected,
		sessionID: sessionID,
		client:    client,
		out:       make(chan frames.AudioFrame, 128),
		stopCh:    make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("voxtrip assistant"),
	)
	if err != nil {
		capture.Close()
		return nil, errorsx.Wrap(fmt.Errorf("create pulse record stream: %w", err), errorsx.ReasonDeviceUnavailable)
	}

	capture.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		_ = capture.Stop()
	}()

	return capture, nil
}

// Device returns capture metadata for logging.
func (c *Capture) Device() Device {
	return c.device
}

// Frames returns the capture stream as 20ms audio frames.
func (c *Capture) Frames() <-chan frames.AudioFrame {
	return c.out
}

// Stop halts the stream, flushes residual PCM, and closes Frames exactly
// once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := append([]byte(nil), c.pending...)
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		select {
		case c.out <- c.frame(pending):
		default:
		}
	}

	close(c.out)
	return nil
}

// Close is a convenience alias for Stop.
func (c *Capture) Close() {
	_ = c.Stop()
}

// onPCM receives raw Pulse buffers and emits fixed-size frames.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as c.stopped to avoid Add/Wait races.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	chunks := make([][]byte, 0, len(c.pending)/chunkSizeBytes)
	for len(c.pending) >= chunkSizeBytes {
		chunk := make([]byte, chunkSizeBytes)
		copy(chunk, c.pending[:chunkSizeBytes])
		c.pending = c.pending[chunkSizeBytes:]
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	for _, chunk := range chunks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.out <- c.frame(chunk):
		}
	}

	return len(buffer), nil
}

func (c *Capture) frame(data []byte) frames.AudioFrame {
	return frames.NewAudioFrame(c.sessionID, time.Now().UnixNano(), data, sampleRate, 1,
		map[string]string{frames.MetaSource: "mic"})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
