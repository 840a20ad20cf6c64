// Package elevenlabs implements streaming speech synthesis over the
// ElevenLabs websocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxtrip/voxtrip/pkg/adapters/tts"
	"github.com/voxtrip/voxtrip/pkg/frames"
	"github.com/voxtrip/voxtrip/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	SessionID    string
}

type SpeechStream struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *SpeechStream {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	return &SpeechStream{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
	}
}

func (s *SpeechStream) Name() string { return "elevenlabs_tts" }

func (s *SpeechStream) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	u := s.buildURL()

	slog.Debug("connecting to ElevenLabs",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("output_format", s.cfg.OutputFormat))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			slog.Error("ElevenLabs rate limit exceeded",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		slog.Error("failed to connect to ElevenLabs",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return err
	}

	s.conn = conn
	slog.Info("connected to ElevenLabs",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("output_format", s.cfg.OutputFormat))

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *SpeechStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Info("tts close called",
		slog.String("session_id", s.cfg.SessionID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *SpeechStream) SendText(text string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text, flush: true}:
	default:
	}
	return nil
}

// Cancel stops generation and drains buffered audio so nothing stale plays
// after an interruption.
func (s *SpeechStream) Cancel() error {
	if s.conn == nil {
		return nil
	}
	_ = s.send(map[string]any{"text": " ", "flush": true})

drainLoop:
	for {
		select {
		case <-s.out:
		default:
			break drainLoop
		}
	}
	slog.Info("tts channel purged",
		slog.String("session_id", s.cfg.SessionID))
	return nil
}

func (s *SpeechStream) Results() <-chan frames.Frame { return s.out }

func (s *SpeechStream) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *SpeechStream) writeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			// Keep-alive: send empty text to prevent 20s timeout
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *SpeechStream) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("tts read loop exit",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("reason", "context_cancelled"))
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					slog.Error("tts read loop error",
						slog.String("session_id", s.cfg.SessionID),
						slog.String("error", err.Error()))
					s.emit(frames.NewSystemFrame(s.cfg.SessionID, time.Now().UnixNano(),
						frames.SystemStreamError, map[string]string{frames.MetaReason: err.Error()}))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *SpeechStream) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("tts websocket raw data", "data", string(data))
		return
	}

	if final, ok := msg["isFinal"].(bool); ok && final {
		s.emit(frames.NewControlFrame(s.cfg.SessionID, time.Now().UnixNano(),
			frames.ControlUtteranceDone, nil))
		return
	}

	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			audio = a
		} else {
			if _, isAlign := msg["alignment"]; !isAlign {
				slog.Debug("tts websocket message", "payload", msg)
			}
			return
		}
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		slog.Error("tts audio decode error", "error", err)
		return
	}

	meta := map[string]string{
		frames.MetaSource: "elevenlabs",
	}
	rate := s.cfg.SampleRate
	// The ulaw_8000 output format needs no transcoding for phone output.
	if strings.Contains(s.cfg.OutputFormat, "ulaw") {
		meta[frames.MetaEncoding] = "mulaw"
		rate = 8000
	}

	s.emit(frames.NewAudioFrame(s.cfg.SessionID, time.Now().UnixNano(), raw, rate, 1, meta))
}

func (s *SpeechStream) emit(frame frames.Frame) {
	select {
	case s.out <- frame:
	default:
		slog.Warn("tts output buffer full",
			slog.String("session_id", s.cfg.SessionID))
	}
}

func (s *SpeechStream) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.SpeechStream = (*SpeechStream)(nil)
