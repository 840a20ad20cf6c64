package voxtrip

import (
	"fmt"

	"github.com/voxtrip/voxtrip/pkg/adapters/stt"
	"github.com/voxtrip/voxtrip/pkg/adapters/tts"
	"github.com/voxtrip/voxtrip/pkg/configutil"
	"github.com/voxtrip/voxtrip/pkg/providers/deepgram"
	"github.com/voxtrip/voxtrip/pkg/providers/elevenlabs"
	providermock "github.com/voxtrip/voxtrip/pkg/providers/mock"
	"github.com/voxtrip/voxtrip/pkg/transports"
	transportmock "github.com/voxtrip/voxtrip/pkg/transports/mock"
	"github.com/voxtrip/voxtrip/pkg/transports/phone"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

var deepgramSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
}

func buildSTT(cfg VendorConfig, sessionID string) (stt.StreamingSTT, error) {
	switch cfg.Provider {
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Settings, deepgramSchema); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		var s deepgramSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		return deepgram.New(deepgram.Config{
			APIKey:         s.APIKey,
			Model:          s.Model,
			Language:       s.Language,
			SampleRate:     s.SampleRate,
			Encoding:       s.Encoding,
			Interim:        s.Interim,
			VADEvents:      s.VADEvents,
			UtteranceEndMS: s.UtteranceEndMS,
			SessionID:      sessionID,
		}), nil
	case "mock":
		return providermock.NewSTT(), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

type elevenlabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

var elevenlabsSchema = configutil.Schema{
	Required: []string{"api_key", "voice_id"},
	Optional: []string{"model_id", "output_format", "sample_rate"},
}

func buildTTS(cfg VendorConfig, sessionID string) (tts.SpeechStream, error) {
	switch cfg.Provider {
	case "elevenlabs":
		if err := configutil.ValidateSettings(cfg.Settings, elevenlabsSchema); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		var s elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			SampleRate:   s.SampleRate,
			SessionID:    sessionID,
		}), nil
	case "mock":
		return providermock.NewTTS(), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}

func buildTransport(cfg TransportsConfig) (transports.Transport, error) {
	switch cfg.Provider {
	case "phone":
		var s phone.Config
		if err := configutil.DecodeSettings(cfg.Settings, &s); err != nil {
			return nil, fmt.Errorf("transports.settings: %w", err)
		}
		return phone.New(s), nil
	case "mock":
		return transportmock.New(), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Provider)
	}
}
