package voxtrip

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
backend:
  base_url: http://localhost:8000
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("logging defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Backend.TimeoutMS != 15000 || cfg.Backend.Retries != 2 {
		t.Errorf("backend defaults = %+v", cfg.Backend)
	}
	if cfg.Audio.Input != "default" {
		t.Errorf("Audio.Input = %q", cfg.Audio.Input)
	}
	if !cfg.Metrics.Latency {
		t.Error("Metrics.Latency default = false")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_STT_KEY", "dg-secret")
	t.Setenv("TEST_BACKEND_URL", "http://backend:9000")

	cfg, err := LoadConfig(writeConfigFile(t, `
backend:
  base_url: ${TEST_BACKEND_URL}
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_STT_KEY}
  tts:
    provider: mock
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend.BaseURL != "http://backend:9000" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-secret" {
		t.Errorf("api_key = %v", got)
	}
}

func TestLoadConfigMissingProviders(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, `
backend:
  base_url: http://localhost:8000
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "vendors.stt.provider") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoadConfigMissingBackendURL(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "backend.base_url") {
		t.Fatalf("error = %v", err)
	}
}

func TestBuildProvidersMock(t *testing.T) {
	stt, err := buildSTT(VendorConfig{Provider: "mock"}, "sess-1")
	if err != nil {
		t.Fatalf("buildSTT: %v", err)
	}
	if stt.Name() != "mock-stt" {
		t.Errorf("stt name = %q", stt.Name())
	}

	ttsProv, err := buildTTS(VendorConfig{Provider: "mock"}, "sess-1")
	if err != nil {
		t.Fatalf("buildTTS: %v", err)
	}
	if ttsProv.Name() != "mock-tts" {
		t.Errorf("tts name = %q", ttsProv.Name())
	}
}

func TestBuildSTTRequiresAPIKey(t *testing.T) {
	_, err := buildSTT(VendorConfig{Provider: "deepgram", Settings: map[string]any{
		"model": "nova-2",
	}}, "sess-1")
	if err == nil {
		t.Fatal("expected missing api_key error")
	}
}

func TestBuildTransport(t *testing.T) {
	tr, err := buildTransport(TransportsConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("buildTransport: %v", err)
	}
	if tr == nil || tr.Name() != "mock" {
		t.Fatalf("transport = %v", tr)
	}

	tr, err = buildTransport(TransportsConfig{})
	if err != nil || tr != nil {
		t.Fatalf("empty provider = (%v, %v), want (nil, nil)", tr, err)
	}

	if _, err := buildTransport(TransportsConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown transport error")
	}
}

func TestBuildProvidersUnknown(t *testing.T) {
	if _, err := buildSTT(VendorConfig{Provider: "whisperx"}, "sess-1"); err == nil {
		t.Fatal("expected unknown provider error")
	}
	if _, err := buildTTS(VendorConfig{Provider: "festival"}, "sess-1"); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
