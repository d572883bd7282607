package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sahayhq/sahay/internal/config"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	s2smock "github.com/sahayhq/sahay/pkg/provider/s2s/mock"
	"github.com/sahayhq/sahay/pkg/provider/stt"
	sttmock "github.com/sahayhq/sahay/pkg/provider/stt/mock"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

providers:
  s2s:
    name: gemini-live
    api_key: g-test
    model: gemini-2.0-flash-live-001
    fallback_models:
      - gemini-live-2.5-flash-preview
    options:
      voice: Aoede
  stt:
    name: deepgram
    api_key: dg-test
    options:
      language: en-IN

voice:
  mode: text
  capture_rate: 44100
  silence_timeout: 900ms
  greeting: "Say hello to the student."
  keywords: [Tele-MANAS, NIMHANS]
  barge_in:
    speech_threshold: 0.05
    silence_threshold: 0.02

history:
  postgres_dsn: "postgres://sahay@localhost:5432/sahay"

safety:
  phonetic: true
  keywords: ["kill myself"]

resilience:
  max_failures: 2
  reset_timeout: 10s
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.S2S.APIKey != "g-test" {
		t.Errorf("s2s api_key: got %q", cfg.Providers.S2S.APIKey)
	}
	if got := cfg.Providers.S2S.FallbackModels; len(got) != 1 || got[0] != "gemini-live-2.5-flash-preview" {
		t.Errorf("fallback_models: got %v", got)
	}
	if got := cfg.Providers.S2S.Option("voice"); got != "Aoede" {
		t.Errorf("voice option: got %q", got)
	}
	if got := cfg.Providers.STT.Option("language"); got != "en-IN" {
		t.Errorf("language option: got %q", got)
	}
	if cfg.Voice.Mode != config.ModeText {
		t.Errorf("mode: got %q", cfg.Voice.Mode)
	}
	if cfg.Voice.CaptureRate != 44100 {
		t.Errorf("capture_rate: got %d", cfg.Voice.CaptureRate)
	}
	if cfg.Voice.SilenceTimeout != 900*time.Millisecond {
		t.Errorf("silence_timeout: got %s", cfg.Voice.SilenceTimeout)
	}
	if len(cfg.Voice.Keywords) != 2 {
		t.Errorf("keywords: got %v", cfg.Voice.Keywords)
	}
	if cfg.Voice.BargeIn.SpeechThreshold != 0.05 {
		t.Errorf("speech_threshold: got %v", cfg.Voice.BargeIn.SpeechThreshold)
	}
	if !cfg.Safety.Phonetic {
		t.Error("safety.phonetic: want true")
	}
	if cfg.Resilience.MaxFailures != 2 || cfg.Resilience.ResetTimeout != 10*time.Second {
		t.Errorf("resilience: got %+v", cfg.Resilience)
	}
	// Unset fields get defaults.
	if cfg.Voice.WireRate != config.DefaultWireRate {
		t.Errorf("wire_rate: got %d, want default", cfg.Voice.WireRate)
	}
	if cfg.Voice.Instructions != config.DefaultInstructions {
		t.Error("instructions: want default persona")
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg.Providers.S2S.Name != config.DefaultS2SProvider {
		t.Errorf("s2s name: got %q", cfg.Providers.S2S.Name)
	}
	if cfg.Voice.Mode != config.ModeAudio {
		t.Errorf("mode: got %q", cfg.Voice.Mode)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Voice.CaptureRate != config.DefaultCaptureRate || cfg.Voice.PlaybackRate != config.DefaultPlaybackRate {
		t.Errorf("rates: got %d/%d", cfg.Voice.CaptureRate, cfg.Voice.PlaybackRate)
	}
	if cfg.Resilience.MaxFailures != config.DefaultMaxFailures {
		t.Errorf("max_failures: got %d", cfg.Resilience.MaxFailures)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("voice:\n  moode: text\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "moode") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/sahay.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvS2SAPIKey: "from-env",
		config.EnvSTTAPIKey: "stt-env",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	cfg.Providers.STT.APIKey = "from-file"
	config.ApplyEnv(cfg, lookup)

	if cfg.Providers.S2S.APIKey != "from-env" {
		t.Errorf("s2s api_key: got %q, want from-env", cfg.Providers.S2S.APIKey)
	}
	if cfg.Providers.STT.APIKey != "from-file" {
		t.Errorf("stt api_key: got %q, file value should win", cfg.Providers.STT.APIKey)
	}
}

func TestProviderEntry_Option(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{"voice": "Puck", "tier": 3}}
	if got := e.Option("voice"); got != "Puck" {
		t.Errorf("Option(voice) = %q", got)
	}
	if got := e.Option("tier"); got != "" {
		t.Errorf("non-string option should be empty, got %q", got)
	}
	if got := (config.ProviderEntry{}).Option("voice"); got != "" {
		t.Errorf("nil options should be empty, got %q", got)
	}
}

func TestVoiceMode_IsValid(t *testing.T) {
	t.Parallel()
	for _, m := range []config.VoiceMode{config.ModeAudio, config.ModeText} {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if config.VoiceMode("video").IsValid() {
		t.Error(`"video" should be invalid`)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateS2S: want ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return &s2smock.Provider{}, nil
	})
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "gemini-live", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p == nil {
		t.Fatal("CreateS2S returned nil provider")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received model %q, want m1", gotEntry.Model)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}

	if got := reg.Names("s2s"); len(got) != 1 || got[0] != "gemini-live" {
		t.Errorf("Names(s2s) = %v", got)
	}
	if got := reg.Names("tts"); len(got) != 0 {
		t.Errorf("Names(tts) = %v, want empty", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factoryErr := errors.New("no api key")
	reg.RegisterS2S("gemini-live", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, factoryErr
	})
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "gemini-live"}); !errors.Is(err, factoryErr) {
		t.Errorf("want factory error, got %v", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.S2S.Name != "gemini-live" || cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("providers = %q/%q", cfg.Providers.S2S.Name, cfg.Providers.STT.Name)
	}
	if cfg.Voice.SilenceTimeout != 1200*time.Millisecond {
		t.Errorf("SilenceTimeout = %v", cfg.Voice.SilenceTimeout)
	}
	if !cfg.Safety.Phonetic {
		t.Error("safety.phonetic: want true")
	}
}
