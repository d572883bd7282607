package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// [Validate] warns about names outside this list.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live"},
	"stt": {"deepgram"},
}

// Environment variables that fill empty API keys.
const (
	EnvS2SAPIKey = "SAHAY_S2S_API_KEY"
	EnvSTTAPIKey = "SAHAY_STT_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys from the environment via lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvS2SAPIKey); ok && cfg.Providers.S2S.APIKey == "" {
		cfg.Providers.S2S.APIKey = v
	}
	if v, ok := lookup(EnvSTTAPIKey); ok && cfg.Providers.STT.APIKey == "" {
		cfg.Providers.STT.APIKey = v
	}
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2SProvider
	}

	v := &cfg.Voice
	if v.Mode == "" {
		v.Mode = ModeAudio
	}
	if v.CaptureRate == 0 {
		v.CaptureRate = DefaultCaptureRate
	}
	if v.WireRate == 0 {
		v.WireRate = DefaultWireRate
	}
	if v.PlaybackRate == 0 {
		v.PlaybackRate = DefaultPlaybackRate
	}
	if v.BlockSize == 0 {
		v.BlockSize = DefaultBlockSize
	}
	if v.SilenceTimeout == 0 {
		v.SilenceTimeout = DefaultSilenceTimeout
	}
	if v.Instructions == "" {
		v.Instructions = DefaultInstructions
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}

	v := cfg.Voice
	if v.Mode != "" && !v.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("voice.mode %q is invalid; valid values: audio, text", v.Mode))
	}
	if v.Mode == ModeText && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("voice.mode text requires a speech recognizer but providers.stt is not configured"))
	}
	for name, rate := range map[string]int{
		"voice.capture_rate":  v.CaptureRate,
		"voice.wire_rate":     v.WireRate,
		"voice.playback_rate": v.PlaybackRate,
		"voice.block_size":    v.BlockSize,
	} {
		if rate < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, rate))
		}
	}
	if v.WireRate > 0 && v.CaptureRate > 0 && v.WireRate > v.CaptureRate {
		errs = append(errs, fmt.Errorf("voice.wire_rate %d exceeds voice.capture_rate %d", v.WireRate, v.CaptureRate))
	}
	if v.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.silence_timeout must not be negative, got %s", v.SilenceTimeout))
	}

	b := v.BargeIn
	if b.SpeechThreshold < 0 || b.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.barge_in.speech_threshold %.3f is out of range [0, 1]", b.SpeechThreshold))
	}
	if b.SilenceThreshold < 0 || (b.SpeechThreshold > 0 && b.SilenceThreshold > b.SpeechThreshold) {
		errs = append(errs, fmt.Errorf("voice.barge_in.silence_threshold %.3f must be between 0 and speech_threshold", b.SilenceThreshold))
	}
	if b.SpeechFrames < 0 || b.SilenceFrames < 0 {
		errs = append(errs, errors.New("voice.barge_in frame counts must not be negative"))
	}

	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures must not be negative, got %d", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout must not be negative, got %s", cfg.Resilience.ResetTimeout))
	}

	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; chats are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
