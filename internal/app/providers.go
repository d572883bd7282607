package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sahayhq/sahay/internal/config"
	"github.com/sahayhq/sahay/internal/resilience"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	"github.com/sahayhq/sahay/pkg/provider/stt"
)

// Providers holds the remote backends shared by every conversation.
type Providers struct {
	// S2S opens duplex channels. With fallback models configured it is a
	// [*resilience.S2SFallback].
	S2S s2s.Provider

	// S2SName labels metrics and connect errors.
	S2SName string

	// Breaker guards S2S when it is a single backend. Nil when S2S fails
	// over, since each fallback entry carries its own breaker.
	Breaker *resilience.CircuitBreaker

	// Recognizer is the speech recognizer, or the reason there is none.
	Recognizer stt.Capability
}

// ReadyCheck fails while the connect breaker is open.
func (p *Providers) ReadyCheck(context.Context) error {
	if p.Breaker != nil && p.Breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%s: %w", p.S2SName, resilience.ErrCircuitOpen)
	}
	return nil
}

// BuildProviders instantiates the configured backends through reg. Every
// entry of fallback_models becomes a further backend of the same provider
// with only the model changed.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		},
	}

	entry := cfg.Providers.S2S
	primary, err := reg.CreateS2S(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create s2s provider %q: %w", entry.Name, err)
	}
	ps := &Providers{S2S: primary, S2SName: entry.Name}
	slog.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)

	if len(entry.FallbackModels) == 0 {
		bc := fbCfg.CircuitBreaker
		bc.Name = entry.Name
		ps.Breaker = resilience.NewCircuitBreaker(bc)
	} else {
		fb := resilience.NewS2SFallback(primary, backendName(entry), fbCfg)
		for _, model := range entry.FallbackModels {
			alt := withModel(entry, model)
			p, err := reg.CreateS2S(alt)
			if err != nil {
				return nil, fmt.Errorf("app: create s2s fallback %q: %w", model, err)
			}
			fb.AddFallback(backendName(alt), p)
		}
		ps.S2S = fb
		slog.Info("s2s failover enabled", "backends", fb.Backends())
	}

	ps.Recognizer = buildRecognizer(cfg.Providers.STT, reg, fbCfg)
	return ps, nil
}

// buildRecognizer never fails: a recognizer that cannot be built leaves
// dictation and text mode degraded rather than stopping the process.
func buildRecognizer(entry config.ProviderEntry, reg *config.Registry, fbCfg resilience.FallbackConfig) stt.Capability {
	if entry.Name == "" {
		return stt.Unavailable("no speech recognizer configured")
	}
	if entry.APIKey == "" {
		return stt.Unavailable("no API key")
	}
	primary, err := reg.CreateSTT(entry)
	if err != nil {
		slog.Warn("speech recognizer unavailable", "name", entry.Name, "err", err)
		return stt.Unavailable(err.Error())
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name)
	if len(entry.FallbackModels) == 0 {
		return stt.Available(primary)
	}

	fb := resilience.NewSTTFallback(primary, backendName(entry), fbCfg)
	for _, model := range entry.FallbackModels {
		alt := withModel(entry, model)
		p, err := reg.CreateSTT(alt)
		if err != nil {
			slog.Warn("skipping stt fallback", "model", model, "err", err)
			continue
		}
		fb.AddFallback(backendName(alt), p)
	}
	return stt.Available(fb)
}

func withModel(e config.ProviderEntry, model string) config.ProviderEntry {
	e.Model = model
	e.FallbackModels = nil
	return e
}

func backendName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
