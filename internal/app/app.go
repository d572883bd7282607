// Package app wires the Sahay subsystems into a running process.
//
// [App] owns the lifecycle: New builds the history store, the audio path and
// the [SessionManager] from the config, Run serves the status endpoints and
// watches the config file until the context is cancelled, and Shutdown
// releases everything.
//
// For testing, inject doubles through the functional options (WithStore,
// WithCaptureSource, WithSinkFactory). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sahayhq/sahay/internal/config"
	"github.com/sahayhq/sahay/internal/health"
	"github.com/sahayhq/sahay/internal/observe"
	"github.com/sahayhq/sahay/internal/safety"
	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	"github.com/sahayhq/sahay/pkg/audio/playback"
	"github.com/sahayhq/sahay/pkg/audio/portaudio"
	"github.com/sahayhq/sahay/pkg/history"
	"github.com/sahayhq/sahay/pkg/history/postgres"
	"github.com/sahayhq/sahay/pkg/provider/stt"
	"github.com/sahayhq/sahay/pkg/provider/vad"
	"github.com/sahayhq/sahay/pkg/provider/vad/rms"
)

const (
	// sinkFramesPerBuffer is the speaker buffer size in samples.
	sinkFramesPerBuffer = 1024

	// keywordBoost is the recognizer boost applied to configured keywords.
	keywordBoost = 2

	// ListenOff disables the status server.
	ListenOff = "off"

	statusShutdownTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	transcript voice.Transcript

	store    history.Store
	source   capture.Source
	openSink func() (playback.Sink, error)
	metrics  *observe.Metrics
	levels   *slog.LevelVar

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher

	manager *SessionManager
	health  *health.Handler

	mu         sync.Mutex
	statusAddr string

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a chat store instead of creating one from config.
func WithStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCaptureSource replaces the PortAudio microphone.
func WithCaptureSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithSinkFactory replaces the PortAudio speaker.
func WithSinkFactory(fn func() (playback.Sink, error)) Option {
	return func(a *App) { a.openSink = fn }
}

// WithMetrics records telemetry on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithConfigWatch reloads path every interval and applies hot-reloadable
// changes. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. providers comes from [BuildProviders]; transcript
// receives the visible conversation.
func New(ctx context.Context, cfg *config.Config, providers *Providers, transcript voice.Transcript, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	if transcript == nil {
		return nil, errors.New("app: a transcript is required")
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		transcript: transcript,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.health = health.New(
		health.Checker{Name: "s2s", Check: providers.ReadyCheck},
	)

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	a.initManager()

	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.Reload, wopts...)
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.History.PostgresDSN
		if dsn == "" {
			a.store = history.NewMemStore()
			slog.Info("chat history kept in memory")
		} else {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
		}
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		a.health.AddChecker(health.Checker{Name: "history", Check: p.Ping})
	}
	return nil
}

func (a *App) initManager() {
	v := a.cfg.Voice
	if a.source == nil {
		a.source = portaudio.Source{Device: v.InputDevice}
	}
	if a.openSink == nil {
		rate := v.PlaybackRate
		a.openSink = func() (playback.Sink, error) {
			return portaudio.NewSink(rate, sinkFramesPerBuffer)
		}
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Provider:   a.providers.S2S,
		Breaker:    a.breaker(),
		Recognizer: a.providers.Recognizer,
		VAD:        rms.Engine{},
		Capture: capture.New(a.source, capture.Config{
			CaptureRate: v.CaptureRate,
			WireRate:    v.WireRate,
			BlockSize:   v.BlockSize,
		}),
		OpenSink:   a.openSink,
		Transcript: a.transcript,
		Store:      a.store,
		Metrics:    a.metrics,
		Settings:   SettingsFromConfig(a.cfg, a.providers.S2SName),
	})

	a.health.AddChecker(health.Checker{Name: "session", Check: a.manager.ReadyCheck})
	a.health.AddDetail(health.Detail{Name: "session", Value: func() string {
		return a.manager.State().String()
	}})
	a.health.AddDetail(health.Detail{Name: "recognizer", Value: func() string {
		if _, ok := a.providers.Recognizer.Provider(); ok {
			return "available"
		}
		return a.providers.Recognizer.Reason()
	}})
}

// breaker avoids handing a nil *CircuitBreaker to an interface field.
func (a *App) breaker() voice.Breaker {
	if a.providers.Breaker == nil {
		return nil
	}
	return a.providers.Breaker
}

// SettingsFromConfig derives the per-conversation settings from cfg.
func SettingsFromConfig(cfg *config.Config, providerName string) Settings {
	v := cfg.Voice
	st := Settings{
		Mode:           voice.Mode(v.Mode),
		ProviderName:   providerName,
		Instructions:   v.Instructions,
		Voice:          cfg.Providers.S2S.Option("voice"),
		Greeting:       v.Greeting,
		Language:       cfg.Providers.STT.Option("language"),
		SilenceTimeout: v.SilenceTimeout,
		WireRate:       v.WireRate,
		BargeIn: vad.Config{
			SpeechThreshold:  v.BargeIn.SpeechThreshold,
			SilenceThreshold: v.BargeIn.SilenceThreshold,
			SpeechFrames:     v.BargeIn.SpeechFrames,
			SilenceFrames:    v.BargeIn.SilenceFrames,
		},
		BargeInDisabled: v.BargeIn.Disabled,
		Screen:          safety.New(cfg.Safety.Keywords, safety.WithPhonetic(cfg.Safety.Phonetic)),
		Helpline:        cfg.Safety.Helpline,
	}
	if st.Helpline == "" {
		st.Helpline = safety.DefaultHelpline
	}
	for _, k := range v.Keywords {
		st.Keywords = append(st.Keywords, stt.KeywordBoost{Keyword: k, Boost: keywordBoost})
	}
	return st
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Store returns the chat store.
func (a *App) Store() history.Store { return a.store }

// StatusAddr returns the address the status server listens on, or "" before
// Run has bound it.
func (a *App) StatusAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusAddr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. The
// running conversation is left alone; persona, mode and safety changes take
// effect when the next one starts.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}

	next := SettingsFromConfig(new, a.providers.S2SName)
	a.manager.UpdateSettings(func(s *Settings) {
		if d.PersonaChanged {
			s.Instructions = next.Instructions
			s.Greeting = next.Greeting
			s.Voice = next.Voice
		}
		if d.ModeChanged {
			s.Mode = next.Mode
		}
		if d.SafetyChanged {
			s.Screen = next.Screen
			s.Helpline = next.Helpline
		}
	})
	slog.Info("configuration applied",
		"persona", d.PersonaChanged,
		"mode", d.ModeChanged,
		"safety", d.SafetyChanged,
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoints and watches the config file until ctx is
// cancelled, then stops the running conversation. It returns ctx.Err() on a
// clean exit.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" && addr != ListenOff {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: status server: %w", err)
		}
		a.mu.Lock()
		a.statusAddr = ln.Addr().String()
		a.mu.Unlock()

		srv := &http.Server{
			Handler:           a.statusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), statusShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		slog.Info("status server listening", "addr", a.StatusAddr())
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.manager.Stop()
		return nil
	})

	slog.Info("sahay running", "mode", string(a.manager.Settings().Mode))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// statusHandler serves /healthz, /readyz and /metrics.
func (a *App) statusHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the conversation and releases the store. If ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.manager != nil {
			a.manager.Stop()
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
