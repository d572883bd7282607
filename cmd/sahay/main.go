// Command sahay runs the voice companion in a terminal: it speaks with the
// user through the default microphone and speaker and mirrors the
// conversation as text.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sahayhq/sahay/internal/app"
	"github.com/sahayhq/sahay/internal/config"
	"github.com/sahayhq/sahay/internal/observe"
	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	geminilive "github.com/sahayhq/sahay/pkg/provider/s2s/gemini"
	"github.com/sahayhq/sahay/pkg/provider/stt"
	"github.com/sahayhq/sahay/pkg/provider/stt/deepgram"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "sahay.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", "", "override voice.mode (audio or text)")
	chatID := flag.String("chat", "", "resume the saved chat with this ID")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sahay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sahay: %v\n", err)
		}
		return 1
	}
	if *mode != "" {
		cfg.Voice.Mode = config.VoiceMode(*mode)
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "sahay: -mode: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levels := new(slog.LevelVar)
	levels.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})))

	slog.Info("sahay starting",
		"config", *configPath,
		"mode", cfg.Voice.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sahay"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	con := newConsole(os.Stdout)
	application, err := app.New(ctx, cfg, providers, con,
		app.WithLevelVar(levels),
		app.WithConfigWatch(*configPath, 0),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	mgr := application.Manager()
	mgr.OnStateChange(con.Status)

	if *chatID != "" {
		if err := mgr.LoadChat(ctx, *chatID); err != nil {
			slog.Error("failed to resume chat", "id", *chatID, "err", err)
			_ = application.Shutdown(context.Background())
			return 1
		}
		c := mgr.Chat()
		con.Printf("resumed %q (%d messages)\n", c.Title, len(c.Messages))
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return application.Run(gctx)
	})
	g.Go(func() error {
		// Closing stdin ends the program.
		defer cancel()
		if err := mgr.Start(gctx); err != nil {
			reportStartError(con, err)
		}
		con.Printf("type a message, or /help\n")
		return repl(gctx, mgr, con, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func reportStartError(con *console, err error) {
	var perm *audio.PermissionError
	switch {
	case errors.As(err, &perm):
		con.MicUnavailable(err)
	case errors.Is(err, voice.ErrSessionActive):
	default:
		con.Printf("* could not start the conversation: %v\n", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with Sahay
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"s2s", "stt"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}
