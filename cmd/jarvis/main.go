// Command jarvis is the main entry point for the JARVIS voice link.
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

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/portaudio"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	geminilive "github.com/MrWong99/jarvis/pkg/provider/live/gemini"
	openailive "github.com/MrWong99/jarvis/pkg/provider/live/openai"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	geminitts "github.com/MrWong99/jarvis/pkg/provider/tts/gemini"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	console := flag.Bool("console", false, "drive the link from the terminal (overrides server.console)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath,
		config.WithOnChange(func(old, new *config.Config, d config.Diff) {
			if application != nil {
				application.ApplyConfig(old, new, d)
			}
		}),
	)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "jarvis: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "jarvis: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("jarvis starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	host, err := portaudio.New()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("audio host close error", "err", err)
		}
	}()
	output, err := host.OpenOutput(audio.Format{SampleRate: cfg.Audio.PlaybackSampleRate, Channels: 1}, 0)
	if err != nil {
		slog.Error("failed to open audio output", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler),
		app.WithLogLevel(level),
		app.WithWatcher(watcher),
	}
	if *console || cfg.Server.Console {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}

	application, err = app.New(ctx, cfg, providers,
		app.Devices{Microphone: host.Microphone(), Output: output}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("jarvis ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the shipped provider factories into reg.
// ctx scopes the clients that need one at construction time.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openailive.Option
		if entry.Model != "" {
			opts = append(opts, openailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openailive.WithBaseURL(entry.BaseURL))
		}
		return openailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTTS("gemini", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []geminitts.Option
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminitts.WithBaseURL(entry.BaseURL))
		}
		return geminitts.New(ctx, entry.APIKey, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. The live provider
// and its fallbacks each sit behind their own circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	breakerCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "provider", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
	fb := resilience.NewLiveFallback(primary, breakerCfg)
	for _, entry := range cfg.Providers.LiveFallbacks {
		p, err := reg.CreateLive(entry)
		if err != nil {
			return nil, fmt.Errorf("create live fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(p)
		slog.Info("provider created", "kind", "live_fallback", "name", entry.Name)
	}
	ps.Live = fb

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = resilience.NewTTSFallback(p, name, breakerCfg)
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         JARVIS — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", providerLabel(cfg.Providers.Live))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Providers.LiveFallbacks)))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("Voice", cfg.Assistant.Voice)
	printRow("Profile", cfg.Assistant.Profile)
	if cfg.Storage.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "(in memory)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
