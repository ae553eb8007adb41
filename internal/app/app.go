// Package app wires the JARVIS subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control surfaces until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject devices and providers directly and replace the
// conversation store with [WithStore]. When no store is injected and
// storage.postgres_dsn is set, New connects to PostgreSQL.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/conversation"
	"github.com/MrWong99/jarvis/internal/conversation/postgres"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/live"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/capture"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
	remote "github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Live opens voice sessions. Required.
	Live remote.Provider

	// TTS speaks the startup greeting. Optional.
	TTS tts.Provider
}

// Devices are the local audio endpoints.
type Devices struct {
	Microphone audio.Microphone
	Output     audio.Output
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	devices   Devices

	log       *conversation.Log
	store     MessageStore
	persist   *persister
	scheduler *playback.Scheduler
	capture   *capture.Pipeline
	ctrl      *live.Controller
	health    *health.Handler
	metrics   *observe.Metrics

	metricsHandler http.Handler
	level          *slog.LevelVar
	watcher        *config.Watcher
	console        *Console

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to the
// configured database.
func WithStore(s MessageStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records to m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets configuration reloads adjust the log level through v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatcher applies hot-reloadable changes reported by w. Run drives the
// watcher's polling loop.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithConsole enables the terminal driver reading commands from in and
// printing state changes to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.console = &Console{in: in, out: out} }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, devices Devices, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	if devices.Microphone == nil || devices.Output == nil {
		return nil, errors.New("app: microphone and output devices are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		devices:   devices,
		log:       conversation.NewLog(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Audio pipeline ────────────────────────────────────────────────
	a.scheduler = playback.New(devices.Output)
	a.closers = append(a.closers, a.scheduler.Close)
	a.capture = capture.New(devices.Microphone,
		capture.WithSampleRate(cfg.Audio.CaptureSampleRate),
		capture.WithBlockSize(cfg.Audio.BlockSize),
		capture.WithQueueDepth(cfg.Audio.QueueDepth),
		capture.WithDropHook(func(reason string) {
			a.metrics.RecordCaptureDrop(context.Background(), reason)
		}),
	)

	// ── 3. Live controller ───────────────────────────────────────────────
	session, err := sessionConfig(cfg.Assistant)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.ctrl = live.New(live.Config{
		Provider: providers.Live,
		Capture:  a.capture,
		Player:   a.scheduler,
		Log:      a.log,
		Session:  session,
	}, live.WithMetrics(a.metrics))

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "live_provider", Check: func(context.Context) error {
			if a.providers.Live == nil {
				return errors.New("not configured")
			}
			return nil
		}},
		health.Checker{Name: "audio_output", Check: func(context.Context) error {
			if a.devices.Output == nil {
				return audio.ErrDeviceUnavailable
			}
			return nil
		}},
	)
	if a.store != nil {
		a.health.Add(health.Checker{Name: "conversation_store", Check: a.store.Ping, Optional: true})
	}

	slog.Info("app: initialised",
		"live_provider", providers.Live.Name(),
		"tts", providers.TTS != nil,
		"persistence", a.store != nil,
		"history", a.log.Len(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the conversation store, restores recent history and
// starts persisting new messages.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Storage.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
	}
	if a.store == nil {
		return nil
	}

	history, err := a.store.Recent(ctx, a.cfg.Storage.HistoryLimit)
	if err != nil {
		a.store.Close()
		return fmt.Errorf("restore history: %w", err)
	}
	a.log.Seed(history)

	a.persist = newPersister(a.store)
	a.log.OnAppend(a.persist.enqueue)
	a.closers = append(a.closers, a.persist.Close, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// sessionConfig derives the live session configuration from the persona.
func sessionConfig(ac config.AssistantConfig) (remote.SessionConfig, error) {
	instructions, err := ac.RenderInstructions()
	if err != nil {
		return remote.SessionConfig{}, err
	}
	return remote.SessionConfig{
		Voice:               voiceProfile(ac),
		Instructions:        instructions,
		OutputTranscription: ac.WantOutputTranscription(),
		InputTranscription:  ac.InputTranscription,
	}, nil
}

func voiceProfile(ac config.AssistantConfig) tts.VoiceProfile {
	return tts.VoiceProfile{ID: ac.Voice, Name: ac.Voice}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the live session controller.
func (a *App) Controller() *live.Controller { return a.ctrl }

// Log returns the conversation log.
func (a *App) Log() *conversation.Log { return a.log }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run speaks the greeting and serves the HTTP API, the console driver and
// the config watcher until ctx is cancelled or the console quits. It
// returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Greet(gctx)
		return nil
	})

	if a.cfg.Server.ListenAddr != config.ListenOff {
		srv := &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("app: http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.console != nil {
		g.Go(func() error { return a.console.run(gctx, a.ctrl) })
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// ─── Greeting ────────────────────────────────────────────────────────────────

// Greet appends the configured greeting to the log and, with a TTS provider
// configured, plays it through the shared scheduler. Synthesis failures are
// logged and otherwise ignored.
func (a *App) Greet(ctx context.Context) {
	text, err := a.cfg.Assistant.RenderGreeting()
	if err != nil || text == "" {
		return
	}
	a.log.Add(conversation.RoleModel, text)
	if a.providers.TTS == nil {
		return
	}

	ctx, span := observe.StartSpan(ctx, "tts.greeting")
	start := time.Now()
	chunk, err := a.providers.TTS.Synthesize(ctx, text, voiceProfile(a.cfg.Assistant))
	a.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	name := a.cfg.Providers.TTS.Name
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, name, "tts", "error")
		observe.Logger(ctx).Warn("app: greeting synthesis failed", "err", err)
		return
	}
	a.metrics.RecordProviderRequest(ctx, name, "tts", "ok")
	if err := a.scheduler.Enqueue(chunk); err != nil {
		a.metrics.PlaybackDecodeFailures.Add(ctx, 1)
		observe.Logger(ctx).Warn("app: greeting playback failed", "err", err)
		return
	}
	a.metrics.PlaybackChunks.Add(ctx, 1)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a configuration change.
// It is the watcher callback installed by main.
func (a *App) ApplyConfig(_, _ *config.Config, d config.Diff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.AssistantChanged {
		session, err := sessionConfig(d.Assistant)
		if err != nil {
			slog.Warn("app: ignoring assistant change", "err", err)
		} else {
			a.ctrl.SetSession(session)
			slog.Info("app: assistant settings apply from the next session")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: restart required for changed sections", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a configured level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the live link and then tears down the remaining
// subsystems in init order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		if cerr := a.ctrl.Close(); cerr != nil {
			err = cerr
		}
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				err = errors.Join(err, ctx.Err())
				return
			}
			if cerr := closer(); cerr != nil {
				slog.Warn("app: closer error", "index", i, "err", cerr)
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
