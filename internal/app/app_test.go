package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/conversation"
	"github.com/MrWong99/jarvis/internal/live"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
	audiomock "github.com/MrWong99/jarvis/pkg/audio/mock"
	remote "github.com/MrWong99/jarvis/pkg/provider/live"
	livemock "github.com/MrWong99/jarvis/pkg/provider/live/mock"
	ttsmock "github.com/MrWong99/jarvis/pkg/provider/tts/mock"
)

// testConfig returns a config with the HTTP server and greeting disabled.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: config.ListenOff},
		Providers: config.ProvidersConfig{Live: config.ProviderEntry{Name: "mock"}},
		Assistant: config.AssistantConfig{Greeting: "-"},
	}
	config.ApplyDefaults(cfg)
	cfg.Audio.BlockSize = 4
	return cfg
}

type fixture struct {
	app    *app.App
	live   *livemock.Provider
	mic    *audiomock.Microphone
	output *audiomock.Output
}

func newFixture(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		live:   &livemock.Provider{ProviderName: "mock"},
		mic:    &audiomock.Microphone{},
		output: audiomock.NewOutput(),
	}
	if providers == nil {
		providers = &app.Providers{}
	}
	if providers.Live == nil {
		providers.Live = f.live
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a, err := app.New(context.Background(), cfg, providers,
		app.Devices{Microphone: f.mic, Output: f.output},
		append([]app.Option{app.WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// memStore is an in-memory [app.MessageStore].
type memStore struct {
	mu      sync.Mutex
	history []conversation.Message
	saved   []conversation.Message
	pingErr error
	closed  int
}

func (s *memStore) Save(_ context.Context, m conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, m)
	return nil
}

func (s *memStore) Recent(_ context.Context, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) > limit {
		return s.history[len(s.history)-limit:], nil
	}
	return s.history, nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *memStore) Saved() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.saved...)
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresLiveProviderAndDevices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	devices := app.Devices{Microphone: &audiomock.Microphone{}, Output: audiomock.NewOutput()}

	if _, err := app.New(ctx, testConfig(), &app.Providers{}, devices); err == nil {
		t.Error("expected error without a live provider")
	}
	providers := &app.Providers{Live: &livemock.Provider{}}
	if _, err := app.New(ctx, testConfig(), providers, app.Devices{}); err == nil {
		t.Error("expected error without devices")
	}
}

func TestNew_SessionConfigFromAssistant(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Assistant.Profile = "Tony"
	cfg.Assistant.InputTranscription = true
	f := newFixture(t, cfg, nil)

	if err := f.app.Controller().Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	got := f.live.ConnectCalls[0].Cfg
	if !strings.Contains(got.Instructions, "Profile: Tony.") {
		t.Errorf("instructions = %q", got.Instructions)
	}
	if got.Voice.ID != "Fenrir" || !got.OutputTranscription || !got.InputTranscription {
		t.Errorf("session config = %+v", got)
	}
	if got.InputSampleRate != 16000 {
		t.Errorf("input sample rate = %d, want 16000", got.InputSampleRate)
	}
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func TestApp_RestoresAndPersistsHistory(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := &memStore{history: []conversation.Message{
		conversation.NewMessage(conversation.RoleUser, "old question", now),
		conversation.NewMessage(conversation.RoleModel, "old answer", now),
	}}
	f := newFixture(t, testConfig(), nil, app.WithStore(store))

	if f.app.Log().Len() != 2 {
		t.Fatalf("restored %d messages, want 2", f.app.Log().Len())
	}
	if len(store.Saved()) != 0 {
		t.Error("restored history was written back")
	}

	f.app.Log().Add(conversation.RoleModel, "new answer")
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	saved := store.Saved()
	if len(saved) != 1 || saved[0].Content != "new answer" {
		t.Errorf("saved = %+v", saved)
	}
	if store.closed != 1 {
		t.Errorf("store closed %d times, want 1", store.closed)
	}
}

// ─── Greeting ────────────────────────────────────────────────────────────────

func TestGreet(t *testing.T) {
	t.Parallel()

	t.Run("speaks and logs", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Assistant.Greeting = config.DefaultGreeting
		speech := &ttsmock.Provider{Result: audio.Chunk{Data: make([]byte, 480), SampleRate: 24000, Channels: 1}}
		f := newFixture(t, cfg, &app.Providers{TTS: speech})

		f.app.Greet(context.Background())

		msgs := f.app.Log().Messages()
		if len(msgs) != 1 || msgs[0].Role != conversation.RoleModel || !strings.HasPrefix(msgs[0].Content, "Protocols established. Welcome, Sir.") {
			t.Fatalf("log = %+v", msgs)
		}
		if speech.CallCount() != 1 {
			t.Errorf("synthesize calls = %d, want 1", speech.CallCount())
		}
		if n := len(f.output.Calls()); n != 1 {
			t.Errorf("scheduled buffers = %d, want 1", n)
		}
	})

	t.Run("synthesis failure still logs", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Assistant.Greeting = "Hello {{.Profile}}"
		speech := &ttsmock.Provider{Err: errors.New("quota")}
		f := newFixture(t, cfg, &app.Providers{TTS: speech})

		f.app.Greet(context.Background())

		if msgs := f.app.Log().Messages(); len(msgs) != 1 || msgs[0].Content != "Hello Sir" {
			t.Fatalf("log = %+v", msgs)
		}
		if n := len(f.output.Calls()); n != 0 {
			t.Errorf("scheduled buffers = %d, want 0", n)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, testConfig(), nil)
		f.app.Greet(context.Background())
		if f.app.Log().Len() != 0 {
			t.Error("disabled greeting was logged")
		}
	})
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func getSnapshot(t *testing.T, url string) live.Snapshot {
	t.Helper()
	resp, err := http.Get(url + "/v1/live/state")
	if err != nil {
		t.Fatalf("GET state: %v", err)
	}
	defer resp.Body.Close()
	var snap live.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return snap
}

func TestHTTP_ToggleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/live/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST toggle: %v", err)
	}
	var snap live.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || snap.State != live.StateConnecting {
		t.Fatalf("toggle: status %d, snapshot %+v", resp.StatusCode, snap)
	}

	sess := f.live.Last()
	sess.Emit(remote.Event{Kind: remote.EventOpen})
	waitFor(t, "open", func() bool { return getSnapshot(t, srv.URL).Active })

	sess.Emit(remote.Event{Kind: remote.EventTranscript, Text: "At your service."})
	sess.Emit(remote.Event{Kind: remote.EventTurnComplete})
	waitFor(t, "commit", func() bool { return f.app.Log().Len() == 1 })

	resp, err = http.Get(srv.URL + "/v1/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	var msgs []conversation.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	resp.Body.Close()
	if len(msgs) != 1 || msgs[0].Content != "At your service." {
		t.Errorf("messages = %+v", msgs)
	}

	resp, err = http.Post(srv.URL+"/v1/live/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST toggle: %v", err)
	}
	resp.Body.Close()
	if snap := getSnapshot(t, srv.URL); snap.State != live.StateIdle || snap.Active {
		t.Errorf("after close: %+v", snap)
	}
	if sess.Closes() != 1 {
		t.Errorf("session closes = %d, want 1", sess.Closes())
	}
}

func TestHTTP_ToggleReportsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	f.mic.OpenErr = audio.ErrPermissionDenied
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/live/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST toggle: %v", err)
	}
	defer resp.Body.Close()
	var snap live.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != live.StateIdle || !strings.Contains(snap.LastError, "permission denied") {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHTTP_ToggleAfterShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resp, err := http.Post(srv.URL+"/v1/live/toggle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST toggle: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHTTP_Events(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/live/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() live.Snapshot {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var snap live.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return snap
	}

	if snap := read(); snap.State != live.StateIdle {
		t.Fatalf("first frame = %+v", snap)
	}

	if err := f.app.Controller().Toggle(ctx); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	f.live.Last().Emit(remote.Event{Kind: remote.EventOpen})

	for {
		snap := read()
		if snap.State == live.StateOpen {
			if !snap.Active || snap.SessionID == "" {
				t.Errorf("open frame = %+v", snap)
			}
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHTTP_Readyz(t *testing.T) {
	t.Parallel()
	store := &memStore{pingErr: errors.New("connection refused")}
	f := newFixture(t, testConfig(), nil, app.WithStore(store))
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("status %d, body %+v", resp.StatusCode, body)
	}
	if body.Checks["live_provider"] != "ok" || body.Checks["audio_output"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
	if !strings.HasPrefix(body.Checks["conversation_store"], "degraded") {
		t.Errorf("conversation_store = %q", body.Checks["conversation_store"])
	}
}

func TestHTTP_Metrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jarvis_up 1\n"))
	})
	f := newFixture(t, testConfig(), nil, app.WithMetricsHandler(metrics))
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "jarvis_up 1") {
		t.Errorf("body = %q", buf.String())
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_ConsoleTogglesAndQuits(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	f := newFixture(t, testConfig(), nil, app.WithConsole(strings.NewReader("\nq\n"), &out))

	done := make(chan error, 1)
	go func() { done <- f.app.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after quit")
	}

	if f.live.Calls() != 1 {
		t.Errorf("connect calls = %d, want 1", f.live.Calls())
	}
	if st := f.app.Controller().State(); st != live.StateIdle {
		t.Errorf("state = %v, want idle", st)
	}
	if !strings.Contains(out.String(), "[idle]") {
		t.Errorf("console output = %q", out.String())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	f := newFixture(t, testConfig(), nil, app.WithLogLevel(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Assistant.Instructions = "Be brief, {{.Profile}}."
	f.app.ApplyConfig(testConfig(), next, config.Compare(testConfig(), next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if err := f.app.Controller().Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if got := f.live.ConnectCalls[0].Cfg.Instructions; got != "Be brief, Sir." {
		t.Errorf("instructions = %q", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), nil)
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
