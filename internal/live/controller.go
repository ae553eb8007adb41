// Package live implements the lifecycle controller of the JARVIS voice link.
//
// A [Controller] owns the single live session to the remote voice model. It
// wires the microphone capture pipeline to the session's outbound audio, and
// routes inbound events to the playback scheduler and the conversation log.
// [Controller.Toggle] is the only entry point the user interface needs: it
// opens a link when idle and tears it down otherwise.
//
// The lifecycle policy is a pure transition function; the controller applies
// it and performs the resulting side effects. Every session is identified by
// a generation number, and callbacks from an earlier generation are ignored,
// so a late microphone block or a straggling event can never act on a session
// that has already been torn down.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/jarvis/internal/conversation"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/capture"
	remote "github.com/MrWong99/jarvis/pkg/provider/live"
)

// DefaultOutputRate is assumed for inbound audio whose MIME type carries no
// rate parameter.
const DefaultOutputRate = 24000

var (
	// ErrClosed is returned by Toggle after Close.
	ErrClosed = errors.New("live: controller closed")

	errStale = errors.New("live: stale session")
)

// Capture is the microphone side of the link. [capture.Pipeline] satisfies it.
type Capture interface {
	Open(ctx context.Context) error
	Start(sink capture.Sink) error
	Stop() error
	Format() audio.Format
}

// Player is the speaker side of the link. [playback.Scheduler] satisfies it.
type Player interface {
	Enqueue(chunk audio.Chunk) error
	Interrupt()
	Speaking() bool
	OnChange(fn func())
}

// Config holds the collaborators of a [Controller].
type Config struct {
	// Provider opens remote sessions. Required.
	Provider remote.Provider

	// Capture feeds microphone audio. Required.
	Capture Capture

	// Player renders inbound audio. Required.
	Player Player

	// Log receives committed turns. Required.
	Log *conversation.Log

	// Session is the per-session configuration sent to the provider.
	// InputSampleRate is filled from Capture when zero.
	Session remote.SessionConfig
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics records controller metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source used for StartedAt and latency metrics.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Snapshot is the externally observable state of the link.
type Snapshot struct {
	State      State     `json:"state"`
	Active     bool      `json:"active"`
	Speaking   bool      `json:"speaking"`
	Transcript string    `json:"transcript"`
	LastError  string    `json:"last_error,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

// Controller owns the live session.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	provider remote.Provider
	capture  Capture
	player   Player
	log      *conversation.Log
	modelTx  *conversation.Transcript
	userTx   *conversation.Transcript
	session  remote.SessionConfig
	metrics  *observe.Metrics
	now      func() time.Time

	// opMu serialises the open sequence and teardown, which both touch the
	// capture device and the session outside mu. Lock order: opMu, mu.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	sess       remote.Session
	openCancel context.CancelFunc
	toggledAt  time.Time
	startedAt  time.Time
	sessionID  string
	lastErr    string
	counted    bool // LiveSessions was incremented for the current session
	closed     bool

	// gen identifies the current session. It only changes under mu; the
	// capture sink reads it without locking.
	gen atomic.Uint64

	subMu  sync.Mutex
	subs   map[uint64]chan struct{}
	subSeq uint64

	wg sync.WaitGroup
}

// New creates an idle [Controller].
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		provider: cfg.Provider,
		capture:  cfg.Capture,
		player:   cfg.Player,
		log:      cfg.Log,
		modelTx:  conversation.NewTranscript(conversation.RoleModel, cfg.Log),
		userTx:   conversation.NewTranscript(conversation.RoleUser, cfg.Log),
		session:  cfg.Session,
		now:      time.Now,
		subs:     make(map[uint64]chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.session.InputSampleRate == 0 {
		c.session.InputSampleRate = c.capture.Format().SampleRate
	}
	c.player.OnChange(c.notify)
	return c
}

// ── Public API ──────────────────────────────────────────────────────────────

// Toggle opens a session when idle and tears the current one down otherwise.
// While a teardown is in progress it does nothing.
//
// Opening blocks until the microphone is acquired and the provider accepted
// the connection; the link becomes [StateOpen] asynchronously once the
// remote end confirms the session. A failed open returns the error, records
// it in [Snapshot.LastError] and leaves the controller idle. Toggling while a
// connection attempt is in flight cancels it; the cancelled Toggle returns
// nil.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next, effects := transition(c.state, inputToggle)
	slog.Debug("live: toggle", "from", c.state.String(), "to", next.String())
	c.setStateLocked(next)

	if len(effects) == 0 {
		c.mu.Unlock()
		return nil
	}
	if effects[0] == effectOpen {
		gen := c.gen.Load()
		c.lastErr = ""
		c.sessionID = uuid.NewString()
		c.toggledAt = c.now()
		openCtx, cancel := context.WithCancel(ctx)
		c.openCancel = cancel
		cfg := c.session
		c.mu.Unlock()
		c.notify()
		return c.open(openCtx, gen, cfg)
	}

	cancel := c.openCancel
	c.openCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.teardown()
	return nil
}

// Teardown stops capture, interrupts playback, closes the session and
// returns to [StateIdle]. It is idempotent and safe to call concurrently;
// when it returns the controller is idle.
func (c *Controller) Teardown() {
	c.mu.Lock()
	next, _ := transition(c.state, inputTeardown)
	c.setStateLocked(next)
	cancel := c.openCancel
	c.openCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.teardown()
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:     c.state,
		Active:    c.state == StateOpen,
		LastError: c.lastErr,
		SessionID: c.sessionID,
		StartedAt: c.startedAt,
	}
	if c.state != StateIdle {
		s.Provider = c.provider.Name()
	}
	c.mu.Unlock()

	s.Speaking = c.player.Speaking()
	s.Transcript = c.modelTx.Text()
	return s
}

// SetSession replaces the configuration sent with the next session open.
// An open session keeps its configuration.
func (c *Controller) SetSession(cfg remote.SessionConfig) {
	if cfg.InputSampleRate == 0 {
		cfg.InputSampleRate = c.capture.Format().SampleRate
	}
	c.mu.Lock()
	c.session = cfg
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives a value whenever the snapshot may
// have changed. Notifications coalesce: a slow reader sees at least one
// signal after the latest change. Call the returned function to unsubscribe.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	c.subSeq++
	id := c.subSeq
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Close tears down any session, waits for the event pump to exit and
// rejects further toggles. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Teardown()
	c.wg.Wait()
	return nil
}

// ── Open sequence ───────────────────────────────────────────────────────────

func (c *Controller) open(ctx context.Context, gen uint64, cfg remote.SessionConfig) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.gen.Load() != gen {
		// Torn down before the open sequence got the device.
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "live.open",
		trace.WithAttributes(observe.Attr("provider", c.provider.Name())))
	defer func() { observe.EndSpan(span, err) }()

	if err := c.capture.Open(ctx); err != nil {
		return c.failOpen(gen, "permission", err)
	}

	sess, err := c.provider.Connect(ctx, cfg)
	if err != nil {
		return c.failOpen(gen, "connect", err)
	}
	c.metrics.RecordProviderRequest(ctx, c.provider.Name(), "live", "ok")

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		_ = sess.Close()
		c.releaseCapture()
		return nil
	}
	c.sess = sess
	if c.openCancel != nil {
		c.openCancel()
		c.openCancel = nil
	}
	c.wg.Go(func() { c.pump(gen, sess) })
	id := c.sessionID
	c.mu.Unlock()

	observe.Logger(ctx).Info("live: session connected", "session_id", id, "provider", c.provider.Name())
	return nil
}

// failOpen runs the failure path of the open sequence. It must be called
// with opMu held.
func (c *Controller) failOpen(gen uint64, stage string, err error) error {
	c.mu.Lock()
	if c.gen.Load() != gen {
		// The user toggled while we were connecting.
		c.mu.Unlock()
		c.releaseCapture()
		return nil
	}
	c.metrics.RecordLiveFailure(context.Background(), c.provider.Name(), stage)
	if stage == "connect" {
		c.metrics.RecordProviderRequest(context.Background(), c.provider.Name(), "live", "error")
	}
	next, effects := transition(c.state, inputOpenFailed)
	c.setStateLocked(next)
	if c.openCancel != nil {
		c.openCancel()
		c.openCancel = nil
	}
	for _, e := range effects {
		if e == effectRecordError {
			c.lastErr = openErrorText(err)
		}
	}
	c.mu.Unlock()

	slog.Warn("live: open failed", "stage", stage, "err", err)
	c.teardownLocked()
	return fmt.Errorf("live: open: %w", err)
}

// ── Event pump ──────────────────────────────────────────────────────────────

func (c *Controller) pump(gen uint64, sess remote.Session) {
	for ev := range sess.Events() {
		c.metrics.RecordLiveEvent(context.Background(), ev.Kind.String())
		c.dispatch(gen, ev)
	}
}

func inputFor(k remote.EventKind) (input, bool) {
	switch k {
	case remote.EventOpen:
		return inputRemoteOpen, true
	case remote.EventAudio:
		return inputAudio, true
	case remote.EventInterrupted:
		return inputInterrupted, true
	case remote.EventTranscript:
		return inputTranscript, true
	case remote.EventInputTranscript:
		return inputInputTranscript, true
	case remote.EventTurnComplete:
		return inputTurnComplete, true
	case remote.EventClose:
		return inputRemoteClose, true
	case remote.EventError:
		return inputRemoteError, true
	}
	return 0, false
}

// dispatch applies one inbound event of session generation gen.
func (c *Controller) dispatch(gen uint64, ev remote.Event) {
	in, ok := inputFor(ev.Kind)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	prev := c.state
	next, effects := transition(c.state, in)
	c.setStateLocked(next)

	var teardown bool
	for _, e := range effects {
		switch e {
		case effectTeardown:
			teardown = true
		default:
			if err := c.applyLocked(e, gen, ev); err != nil {
				// Capture could not start: the link is unusable.
				c.metrics.RecordLiveFailure(context.Background(), c.provider.Name(), "capture")
				c.lastErr = openErrorText(err)
				next, _ = transition(c.state, inputTeardown)
				c.setStateLocked(next)
				teardown = true
			}
		}
	}
	c.mu.Unlock()

	if prev != next || in != inputAudio {
		c.notify()
	}
	if teardown {
		c.teardown()
	}
}

// applyLocked performs a single non-teardown effect. It must be called with
// mu held; none of the effects block.
func (c *Controller) applyLocked(e effect, gen uint64, ev remote.Event) error {
	ctx := context.Background()
	switch e {
	case effectStartCapture:
		c.startedAt = c.now()
		c.metrics.LiveOpenDuration.Record(ctx, c.startedAt.Sub(c.toggledAt).Seconds())
		c.metrics.LiveSessions.Add(ctx, 1)
		c.counted = true
		slog.Info("live: link established", "session_id", c.sessionID)
		return c.capture.Start(c.sink(gen, c.sess))

	case effectPlay:
		c.play(ev)

	case effectInterrupt:
		if c.player.Speaking() {
			c.metrics.PlaybackInterruptions.Add(ctx, 1)
		}
		c.player.Interrupt()

	case effectAppendModel:
		c.modelTx.AppendFragment(ev.Text)

	case effectAppendUser:
		c.userTx.AppendFragment(ev.Text)

	case effectCommit:
		c.userTx.Commit()
		c.modelTx.Commit()

	case effectRecordError:
		c.lastErr = remoteErrorText(ev.Err)
		c.metrics.RecordLiveFailure(ctx, c.provider.Name(), "remote")
		slog.Warn("live: remote error", "session_id", c.sessionID, "err", ev.Err)
	}
	return nil
}

// play decodes one inbound chunk and schedules it. A bad chunk is skipped.
func (c *Controller) play(ev remote.Event) {
	ctx := context.Background()
	data, err := audio.DecodeTransport(ev.Audio)
	if err != nil {
		c.metrics.PlaybackDecodeFailures.Add(ctx, 1)
		slog.Debug("live: skipping malformed audio", "err", err)
		return
	}
	chunk := audio.Chunk{
		Data:       data,
		SampleRate: audio.ParseMIMERate(ev.MIMEType, DefaultOutputRate),
		Channels:   1,
	}
	if err := c.player.Enqueue(chunk); err != nil {
		c.metrics.PlaybackDecodeFailures.Add(ctx, 1)
		slog.Debug("live: skipping unplayable audio", "err", err)
		return
	}
	c.metrics.PlaybackChunks.Add(ctx, 1)
}

// sink forwards encoded microphone blocks to sess while gen is current.
func (c *Controller) sink(gen uint64, sess remote.Session) capture.Sink {
	media := audio.MIMEType(c.capture.Format().SampleRate)
	return func(encoded string) error {
		if c.gen.Load() != gen {
			return errStale
		}
		if err := sess.SendAudio(remote.Media{Data: encoded, MIMEType: media}); err != nil {
			return err
		}
		c.metrics.CaptureBlocks.Add(context.Background(), 1)
		return nil
	}
}

// ── Teardown ────────────────────────────────────────────────────────────────

func (c *Controller) teardown() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardownLocked()
}

// teardownLocked releases every session resource. It must be called with
// opMu held. Each step tolerates having already been done.
func (c *Controller) teardownLocked() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	if c.state != StateClosing {
		next, _ := transition(c.state, inputTeardown)
		c.setStateLocked(next)
	}
	sess := c.sess
	c.sess = nil
	counted := c.counted
	c.counted = false
	id := c.sessionID
	c.mu.Unlock()

	// The forwarder may be blocked in SendAudio; closing the session is what
	// releases it, so the close runs alongside the capture stop.
	sessClosed := make(chan struct{})
	go func() {
		defer close(sessClosed)
		if sess != nil {
			if err := sess.Close(); err != nil {
				slog.Debug("live: close session", "err", err)
			}
		}
	}()
	c.releaseCapture()
	c.player.Interrupt()
	<-sessClosed
	c.userTx.Reset()
	c.modelTx.Reset()
	if counted {
		c.metrics.LiveSessions.Add(context.Background(), -1)
	}

	c.mu.Lock()
	next, _ := transition(c.state, inputClosed)
	c.setStateLocked(next)
	c.startedAt = time.Time{}
	c.sessionID = ""
	c.mu.Unlock()

	slog.Info("live: link closed", "session_id", id)
	c.notify()
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// releaseCapture stops the tap and gives the microphone back. Safe when
// nothing was acquired.
func (c *Controller) releaseCapture() {
	if err := c.capture.Stop(); err != nil {
		slog.Debug("live: stop capture", "err", err)
	}
}

// setStateLocked applies next. Entering StateClosing retires the current
// generation so that callbacks of the old session become stale.
func (c *Controller) setStateLocked(next State) {
	if next == StateClosing && c.state != StateClosing {
		c.gen.Add(1)
	}
	c.state = next
}

func (c *Controller) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func openErrorText(err error) string {
	if err == nil || err.Error() == "" {
		return "SYNC_ERROR"
	}
	return err.Error()
}

func remoteErrorText(err error) string {
	if err == nil {
		return "LINK_FAILURE"
	}
	return "LINK_FAILURE: " + err.Error()
}
