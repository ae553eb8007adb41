// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It opens a WebSocket to the BidiGenerateContent endpoint, sends a setup
// message, and translates server messages into [live.Event] values. Audio
// travels as base64 PCM in both directions and is passed through without
// re-encoding.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// OutputMIMEType is the format of model audio when the server omits one.
	OutputMIMEType = "audio/pcm;rate=24000"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
	eventBuffer       = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "gemini".
func (p *Provider) Name() string { return "gemini" }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials Gemini Live and sends the setup message. The session reports
// [live.EventOpen] once the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Model audio chunks can exceed the library's 32 KiB default.
	conn.SetReadLimit(8 << 20)

	inputRate := cfg.InputSampleRate
	if inputRate <= 0 {
		inputRate = 16000
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		events:    make(chan live.Event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		inputMIME: fmt.Sprintf("audio/pcm;rate=%d", inputRate),
	}

	if err := sess.writeJSON(buildSetup(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.wg.Go(sess.receiveLoop)
	sess.wg.Go(sess.keepaliveLoop)

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// translate maps one server message onto zero or more events, in the order
// the protocol defines them: audio, interruption, transcripts, turn end.
func translate(msg *serverMessage) []live.Event {
	var evs []live.Event
	if msg.SetupComplete != nil {
		evs = append(evs, live.Event{Kind: live.EventOpen})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				mt := p.InlineData.MIMEType
				if mt == "" {
					mt = OutputMIMEType
				}
				evs = append(evs, live.Event{Kind: live.EventAudio, Audio: p.InlineData.Data, MIMEType: mt})
			}
		}
		if sc.Interrupted {
			evs = append(evs, live.Event{Kind: live.EventInterrupted})
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			evs = append(evs, live.Event{Kind: live.EventInputTranscript, Text: t.Text})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			evs = append(evs, live.Event{Kind: live.EventTranscript, Text: t.Text})
		}
		if sc.TurnComplete {
			evs = append(evs, live.Event{Kind: live.EventTurnComplete})
		}
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		evs = append(evs, live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: %s", text)})
	}
	return evs
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	events    chan live.Event
	inputMIME string

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and emits events. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.markClosed()
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.emit(live.Event{Kind: live.EventClose})
			} else {
				s.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
		}

		for _, ev := range translate(&msg) {
			if !s.emit(ev) {
				return
			}
			if ev.Kind == live.EventError {
				s.markClosed()
				s.conn.Close(websocket.StatusNormalClosure, "server error")
				return
			}
		}
	}
}

// emit delivers ev unless the session is being closed locally.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// ── live.Session methods ──────────────────────────────────────────────────────

// Events returns the inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio forwards one base64 PCM chunk as realtime input.
func (s *session) SendAudio(m live.Media) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrSessionClosed
	}

	mt := m.MIMEType
	if mt == "" {
		mt = s.inputMIME
	}
	err := s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []inlineData{{MIMEType: mt, Data: m.Data}}},
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel() // unblocks receiveLoop and keepaliveLoop
		close(s.done)
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("gemini: close", "err", err)
		}
		s.wg.Wait()
	})
	return nil
}
