// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// The Realtime API speaks 24 kHz PCM16 in both directions, so microphone
// audio captured at another rate is resampled before it is appended to the
// input buffer. Server voice activity detection drives turn taking: a
// speech_started event is surfaced as [live.EventInterrupted].
package openai

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

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate used by the Realtime API.
	SampleRate = 24000

	transcriptionModel = "whisper-1"
	writeTimeout       = 5 * time.Second
	eventBuffer        = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Connect dials the Realtime endpoint and sends session.update. The session
// reports [live.EventOpen] when the server confirms the update.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	inputRate := cfg.InputSampleRate
	if inputRate <= 0 {
		inputRate = SampleRate
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		events:    make(chan live.Event, eventBuffer),
		inputRate: inputRate,
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.writeJSON(buildSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.wg.Go(sess.receiveLoop)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type       string             `json:"type"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

var outputMIME = audio.MIMEType(SampleRate)

// translate maps one server event onto at most one live event.
func translate(evt *serverEvent) (live.Event, bool) {
	switch evt.Type {
	case "session.updated":
		return live.Event{Kind: live.EventOpen}, true
	case "response.audio.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventAudio, Audio: evt.Delta, MIMEType: outputMIME}, true
	case "input_audio_buffer.speech_started":
		return live.Event{Kind: live.EventInterrupted}, true
	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventTranscript, Text: evt.Delta}, true
	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventInputTranscript, Text: evt.Transcript}, true
	case "response.done":
		return live.Event{Kind: live.EventTurnComplete}, true
	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: %s", msg)}, true
	}
	return live.Event{}, false
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	events    chan live.Event
	inputRate int

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and emits live events. It owns
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
				s.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		ev, ok := translate(&evt)
		if !ok {
			continue
		}
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

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
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

// SendAudio appends one chunk to the input audio buffer, resampling it to
// 24 kHz when it was captured at another rate.
func (s *session) SendAudio(m live.Media) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrSessionClosed
	}

	data := m.Data
	rate := audio.ParseMIMERate(m.MIMEType, s.inputRate)
	if rate != SampleRate {
		pcm, err := audio.DecodeTransport(m.Data)
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		data = audio.EncodeTransport(audio.ResampleMono16(pcm, rate, SampleRate))
	}

	if err := s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel()
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("openai: close", "err", err)
		}
		s.wg.Wait()
	})
	return nil
}
