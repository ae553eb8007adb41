package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/pkg/provider/live"
	"github.com/MrWong99/jarvis/pkg/provider/live/gemini"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that hands the accepted
// connection to handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("server unmarshal: %v", err)
		return false
	}
	return true
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
	} `json:"setup"`
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	got := make(chan setupFrame, 1)
	keys := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupFrame
		if readJSON(t, conn, &msg) {
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("test-model"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:               tts.VoiceProfile{ID: "Fenrir"},
		Instructions:        "You are JARVIS.",
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if k := <-keys; k != "secret" {
		t.Errorf("api key = %q", k)
	}
	select {
	case msg := <-got:
		s := msg.Setup
		if s.Model != "models/test-model" {
			t.Errorf("model = %q", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("modalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if s.GenerationConfig.SpeechConfig == nil || s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Fenrir" {
			t.Error("voice not set to Fenrir")
		}
		if s.SystemInstruction == nil || s.SystemInstruction.Parts[0].Text != "You are JARVIS." {
			t.Error("system instruction missing")
		}
		if s.OutputAudioTranscription == nil {
			t.Error("output transcription not requested")
		}
		if s.InputAudioTranscription != nil {
			t.Error("input transcription requested but not configured")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestSession_EventStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupFrame
		if !readJSON(t, conn, &setup) {
			return
		}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAEC"}},
			}},
			"outputTranscription": map[string]any{"text": "Good evening"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []live.EventKind{
		live.EventOpen,
		live.EventAudio,
		live.EventTranscript,
		live.EventInterrupted,
		live.EventInputTranscript,
		live.EventTurnComplete,
		live.EventClose,
	}
	for i, kind := range want {
		ev := nextEvent(t, sess)
		if ev.Kind != kind {
			t.Fatalf("event %d = %v, want %v", i, ev.Kind, kind)
		}
		switch ev.Kind {
		case live.EventAudio:
			if ev.Audio != "AAEC" || ev.MIMEType != "audio/pcm;rate=24000" {
				t.Errorf("audio event = %+v", ev)
			}
		case live.EventTranscript:
			if ev.Text != "Good evening" {
				t.Errorf("transcript = %q", ev.Text)
			}
		case live.EventInputTranscript:
			if ev.Text != "hello" {
				t.Errorf("input transcript = %q", ev.Text)
			}
		}
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("expected channel to close after EventClose")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed")
	}

	if err := sess.SendAudio(live.Media{Data: "AA=="}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after remote close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_ServerErrorEndsStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupFrame
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Kind != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Fatalf("event = %+v, want error with message", ev)
	}
}

func TestSession_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupFrame
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	sess, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if ev := nextEvent(t, sess); ev.Kind != live.EventError {
		t.Fatalf("event = %v, want ERROR", ev.Kind)
	}
}

func TestSession_SendAudio(t *testing.T) {
	t.Parallel()

	type frame struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan frame, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupFrame
		readJSON(t, conn, &setup)
		for range 2 {
			var f frame
			if !readJSON(t, conn, &f) {
				return
			}
			got <- f
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(live.Media{Data: "AQID"}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendAudio(live.Media{Data: "BAUG", MIMEType: "audio/pcm;rate=8000"}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	for i, want := range []struct{ data, mime string }{
		{"AQID", "audio/pcm;rate=16000"},
		{"BAUG", "audio/pcm;rate=8000"},
	} {
		select {
		case f := <-got:
			c := f.RealtimeInput.MediaChunks
			if len(c) != 1 || c[0].Data != want.data || c[0].MIMEType != want.mime {
				t.Errorf("frame %d = %+v", i, c)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	// Locally closed sessions end the stream without a final event.
	for ev := range sess.Events() {
		t.Errorf("unexpected event after local close: %v", ev.Kind)
	}
	if err := sess.SendAudio(live.Media{Data: "AA=="}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), live.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
	if p.Name() != "gemini" || gemini.New("k").Model() != gemini.DefaultModel {
		t.Error("unexpected provider metadata")
	}
}
