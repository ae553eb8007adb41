package gemini

import (
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

func TestExtractAudio(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "ignored"},
				{InlineData: &genai.Blob{MIMEType: "audio/L16;codec=pcm;rate=24000", Data: []byte{1, 2}}},
				{InlineData: &genai.Blob{MIMEType: "audio/L16;codec=pcm;rate=24000", Data: []byte{3, 4}}},
			}},
		}},
	}
	chunk, err := extractAudio(resp)
	if err != nil {
		t.Fatalf("extractAudio: %v", err)
	}
	if chunk.SampleRate != 24000 || chunk.Channels != 1 {
		t.Errorf("format = %v", chunk.Format())
	}
	if string(chunk.Data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("data = %v", chunk.Data)
	}
}

func TestExtractAudio_DefaultRate(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: []byte{0, 0}}},
			}},
		}},
	}
	chunk, err := extractAudio(resp)
	if err != nil {
		t.Fatal(err)
	}
	if chunk.SampleRate != DefaultSampleRate {
		t.Errorf("rate = %d, want %d", chunk.SampleRate, DefaultSampleRate)
	}
}

func TestExtractAudio_NoAudio(t *testing.T) {
	t.Parallel()

	for name, resp := range map[string]*genai.GenerateContentResponse{
		"nil":           nil,
		"no candidates": {},
		"text only": {Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "hi"}}},
		}}},
	} {
		if _, err := extractAudio(resp); !errors.Is(err, ErrNoAudio) {
			t.Errorf("%s: err = %v, want ErrNoAudio", name, err)
		}
	}
}

func TestRequestConfig(t *testing.T) {
	t.Parallel()

	cfg := requestConfig(tts.VoiceProfile{ID: "Fenrir"})
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != "AUDIO" {
		t.Errorf("modalities = %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Fenrir" {
		t.Error("voice not set")
	}
	if requestConfig(tts.VoiceProfile{}).SpeechConfig != nil {
		t.Error("speech config set without a voice")
	}
}
