// Package gemini implements tts.Provider with the Gemini speech generation
// models through the google.golang.org/genai client.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultModel is the speech generation model used when none is configured.
	DefaultModel = "gemini-2.5-flash-preview-tts"

	// DefaultSampleRate applies when the response MIME type carries no rate.
	DefaultSampleRate = 24000
)

// ErrNoAudio is returned when the response contains no inline audio.
var ErrNoAudio = errors.New("gemini tts: response contained no audio")

// Option is a functional option for configuring a Provider.
type Option func(*config)

type config struct {
	model   string
	baseURL string
}

// WithModel sets the speech generation model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// Provider synthesises speech with a Gemini TTS model.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Provider backed by the Gemini API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	cfg := config{model: DefaultModel}
	for _, o := range opts {
		o(&cfg)
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	return &Provider{client: client, model: cfg.model}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (audio.Chunk, error) {
	if text == "" {
		return audio.Chunk{}, errors.New("gemini tts: empty text")
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), requestConfig(voice))
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("gemini tts: generate: %w", err)
	}
	return extractAudio(resp)
}

func requestConfig(voice tts.VoiceProfile) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
	}
	if voice.ID != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice.ID},
			},
		}
	}
	return cfg
}

// extractAudio concatenates the inline audio parts of the first candidate.
// The sample rate comes from the first part's MIME type.
func extractAudio(resp *genai.GenerateContentResponse) (audio.Chunk, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return audio.Chunk{}, ErrNoAudio
	}
	chunk := audio.Chunk{Channels: 1}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		if chunk.SampleRate == 0 {
			chunk.SampleRate = audio.ParseMIMERate(part.InlineData.MIMEType, DefaultSampleRate)
		}
		chunk.Data = append(chunk.Data, part.InlineData.Data...)
	}
	if len(chunk.Data) == 0 {
		return audio.Chunk{}, ErrNoAudio
	}
	return chunk, nil
}
