// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: audio.Chunk{Data: pcm, SampleRate: 24000, Channels: 1}}
//	chunk, _ := p.Synthesize(ctx, "Good evening.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when Err is nil.
	Result audio.Chunk

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Calls records every Synthesize call in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Result or Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.VoiceProfile) (audio.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return audio.Chunk{}, p.Err
	}
	return p.Result, nil
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
