// Package tts defines the Provider interface for one-shot speech synthesis.
//
// The live session produces its own speech; this package covers the short
// announcements spoken outside a session, such as the startup greeting.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// PCM result. An empty text returns an error.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (audio.Chunk, error)
}
