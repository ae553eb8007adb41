package tts

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier, e.g. "Fenrir".
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which backend this voice belongs to.
	Provider string
}
