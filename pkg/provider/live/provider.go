// Package live defines the Provider interface for streaming voice models.
//
// A live provider wraps a bidirectional real-time voice service (Gemini Live,
// OpenAI Realtime). The caller streams microphone audio in; the model streams
// synthesised audio, transcription fragments and turn markers back out.
//
// All inbound traffic is surfaced as an ordered stream of [Event] values on
// [Session.Events], so a single consumer processes everything in arrival
// order. Audio crosses this boundary in its transport encoding (base64 text)
// and is decoded by the consumer.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

// ErrSessionClosed is returned by [Session.SendAudio] after Close or after
// the remote end went away.
var ErrSessionClosed = errors.New("live: session closed")

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventOpen signals the remote end accepted the session setup. Audio may
	// be sent from now on.
	EventOpen EventKind = iota

	// EventAudio carries one chunk of synthesised speech.
	EventAudio

	// EventInterrupted signals the model detected the user talking over it and
	// abandoned the current response.
	EventInterrupted

	// EventTranscript carries a fragment of the model's spoken output as text.
	EventTranscript

	// EventInputTranscript carries a fragment of the user's recognised speech.
	EventInputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventClose signals the remote end closed the session normally. It is the
	// last event before the channel closes.
	EventClose

	// EventError signals a fatal session error. It is the last event before
	// the channel closes.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OPEN"
	case EventAudio:
		return "AUDIO"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventClose:
		return "CLOSE"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound message from the remote model.
type Event struct {
	Kind EventKind

	// Audio is base64 PCM for EventAudio.
	Audio string

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Text is the fragment for EventTranscript and EventInputTranscript.
	Text string

	// Err is set for EventError.
	Err error
}

// Media is one outbound chunk in transport encoding.
type Media struct {
	// Data is base64 PCM.
	Data string

	// MIMEType describes Data, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// SessionConfig is the initial configuration for a live session.
type SessionConfig struct {
	// Voice selects the prebuilt voice used for synthesised speech.
	Voice tts.VoiceProfile

	// Instructions is the system prompt.
	Instructions string

	// OutputTranscription requests text transcripts of the model's speech.
	OutputTranscription bool

	// InputTranscription requests text transcripts of the user's speech.
	InputTranscription bool

	// InputSampleRate is the rate of the audio passed to SendAudio.
	InputSampleRate int
}

// Session is an open live session.
//
// Callers must call Close when the session is no longer needed, even after
// an EventClose or EventError.
type Session interface {
	// Events returns the ordered inbound event stream. The channel ends with
	// exactly one EventClose or EventError and is then closed. A session
	// closed locally through Close ends the channel without a final event.
	Events() <-chan Event

	// SendAudio transmits one chunk of microphone audio. It returns
	// ErrSessionClosed when the session is no longer usable.
	SendAudio(m Media) error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any live voice backend.
type Provider interface {
	// Connect dials the backend and sends the session setup. The returned
	// session is not yet open: callers wait for EventOpen before sending audio.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
