package live

import "fmt"

// State is the lifecycle state of the live link.
type State int

const (
	// StateIdle means no session exists. Toggle opens one.
	StateIdle State = iota

	// StateConnecting means the open sequence is running or the remote end
	// has not yet confirmed the session.
	StateConnecting

	// StateOpen means the remote end confirmed the session and microphone
	// audio is flowing.
	StateOpen

	// StateClosing means teardown is in progress.
	StateClosing
)

// String returns the name used in logs and JSON.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosing; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("live: unknown state %q", text)
}

// input is everything that can drive the state machine.
type input int

const (
	inputToggle input = iota
	inputOpenFailed
	inputRemoteOpen
	inputAudio
	inputInterrupted
	inputTranscript
	inputInputTranscript
	inputTurnComplete
	inputRemoteClose
	inputRemoteError
	inputTeardown
	inputClosed
)

func (in input) String() string {
	names := [...]string{
		"toggle", "open_failed", "remote_open", "audio", "interrupted",
		"transcript", "input_transcript", "turn_complete", "remote_close",
		"remote_error", "teardown", "closed",
	}
	if int(in) < len(names) {
		return names[in]
	}
	return fmt.Sprintf("input(%d)", int(in))
}

// effect is a side effect the controller performs after a transition.
type effect int

const (
	effectOpen effect = iota
	effectStartCapture
	effectPlay
	effectInterrupt
	effectAppendModel
	effectAppendUser
	effectCommit
	effectRecordError
	effectTeardown
)

func (e effect) String() string {
	names := [...]string{
		"open", "start_capture", "play", "interrupt", "append_model",
		"append_user", "commit", "record_error", "teardown",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// transition is the whole lifecycle policy. It has no side effects: the
// controller applies the returned state and then performs the effects in
// order.
//
// Session events are only meaningful while a session is being set up or is
// open; in any other state they are ignored.
func transition(s State, in input) (State, []effect) {
	switch in {
	case inputToggle:
		switch s {
		case StateIdle:
			return StateConnecting, []effect{effectOpen}
		case StateConnecting, StateOpen:
			return StateClosing, []effect{effectTeardown}
		}
		return s, nil

	case inputTeardown:
		if s == StateIdle {
			return s, nil
		}
		return StateClosing, []effect{effectTeardown}

	case inputClosed:
		if s == StateClosing {
			return StateIdle, nil
		}
		return s, nil
	}

	if s != StateConnecting && s != StateOpen {
		return s, nil
	}

	switch in {
	case inputOpenFailed:
		if s == StateConnecting {
			return StateClosing, []effect{effectRecordError, effectTeardown}
		}
	case inputRemoteOpen:
		if s == StateConnecting {
			return StateOpen, []effect{effectStartCapture}
		}
	case inputAudio:
		return s, []effect{effectPlay}
	case inputInterrupted:
		return s, []effect{effectInterrupt}
	case inputTranscript:
		return s, []effect{effectAppendModel}
	case inputInputTranscript:
		return s, []effect{effectAppendUser}
	case inputTurnComplete:
		return s, []effect{effectCommit}
	case inputRemoteClose:
		return StateClosing, []effect{effectTeardown}
	case inputRemoteError:
		return StateClosing, []effect{effectRecordError, effectTeardown}
	}
	return s, nil
}
