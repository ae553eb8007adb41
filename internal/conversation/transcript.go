package conversation

import (
	"strings"
	"sync"
)

// Transcript accumulates the fragments of one in-progress turn for a single
// role and commits them to a [Log].
//
// All methods are safe for concurrent use.
type Transcript struct {
	role Role
	log  *Log

	mu  sync.Mutex
	buf strings.Builder
}

// NewTranscript returns an accumulator that commits messages of role to log.
func NewTranscript(role Role, log *Log) *Transcript {
	return &Transcript{role: role, log: log}
}

// Role returns the role of committed messages.
func (t *Transcript) Role() Role {
	return t.role
}

// AppendFragment adds a fragment to the current turn.
func (t *Transcript) AppendFragment(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(text)
}

// Text returns the text accumulated so far.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Commit appends the accumulated text to the log as one message and clears
// the accumulator. With nothing accumulated it does nothing and reports false.
func (t *Transcript) Commit() (Message, bool) {
	t.mu.Lock()
	text := t.buf.String()
	t.buf.Reset()
	t.mu.Unlock()

	if text == "" {
		return Message{}, false
	}
	return t.log.Add(t.role, text), true
}

// Reset discards the accumulated text without committing it.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
}
