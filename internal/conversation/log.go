package conversation

import (
	"slices"
	"sync"
	"time"
)

// Log is an ordered, append-only list of messages.
//
// All methods are safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	messages  []Message
	listeners []func(Message)
	now       func() time.Time
}

// LogOption configures a [Log].
type LogOption func(*Log)

// WithClock overrides the time source used to stamp new messages.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog returns an empty log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Seed prepends previously persisted history. Listeners are not notified.
func (l *Log) Seed(history []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(append([]Message(nil), history...), l.messages...)
}

// Add creates a message with a fresh ID and the log's clock, appends it, and
// returns it.
func (l *Log) Add(role Role, content string) Message {
	m := NewMessage(role, content, l.now())
	l.Append(m)
	return m
}

// Append adds m to the end of the log and notifies listeners outside the lock.
func (l *Log) Append(m Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(m)
	}
}

// OnAppend registers fn to run after every Append. Listeners run on the
// appending goroutine and must not block.
func (l *Log) OnAppend(fn func(Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
