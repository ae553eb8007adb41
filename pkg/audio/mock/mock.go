// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Output] device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control return values.
//
// The [Output] mock runs on a manual clock: tests move time with
// [Output.Advance], which also finishes every handle whose buffer has played
// out by the new time.
//
//	out := mock.NewOutput()
//	h, _ := out.Schedule(buf, 0)
//	out.Advance(buf.Duration()) // h.Done() is now closed
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.Tap         = (*Tap)(nil)
	_ audio.Output      = (*Output)(nil)
	_ audio.Handle      = (*Handle)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Stream is returned by Open. When nil, Open creates a fresh [InputStream]
	// per call; the streams are available through [Microphone.Streams].
	Stream *InputStream

	// OpenCalls records the format of every Open call.
	OpenCalls []audio.Format

	streams []*InputStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, format audio.Format) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, format)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := m.Stream
	if s == nil {
		s = &InputStream{}
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream handed out by Open, in order.
func (m *Microphone) Streams() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*InputStream(nil), m.streams...)
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream].
type InputStream struct {
	mu sync.Mutex

	// TapErr is returned by Tap when non-nil.
	TapErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	taps []*Tap
}

// Tap implements [audio.InputStream].
func (s *InputStream) Tap(blockSize int, onBlock func([]float32)) (audio.Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TapErr != nil {
		return nil, s.TapErr
	}
	t := &Tap{BlockSize: blockSize, onBlock: onBlock}
	s.taps = append(s.taps, t)
	return t, nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// Closed reports whether Close has been called at least once.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Taps returns every tap installed on the stream, in order.
func (s *InputStream) Taps() []*Tap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Tap(nil), s.taps...)
}

// Emit delivers block to every connected tap, like a device callback would.
func (s *InputStream) Emit(block []float32) {
	for _, t := range s.Taps() {
		if !t.Disconnected() {
			t.Deliver(block)
		}
	}
}

// ─── Tap ──────────────────────────────────────────────────────────────────────

// Tap is a mock [audio.Tap].
type Tap struct {
	// BlockSize is the block size requested by the caller.
	BlockSize int

	mu           sync.Mutex
	onBlock      func([]float32)
	disconnected bool
}

// Disconnect implements [audio.Tap].
func (t *Tap) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	return nil
}

// Disconnected reports whether Disconnect has been called.
func (t *Tap) Disconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

// Deliver invokes the tap's callback even if it was disconnected. Use it to
// simulate a block that was already in flight when the tap went away.
func (t *Tap) Deliver(block []float32) {
	t.mu.Lock()
	fn := t.onBlock
	t.mu.Unlock()
	fn(block)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// At is the requested start time.
	At time.Duration
	// Duration is the scheduled buffer's length.
	Duration time.Duration
}

// Output is a mock [audio.Output] with a manual clock.
type Output struct {
	mu sync.Mutex

	// DecodeErr is returned by Decode when non-nil.
	DecodeErr error

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// ScheduleCalls records every successful Schedule call.
	ScheduleCalls []ScheduleCall

	now     time.Duration
	handles []*Handle
}

// NewOutput returns an [Output] whose clock starts at zero.
func NewOutput() *Output {
	return &Output{}
}

// Decode implements [audio.Output] using [audio.NewBuffer].
func (o *Output) Decode(chunk audio.Chunk) (*audio.Buffer, error) {
	o.mu.Lock()
	err := o.DecodeErr
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return audio.NewBuffer(chunk)
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration) (audio.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	h := &Handle{At: at, Duration: buf.Duration(), done: make(chan struct{})}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{At: at, Duration: h.Duration})
	o.handles = append(o.handles, h)
	return h, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Advance moves the clock forward by d and finishes every handle whose
// buffer ends at or before the new time.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	handles := append([]*Handle(nil), o.handles...)
	o.mu.Unlock()
	for _, h := range handles {
		start := max(h.At, 0)
		if start+h.Duration <= now {
			h.Finish()
		}
	}
}

// Handles returns every handle created by Schedule, in order.
func (o *Output) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Handle(nil), o.handles...)
}

// Calls returns a copy of ScheduleCalls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.ScheduleCalls...)
}

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock [audio.Handle].
type Handle struct {
	// At is the start time the handle was scheduled for.
	At time.Duration
	// Duration is the scheduled buffer's length.
	Duration time.Duration

	// StopErr is returned by Stop.
	StopErr error

	mu      sync.Mutex
	stopped bool
	once    sync.Once
	done    chan struct{}
}

// Stop implements [audio.Handle].
func (h *Handle) Stop() error {
	h.mu.Lock()
	h.stopped = true
	err := h.StopErr
	h.mu.Unlock()
	h.Finish()
	return err
}

// Done implements [audio.Handle].
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finish ends playback naturally, closing Done.
func (h *Handle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
