// Package playback schedules streamed model audio for gapless output.
//
// Chunks arrive from the network with arbitrary jitter. The [Scheduler]
// keeps a cursor on the output device's clock: each chunk starts at
// max(cursor, now) and advances the cursor by its own duration, so
// consecutive chunks play back-to-back without gaps or overlap, and a chunk
// that arrives after the previous one finished starts immediately.
//
// [Scheduler.Interrupt] implements barge-in: every scheduled buffer stops,
// and the next chunk starts fresh at "now".
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
)

var (
	// ErrDecode wraps failures to turn a chunk into a playable buffer.
	ErrDecode = errors.New("playback: decode chunk")

	// ErrSchedule wraps failures of the output device to accept a buffer.
	ErrSchedule = errors.New("playback: schedule buffer")
)

// Scheduler places decoded chunks on an [audio.Output] timeline and tracks
// which of them are still playing.
//
// Invariant: the active set is empty exactly when [Scheduler.Speaking]
// reports false.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.Output

	mu       sync.Mutex
	cursor   time.Duration           // next start time on the output clock
	active   map[uint64]audio.Handle // unfinished buffers
	seq      uint64
	onChange func()

	wg sync.WaitGroup
}

// New returns a Scheduler that plays through out.
func New(out audio.Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[uint64]audio.Handle),
	}
}

// OnChange registers fn to be called whenever [Scheduler.Speaking] may have
// changed. Only one callback is kept; later calls replace earlier ones. fn is
// called without the scheduler's lock held and should read the current state
// through the scheduler rather than relying on any captured value.
func (s *Scheduler) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Enqueue decodes chunk and schedules it at max(cursor, now). On failure the
// scheduler's state is left untouched.
func (s *Scheduler) Enqueue(chunk audio.Chunk) error {
	buf, err := s.out.Decode(chunk)
	if err != nil {
		slog.Warn("playback: dropping undecodable chunk", "bytes", len(chunk.Data), "err", err)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	s.mu.Lock()
	start := max(s.cursor, s.out.Now())
	h, err := s.out.Schedule(buf, start)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSchedule, err)
	}
	s.seq++
	id := s.seq
	wasIdle := len(s.active) == 0
	s.active[id] = h
	s.cursor = start + buf.Duration()
	s.mu.Unlock()

	s.wg.Go(func() {
		<-h.Done()
		s.remove(id)
	})

	if wasIdle {
		s.notify()
	}
	return nil
}

// Interrupt stops every scheduled buffer, clears the active set, and resets
// the cursor to zero. Stop errors are ignored. Calling Interrupt while
// nothing is playing is a no-op apart from the cursor reset.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	handles := s.active
	s.active = make(map[uint64]audio.Handle)
	s.cursor = 0
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Stop(); err != nil {
			slog.Debug("playback: stop handle", "err", err)
		}
	}
	if len(handles) > 0 {
		s.notify()
	}
}

// Speaking reports whether any scheduled buffer has not yet finished.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Active returns the number of unfinished buffers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the time at which the next chunk would start if the output
// clock had not yet reached it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close interrupts playback and waits for every completion watcher to exit.
func (s *Scheduler) Close() error {
	s.Interrupt()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	_, ok := s.active[id]
	delete(s.active, id)
	idle := ok && len(s.active) == 0
	s.mu.Unlock()

	if idle {
		s.notify()
	}
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
