package playback_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/mock"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
)

// chunkOf returns a 24 kHz mono chunk lasting d.
func chunkOf(d time.Duration) audio.Chunk {
	frames := int(d * 24000 / time.Second)
	return audio.Chunk{Data: make([]byte, frames*2), SampleRate: 24000, Channels: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEnqueue_Gapless(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	t.Cleanup(func() { _ = s.Close() })

	durations := []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		if err := s.Enqueue(chunkOf(d)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	calls := out.Calls()
	if len(calls) != len(durations) {
		t.Fatalf("schedule calls = %d, want %d", len(calls), len(durations))
	}
	var want time.Duration
	for i, c := range calls {
		if c.At != want {
			t.Errorf("chunk %d starts at %v, want %v", i, c.At, want)
		}
		want += durations[i]
	}
	if s.Cursor() != want {
		t.Errorf("cursor = %v, want %v", s.Cursor(), want)
	}
	if !s.Speaking() || s.Active() != 3 {
		t.Errorf("speaking = %v active = %d, want true/3", s.Speaking(), s.Active())
	}
}

func TestEnqueue_StartsAtNowWhenCursorBehind(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Enqueue(chunkOf(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.Advance(time.Second)

	if err := s.Enqueue(chunkOf(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	calls := out.Calls()
	if got := calls[1].At; got != time.Second {
		t.Errorf("late chunk starts at %v, want 1s", got)
	}
	if got := s.Cursor(); got != 1100*time.Millisecond {
		t.Errorf("cursor = %v, want 1.1s", got)
	}
}

func TestEnqueue_NaturalFinishClearsSpeaking(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	t.Cleanup(func() { _ = s.Close() })

	var changes atomic.Int32
	s.OnChange(func() { changes.Add(1) })

	_ = s.Enqueue(chunkOf(100 * time.Millisecond))
	_ = s.Enqueue(chunkOf(100 * time.Millisecond))

	out.Advance(100 * time.Millisecond)
	waitFor(t, "first handle to finish", func() bool { return s.Active() == 1 })
	if !s.Speaking() {
		t.Fatal("still speaking expected while second chunk plays")
	}

	out.Advance(100 * time.Millisecond)
	waitFor(t, "idle", func() bool { return !s.Speaking() })

	// One notification for becoming active, one for becoming idle.
	waitFor(t, "change notifications", func() bool { return changes.Load() == 2 })
}

func TestInterrupt(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	t.Cleanup(func() { _ = s.Close() })

	for range 3 {
		_ = s.Enqueue(chunkOf(200 * time.Millisecond))
	}
	out.Handles()[1].StopErr = errors.New("device hiccup")

	s.Interrupt()

	if s.Speaking() || s.Active() != 0 {
		t.Fatalf("after Interrupt: speaking = %v active = %d", s.Speaking(), s.Active())
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v, want 0", s.Cursor())
	}
	for i, h := range out.Handles() {
		if !h.Stopped() {
			t.Errorf("handle %d was not stopped", i)
		}
	}

	// The next chunk starts at the current clock, not after the old cursor.
	out.Advance(50 * time.Millisecond)
	_ = s.Enqueue(chunkOf(100 * time.Millisecond))
	calls := out.Calls()
	if got := calls[len(calls)-1].At; got != 50*time.Millisecond {
		t.Errorf("post-interrupt chunk starts at %v, want 50ms", got)
	}
}

func TestInterrupt_IdleIsNoop(t *testing.T) {
	t.Parallel()

	s := playback.New(mock.NewOutput())
	var changes atomic.Int32
	s.OnChange(func() { changes.Add(1) })

	s.Interrupt()
	s.Interrupt()

	if changes.Load() != 0 {
		t.Errorf("changes = %d, want 0", changes.Load())
	}
}

func TestEnqueue_DecodeFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	t.Cleanup(func() { _ = s.Close() })

	_ = s.Enqueue(chunkOf(100 * time.Millisecond))
	before := s.Cursor()

	err := s.Enqueue(audio.Chunk{Data: []byte{1, 2, 3}, SampleRate: 24000, Channels: 1})
	if !errors.Is(err, playback.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if s.Cursor() != before || s.Active() != 1 {
		t.Errorf("state changed: cursor %v active %d", s.Cursor(), s.Active())
	}
}

func TestEnqueue_ScheduleFailure(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	out.ScheduleErr = errors.New("device gone")
	s := playback.New(out)

	err := s.Enqueue(chunkOf(10 * time.Millisecond))
	if !errors.Is(err, playback.ErrSchedule) {
		t.Fatalf("err = %v, want ErrSchedule", err)
	}
	if s.Speaking() || s.Cursor() != 0 {
		t.Error("failed schedule must not change state")
	}
}
