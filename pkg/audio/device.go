// Package audio defines the audio types, the PCM codec, and the device
// abstractions used by the live voice link.
//
// The device interfaces are deliberately narrow:
//
//   - [Microphone] grants an [InputStream] (the permission step) which can be
//     tapped for fixed-size blocks of float samples.
//   - [Output] decodes [Chunk] values into [Buffer] values and schedules them
//     at absolute times on its own monotonic clock, returning a [Handle].
//
// Concrete devices live in audio/portaudio; in-memory fakes for tests live in
// audio/mock.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable device exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Microphone grants access to an input device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests access to the default input device in the given format.
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceUnavailable] where the
	// cause is known.
	Open(ctx context.Context, format Format) (InputStream, error)
}

// InputStream is an acquired input device.
type InputStream interface {
	// Tap starts delivering blocks of blockSize mono float samples to onBlock.
	// onBlock runs on the device's callback goroutine and must not block.
	// The slice passed to onBlock is only valid for the duration of the call.
	Tap(blockSize int, onBlock func(block []float32)) (Tap, error)

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Tap is an installed block callback on an [InputStream].
type Tap interface {
	// Disconnect stops block delivery. Safe to call more than once. Blocks
	// already in flight may still arrive after Disconnect returns.
	Disconnect() error
}

// Output is an audio output device with a monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Decode converts chunk into a playable buffer for this device.
	Decode(chunk Chunk) (*Buffer, error)

	// Schedule starts buf at the absolute device time at. A time in the past
	// starts playback immediately.
	Schedule(buf *Buffer, at time.Duration) (Handle, error)

	// Now returns the current device clock.
	Now() time.Duration
}

// Handle is one scheduled buffer.
type Handle interface {
	// Stop halts playback. Stopping a finished handle is a no-op.
	Stop() error

	// Done is closed when the buffer finished playing or was stopped.
	Done() <-chan struct{}
}
