// Package portaudio implements the [audio.Microphone] and [audio.Output]
// device interfaces on top of the PortAudio C library.
//
// A [Host] owns the library lifetime: create one with [New] at startup and
// Close it on shutdown, after every stream it handed out has been closed.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*inputStream)(nil)
	_ audio.Tap         = (*tap)(nil)
)

// Host owns the PortAudio library lifetime.
type Host struct {
	mu      sync.Mutex
	outputs []*Output
	closed  bool
}

// New initialises PortAudio.
func New() (*Host, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Host{}, nil
}

// Microphone returns a microphone bound to the default input device.
func (h *Host) Microphone() *Microphone {
	return &Microphone{}
}

// OpenOutput opens and starts the default output device in the given format.
// framesPerBuffer of zero lets PortAudio choose.
func (h *Host) OpenOutput(format audio.Format, framesPerBuffer int) (*Output, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("portaudio: invalid output format %v", format)
	}
	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	o := newOutput(format)
	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, o.render)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	o.stream = stream
	slog.Debug("portaudio: output started", "device", dev.Name, "format", format.String())

	h.mu.Lock()
	h.outputs = append(h.outputs, o)
	h.mu.Unlock()
	return o, nil
}

// Close stops every output opened through the host and terminates
// PortAudio. Safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	outputs := h.outputs
	h.outputs = nil
	h.mu.Unlock()

	var errs []error
	for _, o := range outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Microphone opens the default input device.
type Microphone struct{}

// Open implements [audio.Microphone]. Only mono capture is supported.
func (m *Microphone) Open(_ context.Context, format audio.Format) (audio.InputStream, error) {
	if format.Channels != 1 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: unsupported capture format %v", format)
	}
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("portaudio: %w: %q has no input channels", audio.ErrDeviceUnavailable, dev.Name)
	}
	return &inputStream{device: dev, format: format}, nil
}

type inputStream struct {
	device *pa.DeviceInfo
	format audio.Format

	mu     sync.Mutex
	taps   []*tap
	closed bool
}

// Tap opens a PortAudio stream whose callback delivers blocks of blockSize
// samples. Opening the stream is where the operating system may prompt for
// microphone access, so failures here wrap [audio.ErrPermissionDenied].
func (s *inputStream) Tap(blockSize int, onBlock func([]float32)) (audio.Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("portaudio: %w: stream released", audio.ErrDeviceUnavailable)
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(s.format.SampleRate), blockSize, func(in []float32) {
		onBlock(in)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: open %q: %w", audio.ErrPermissionDenied, s.device.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start capture on %q: %w", s.device.Name, err)
	}
	slog.Debug("portaudio: capture started", "device", s.device.Name, "block_size", blockSize)
	t := &tap{stream: stream}
	s.taps = append(s.taps, t)
	return t, nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	taps := s.taps
	s.taps = nil
	s.mu.Unlock()

	var errs []error
	for _, t := range taps {
		if err := t.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type tap struct {
	once   sync.Once
	stream *pa.Stream
	err    error
}

func (t *tap) Disconnect() error {
	t.once.Do(func() {
		if err := t.stream.Stop(); err != nil {
			t.err = fmt.Errorf("portaudio: stop capture: %w", err)
		}
		if err := t.stream.Close(); err != nil && t.err == nil {
			t.err = fmt.Errorf("portaudio: close capture: %w", err)
		}
	})
	return t.err
}
