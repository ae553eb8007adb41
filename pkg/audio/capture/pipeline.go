// Package capture turns microphone blocks into encoded transport text.
//
// The device callback never blocks: each block is copied and handed to a
// single forwarding goroutine through a bounded queue. The forwarder converts
// the block to int16 PCM, base64-encodes it, and passes it to the caller's
// sink in capture order. A block is dropped when the queue is full, when the
// sink reports an error, or when it arrives after [Pipeline.Stop].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	// DefaultBlockSize is the number of mono samples per captured block.
	DefaultBlockSize = 4096

	// DefaultSampleRate is the capture rate expected by the live models.
	DefaultSampleRate = 16000

	// DefaultQueueDepth bounds the hand-off between the device callback and
	// the forwarder, roughly two seconds of audio at the defaults.
	DefaultQueueDepth = 8
)

var (
	// ErrNotOpen is returned by Start when Open has not succeeded.
	ErrNotOpen = errors.New("capture: input stream not open")

	// ErrRunning is returned by Start when the pipeline is already forwarding.
	ErrRunning = errors.New("capture: already running")
)

// Sink receives one encoded block. A non-nil error drops that block.
type Sink func(encoded string) error

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize sets the number of samples per block.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithSampleRate sets the capture sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithQueueDepth sets how many blocks may wait for the forwarder.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithDropHook registers fn to be called once per dropped block. The reason
// is one of "queue_full", "sink_error" or "stopped".
func WithDropHook(fn func(reason string)) Option {
	return func(p *Pipeline) {
		p.onDrop = fn
	}
}

// Pipeline captures mono audio from a [audio.Microphone].
//
// Lifecycle: Open (acquire the device), Start (install the tap), Stop
// (remove the tap and release the device). Stop is idempotent and a stopped
// pipeline may be opened again.
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	mic        audio.Microphone
	blockSize  int
	sampleRate int
	queueDepth int
	onDrop     func(reason string)

	mu     sync.Mutex
	stream audio.InputStream
	tap    audio.Tap
	queue  chan []float32
	done   chan struct{}

	// gen identifies the current Start. Callbacks from an older tap compare
	// their captured generation against it and drop their block.
	gen atomic.Uint64

	wg sync.WaitGroup
}

// New returns a Pipeline reading from mic.
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:        mic,
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
		queueDepth: DefaultQueueDepth,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Format returns the format of the captured audio.
func (p *Pipeline) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// BlockSize returns the number of samples per block.
func (p *Pipeline) BlockSize() int {
	return p.blockSize
}

// Open acquires the input device. Permission failures surface here. Calling
// Open on an already open pipeline is a no-op.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	stream, err := p.mic.Open(ctx, p.Format())
	if err != nil {
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	p.stream = stream
	return nil
}

// Start installs the block tap and begins forwarding encoded blocks to sink.
func (p *Pipeline) Start(sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ErrNotOpen
	}
	if p.tap != nil {
		return ErrRunning
	}

	gen := p.gen.Add(1)
	queue := make(chan []float32, p.queueDepth)
	done := make(chan struct{})

	tap, err := p.stream.Tap(p.blockSize, func(block []float32) {
		p.offer(gen, queue, block)
	})
	if err != nil {
		p.gen.Add(1)
		return fmt.Errorf("capture: install tap: %w", err)
	}

	p.tap = tap
	p.queue = queue
	p.done = done
	p.wg.Go(func() { p.forward(gen, queue, done, sink) })
	return nil
}

// Running reports whether a tap is installed.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tap != nil
}

// Stop removes the tap, releases the device and waits for the forwarder to
// exit. Blocks that arrive afterwards are dropped. Stop is idempotent; the
// first error from disconnecting or releasing is returned.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	p.gen.Add(1)
	tap, stream, done := p.tap, p.stream, p.done
	p.tap, p.stream, p.queue, p.done = nil, nil, nil, nil
	p.mu.Unlock()

	var errs []error
	if tap != nil {
		if err := tap.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("capture: disconnect tap: %w", err))
		}
	}
	if done != nil {
		close(done)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: release stream: %w", err))
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// offer runs on the device callback goroutine and must not block.
func (p *Pipeline) offer(gen uint64, queue chan<- []float32, block []float32) {
	if p.gen.Load() != gen {
		p.drop("stopped")
		return
	}
	cp := make([]float32, len(block))
	copy(cp, block)
	select {
	case queue <- cp:
	default:
		p.drop("queue_full")
	}
}

func (p *Pipeline) forward(gen uint64, queue <-chan []float32, done <-chan struct{}, sink Sink) {
	for {
		select {
		case <-done:
			return
		case block := <-queue:
			if p.gen.Load() != gen {
				p.drop("stopped")
				continue
			}
			encoded := audio.EncodeTransport(audio.FloatToPCM16(block))
			if err := sink(encoded); err != nil {
				slog.Debug("capture: dropping block", "err", err)
				p.drop("sink_error")
			}
		}
	}
}

func (p *Pipeline) drop(reason string) {
	if p.onDrop != nil {
		p.onDrop(reason)
	}
}
