package portaudio

import (
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Output)(nil)
	_ audio.Handle = (*voice)(nil)
)

// Output mixes scheduled buffers into a running PortAudio output stream.
//
// The device clock is the number of frames rendered so far divided by the
// sample rate, so it only advances while the stream runs.
type Output struct {
	format audio.Format
	stream *pa.Stream

	convMu sync.Mutex
	conv   audio.FormatConverter

	mu       sync.Mutex
	rendered int64 // frames rendered since the stream started
	voices   []*voice
	closed   bool
}

func newOutput(format audio.Format) *Output {
	return &Output{
		format: format,
		conv:   audio.FormatConverter{Target: format},
	}
}

// Format returns the device format.
func (o *Output) Format() audio.Format {
	return o.format
}

// Decode converts chunk to the device format and decodes it.
func (o *Output) Decode(chunk audio.Chunk) (*audio.Buffer, error) {
	if !chunk.Format().Valid() {
		return nil, fmt.Errorf("portaudio: decode: invalid chunk format %v", chunk.Format())
	}
	o.convMu.Lock()
	converted := o.conv.Convert(chunk)
	o.convMu.Unlock()
	if len(chunk.Data) > 0 && len(converted.Data) == 0 {
		return nil, fmt.Errorf("portaudio: decode: %w", audio.ErrMisalignedPCM)
	}
	return audio.NewBuffer(converted)
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration) (audio.Handle, error) {
	if buf.SampleRate != o.format.SampleRate {
		return nil, fmt.Errorf("portaudio: schedule: buffer rate %d does not match device rate %d", buf.SampleRate, o.format.SampleRate)
	}
	v := &voice{
		out:     o,
		samples: buf.Samples,
		frames:  int64(buf.Frames()),
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("portaudio: schedule: output closed")
	}
	v.start = max(int64(at)*int64(o.format.SampleRate)/int64(time.Second), o.rendered)
	if v.frames == 0 {
		v.finish()
		return v, nil
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Duration(o.rendered) * time.Second / time.Duration(o.format.SampleRate)
}

// Close stops the stream and ends every pending voice.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := o.voices
	o.voices = nil
	o.mu.Unlock()

	for _, v := range voices {
		v.finish()
	}
	if o.stream == nil {
		return nil
	}
	if err := o.stream.Stop(); err != nil {
		_ = o.stream.Close()
		return fmt.Errorf("portaudio: stop output: %w", err)
	}
	if err := o.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}

// render is the PortAudio callback. out is interleaved float32.
func (o *Output) render(out []float32) {
	clear(out)
	ch := o.format.Channels
	frames := int64(len(out) / ch)

	o.mu.Lock()
	base := o.rendered
	live := o.voices[:0]
	var finished []*voice
	for _, v := range o.voices {
		v.mixInto(out, ch, base, frames)
		if base+frames >= v.start+v.frames {
			finished = append(finished, v)
			continue
		}
		live = append(live, v)
	}
	clear(o.voices[len(live):])
	o.voices = live
	o.rendered += frames
	o.mu.Unlock()

	for i, s := range out {
		out[i] = min(max(s, -1), 1)
	}
	for _, v := range finished {
		v.finish()
	}
}

func (o *Output) remove(v *voice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, x := range o.voices {
		if x == v {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			return
		}
	}
}

// voice is one scheduled buffer and its [audio.Handle].
type voice struct {
	out     *Output
	samples [][]float32
	start   int64
	frames  int64

	once sync.Once
	done chan struct{}
}

func (v *voice) mixInto(out []float32, channels int, base, frames int64) {
	from := max(v.start-base, 0)
	for f := from; f < frames; f++ {
		idx := base + f - v.start
		if idx >= v.frames {
			return
		}
		for c := range channels {
			src := v.samples[min(c, len(v.samples)-1)]
			out[f*int64(channels)+int64(c)] += src[idx]
		}
	}
}

func (v *voice) Stop() error {
	v.out.remove(v)
	v.finish()
	return nil
}

func (v *voice) Done() <-chan struct{} {
	return v.done
}

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}
