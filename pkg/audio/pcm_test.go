package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
)

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.25, -1, 0.999, -0.123456, 0.000031}
	pcm := audio.FloatToPCM16(in)
	if len(pcm) != 2*len(in) {
		t.Fatalf("pcm length = %d, want %d", len(pcm), 2*len(in))
	}
	out, err := audio.PCM16ToFloat(pcm, 1)
	if err != nil {
		t.Fatalf("PCM16ToFloat: %v", err)
	}
	for i, want := range in {
		if diff := math.Abs(float64(out[0][i] - want)); diff > 1.0/32768 {
			t.Errorf("sample %d: got %v, want %v (diff %v)", i, out[0][i], want, diff)
		}
	}
}

func TestFloatToPCM16_Clamps(t *testing.T) {
	t.Parallel()

	inf := float32(math.Inf(1))
	nan := float32(math.NaN())
	got := bytesToSamples(audio.FloatToPCM16([]float32{
		1, -1, 1.5, -2, 0.5,
		70000, -70000, 1e9, inf, -inf, nan,
	}))
	want := []int16{
		32767, -32768, 32767, -32768, 16384,
		32767, -32768, 32767, 32767, -32768, 0,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloatToPCM16_Truncates(t *testing.T) {
	t.Parallel()

	// 0.9999 * 32768 = 32764.7 and truncates toward zero.
	got := bytesToSamples(audio.FloatToPCM16([]float32{0.9999, -0.9999}))
	if got[0] != 32764 || got[1] != -32764 {
		t.Errorf("got %v, want [32764 -32764]", got)
	}
}

func TestPCM16ToFloat_Stereo(t *testing.T) {
	t.Parallel()

	out, err := audio.PCM16ToFloat(samplesToBytes([]int16{16384, -16384, 0, 32767}), 2)
	if err != nil {
		t.Fatalf("PCM16ToFloat: %v", err)
	}
	if len(out) != 2 || len(out[0]) != 2 {
		t.Fatalf("shape = %dx%d, want 2x2", len(out), len(out[0]))
	}
	if out[0][0] != 0.5 || out[1][0] != -0.5 || out[0][1] != 0 {
		t.Errorf("unexpected samples %v", out)
	}
}

func TestPCM16ToFloat_Errors(t *testing.T) {
	t.Parallel()

	if _, err := audio.PCM16ToFloat([]byte{1, 2, 3}, 1); !errors.Is(err, audio.ErrMisalignedPCM) {
		t.Errorf("odd bytes: err = %v, want ErrMisalignedPCM", err)
	}
	if _, err := audio.PCM16ToFloat([]byte{1, 2}, 2); !errors.Is(err, audio.ErrMisalignedPCM) {
		t.Errorf("half frame: err = %v, want ErrMisalignedPCM", err)
	}
	if _, err := audio.PCM16ToFloat([]byte{1, 2}, 0); !errors.Is(err, audio.ErrInvalidChannels) {
		t.Errorf("zero channels: err = %v, want ErrInvalidChannels", err)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		{},
		{0},
		{0, 0, 0, 0},
		{0xff, 0x00, 0x7f, 0x80, 0x01},
		bytes.Repeat([]byte{0, 1, 2, 253, 254, 255}, 1000),
	}
	for _, in := range inputs {
		out, err := audio.DecodeTransport(audio.EncodeTransport(in))
		if err != nil {
			t.Fatalf("DecodeTransport: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("round trip of %d bytes changed the data", len(in))
		}
	}
}

func TestDecodeTransport_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeTransport("not base64!"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMIMEType(t *testing.T) {
	t.Parallel()

	if got := audio.MIMEType(16000); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", got)
	}

	tests := []struct {
		in   string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/L16;codec=pcm;rate=16000", 16000},
		{"audio/pcm", 24000},
		{"", 24000},
		{"audio/pcm;rate=abc", 24000},
	}
	for _, tt := range tests {
		if got := audio.ParseMIMERate(tt.in, 24000); got != tt.want {
			t.Errorf("ParseMIMERate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChunkDuration(t *testing.T) {
	t.Parallel()

	c := audio.Chunk{Data: make([]byte, 48000), SampleRate: 24000, Channels: 1}
	if got := c.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := (audio.Chunk{Data: make([]byte, 10)}).Duration(); got != 0 {
		t.Errorf("invalid format duration = %v, want 0", got)
	}

	buf, err := audio.NewBuffer(c)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if buf.Duration() != time.Second || buf.Frames() != 24000 {
		t.Errorf("buffer = %v / %d frames", buf.Duration(), buf.Frames())
	}
}
