package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

// pcmScale maps int16 PCM onto the float range [-1, 1).
const pcmScale = 32768.0

var (
	// ErrMisalignedPCM is returned when a PCM byte slice does not hold a whole
	// number of int16 frames for the requested channel count.
	ErrMisalignedPCM = errors.New("audio: pcm length is not a whole number of frames")

	// ErrInvalidChannels is returned for a channel count below one.
	ErrInvalidChannels = errors.New("audio: channel count must be at least 1")
)

// FloatToPCM16 converts float samples in [-1, 1] to int16 little-endian PCM.
// Each sample is scaled by 32768 and truncated toward zero. Results outside
// the int16 range are clamped, so 1.0 encodes as 32767; NaN encodes as 0.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// toInt16 clamps in the float domain; converting an out-of-range float to
// an integer type is implementation-defined in Go.
func toInt16(s float32) int16 {
	v := float64(s) * pcmScale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat decodes interleaved int16 little-endian PCM into one float
// slice per channel, each value divided by 32768.
func PCM16ToFloat(pcm []byte, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, ErrInvalidChannels
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d channels", ErrMisalignedPCM, len(pcm), channels)
	}
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(pcm[off:]))
			out[c][i] = float32(float64(s) / pcmScale)
		}
	}
	return out, nil
}

// EncodeTransport encodes raw bytes as standard base64 for JSON transport.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport reverses [EncodeTransport].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport: %w", err)
	}
	return b, nil
}

// MIMEType returns the media type for raw int16 PCM at the given rate,
// e.g. "audio/pcm;rate=16000".
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIMERate extracts the rate parameter from a PCM media type such as
// "audio/pcm;rate=24000" or "audio/L16;codec=pcm;rate=24000". It returns
// fallback when the type carries no usable rate.
func ParseMIMERate(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		// Lenient scan for malformed parameter lists.
		for part := range strings.SplitSeq(mimeType, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(k, "rate") {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					return n
				}
			}
		}
		return fallback
	}
	if n, err := strconv.Atoi(params["rate"]); err == nil && n > 0 {
		return n
	}
	return fallback
}
