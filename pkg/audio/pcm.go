package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Duration returns how long n bytes of 16-bit PCM in format f play for.
// A zero or negative rate yields 0.
func (f Format) Duration(n int) time.Duration {
	frameBytes := 2 * max(f.Channels, 1)
	if f.SampleRate <= 0 {
		return 0
	}
	frames := int64(n / frameBytes)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// Samples returns the sample-frame index at which t falls for format f.
func (f Format) Samples(t time.Duration) int64 {
	return int64(t) * int64(f.SampleRate) / int64(time.Second)
}

// RMS returns the root-mean-square of the PCM16 samples in pcm, normalised so
// that a full-scale square wave yields 1. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Min(math.Sqrt(sum/float64(n)), 1)
}

// Int16ToPCM encodes samples as little-endian PCM16.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToInt16 decodes little-endian PCM16. A trailing odd byte is ignored.
func PCMToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// NewFrame builds an [AudioFrame] from captured samples and computes its volume.
func NewFrame(samples []int16, sampleRate int, ts time.Duration) AudioFrame {
	data := Int16ToPCM(samples)
	return AudioFrame{
		Data:       data,
		SampleRate: sampleRate,
		Channels:   1,
		Timestamp:  ts,
		Volume:     RMS(data),
	}
}

// PCMToFloat32 decodes interleaved PCM16 with the given channel count into
// mono float32 samples in [-1, 1], averaging channels per frame.
func PCMToFloat32(pcm []byte, channels int) []float32 {
	channels = max(channels, 1)
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
