package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "22050Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Resampler changes the sample rate of interleaved PCM16.
// [LinearResampler] is the built-in fallback; pkg/audio/resample provides a
// higher quality implementation.
type Resampler interface {
	Resample(pcm []byte, channels, srcRate, dstRate int) ([]byte, error)
}

// LinearResampler resamples with linear interpolation.
type LinearResampler struct{}

// Resample implements [Resampler].
func (LinearResampler) Resample(pcm []byte, channels, srcRate, dstRate int) ([]byte, error) {
	if channels == 2 {
		return ResampleStereo16(pcm, srcRate, dstRate), nil
	}
	return ResampleMono16(pcm, srcRate, dstRate), nil
}

// ClipConverter converts synthesised clips to the output device format.
// It is safe for concurrent use.
type ClipConverter struct {
	Target    Format
	Resampler Resampler

	warnedMismatch sync.Once
}

// Convert returns clip in the target format. A clip already in the target
// format is returned unchanged. Odd-length PCM is rejected.
// Conversion order: channels down-mixed first, then resampled, then up-mixed.
func (c *ClipConverter) Convert(clip Clip) (Clip, error) {
	if len(clip.PCM)%2 != 0 {
		return Clip{}, fmt.Errorf("audio: odd byte count %d in PCM16 data", len(clip.PCM))
	}
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid clip format %s", clip.Format)
	}
	if clip.Format == c.Target {
		return clip, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting clips", "from", clip.Format.String(), "to", c.Target.String())
	})

	pcm := clip.PCM
	channels := clip.Channels
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if clip.SampleRate != c.Target.SampleRate {
		rs := c.Resampler
		if rs == nil {
			rs = LinearResampler{}
		}
		var err error
		pcm, err = rs.Resample(pcm, channels, clip.SampleRate, c.Target.SampleRate)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: resample %s to %dHz: %w", clip.Format, c.Target.SampleRate, err)
		}
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}
	return Clip{PCM: pcm, Format: Format{SampleRate: c.Target.SampleRate, Channels: channels}}, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleLinear(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM using linear
// interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleLinear(pcm, 2, srcRate, dstRate)
}

func resampleLinear(pcm []byte, channels, srcRate, dstRate int) []byte {
	frameBytes := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		off := frame*frameBytes + ch*2
		return float64(int16(pcm[off]) | int16(pcm[off+1])<<8)
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := int16(sample(idx, ch)*(1-frac) + sample(next, ch)*frac)
			off := i*frameBytes + ch*2
			out[off] = byte(v)
			out[off+1] = byte(v >> 8)
		}
	}
	return out
}
