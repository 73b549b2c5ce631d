// Package resample converts PCM16 between sample rates with a polyphase
// resampler, for bringing synthesised speech to the output device rate.
package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/voxgate/voxgate/pkg/audio"
)

var _ audio.Resampler = (*Resampler)(nil)

// Resampler implements [audio.Resampler] on top of go-audio-resampling with
// the high quality preset. A fresh filter is built per call, so a single
// Resampler is safe for concurrent use.
type Resampler struct{}

// New returns a Resampler.
func New() *Resampler {
	return &Resampler{}
}

// Resample implements [audio.Resampler].
func (r *Resampler) Resample(pcm []byte, channels, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate || len(pcm) == 0 {
		return pcm, nil
	}
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resample: invalid format %d channels %dHz -> %dHz", channels, srcRate, dstRate)
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resample: create filter: %w", err)
	}

	samples := audio.PCMToInt16(pcm)
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s) / 32768.0
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: process: %w", err)
	}

	buf := make([]int16, len(out))
	for i, f := range out {
		v := f * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		buf[i] = int16(v)
	}
	return audio.Int16ToPCM(buf), nil
}
