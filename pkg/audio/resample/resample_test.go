package resample_test

import (
	"math"
	"testing"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/resample"
)

func sine(n, rate int, freq float64) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return audio.Int16ToPCM(s)
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	t.Parallel()
	in := sine(100, 16000, 440)
	out, err := resample.New().Resample(in, 1, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != len(in) {
		t.Errorf("len = %d, want %d", len(out), len(in))
	}
}

func TestResample_InvalidFormat(t *testing.T) {
	t.Parallel()
	if _, err := resample.New().Resample(make([]byte, 4), 0, 22050, 48000); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestResample_UpsampleKeepsEnergy(t *testing.T) {
	t.Parallel()
	in := sine(22050, 22050, 440)
	out, err := resample.New().Resample(in, 1, 22050, 44100)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	// Filter delay may shave a little off the tail.
	if got := len(out) / 2; got < 40000 || got > 44200 {
		t.Errorf("output samples = %d, want about 44100", got)
	}
	inRMS, outRMS := audio.RMS(in), audio.RMS(out)
	if math.Abs(inRMS-outRMS) > 0.05 {
		t.Errorf("RMS changed from %.3f to %.3f", inRMS, outRMS)
	}
}
