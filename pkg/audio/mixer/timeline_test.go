package mixer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/mixer"
)

// 1 kHz mono keeps one frame per millisecond.
var testFormat = audio.Format{SampleRate: 1000, Channels: 1}

func constPCM(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.Int16ToPCM(s)
}

func isDone(v audio.Voice) bool {
	select {
	case <-v.Done():
		return true
	default:
		return false
	}
}

func TestTimeline_BackToBackSplice(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)

	a, err := tl.Schedule(constPCM(100, 1), 0)
	if err != nil {
		t.Fatalf("Schedule a: %v", err)
	}
	b, err := tl.Schedule(constPCM(100, 2), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule b: %v", err)
	}

	out := make([]int16, 250)
	tl.Render(out)

	for i, s := range out {
		var want int16
		switch {
		case i < 100:
			want = 1
		case i < 200:
			want = 2
		}
		if s != want {
			t.Fatalf("frame %d = %d, want %d", i, s, want)
		}
	}
	if !isDone(a) || !isDone(b) {
		t.Error("both voices should be done after rendering past their end")
	}
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Errorf("Now() = %v, want 250ms", got)
	}
}

func TestTimeline_VoiceSpansBlocks(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)
	v, _ := tl.Schedule(constPCM(30, 7), 5*time.Millisecond)

	block := make([]int16, 20)
	tl.Render(block)
	if block[4] != 0 || block[5] != 7 || block[19] != 7 {
		t.Errorf("first block = %v", block)
	}
	if isDone(v) {
		t.Fatal("voice done too early")
	}
	tl.Render(block)
	if block[14] != 7 || block[15] != 0 {
		t.Errorf("second block = %v", block)
	}
	if !isDone(v) {
		t.Error("voice should be done")
	}
}

func TestTimeline_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)
	tl.Render(make([]int16, 50))

	tl.Schedule(constPCM(10, 3), 10*time.Millisecond)
	out := make([]int16, 10)
	tl.Render(out)
	for i, s := range out {
		if s != 3 {
			t.Fatalf("frame %d = %d, want 3", i, s)
		}
	}
}

func TestTimeline_StopSilencesVoice(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)
	a, _ := tl.Schedule(constPCM(100, 1), 0)
	b, _ := tl.Schedule(constPCM(100, 2), 100*time.Millisecond)

	out := make([]int16, 10)
	tl.Render(out)
	a.Stop()
	b.Stop()
	if !isDone(a) || !isDone(b) {
		t.Fatal("stopped voices must report done")
	}
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("frame %d = %d after stop, want silence", i, s)
		}
	}
	if tl.Busy() {
		t.Error("timeline should be idle")
	}
}

func TestTimeline_MixClamps(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)
	tl.Schedule(constPCM(4, 30000), 0)
	tl.Schedule(constPCM(4, 30000), 0)
	out := make([]int16, 4)
	tl.Render(out)
	if out[0] != 32767 {
		t.Errorf("mixed sample = %d, want clamp to 32767", out[0])
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()
	tl := mixer.NewTimeline(testFormat)
	v, _ := tl.Schedule(constPCM(10, 1), 0)
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !isDone(v) {
		t.Error("Close should finish pending voices")
	}
	if _, err := tl.Schedule(constPCM(10, 1), 0); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Schedule after Close: err = %v, want ErrClosed", err)
	}
}
