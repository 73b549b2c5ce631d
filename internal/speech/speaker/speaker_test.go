package speaker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/internal/speech/segmenter"
	"github.com/voxgate/voxgate/internal/speech/speaker"
	"github.com/voxgate/voxgate/internal/speech/synth"
	"github.com/voxgate/voxgate/pkg/audio"
	audiomock "github.com/voxgate/voxgate/pkg/audio/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

var format = audio.Format{SampleRate: 16000, Channels: 1}

type notifier struct {
	mu    sync.Mutex
	calls []bool
}

func (n *notifier) SetSpeaking(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, on)
}

func (n *notifier) get() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.calls...)
}

func newSpeaker(t *testing.T, p tts.Provider, n speaker.Notifier) (*speaker.Speaker, *audiomock.Output) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	out := audiomock.NewOutput(format)
	d := synth.New(p, synth.WithMetrics(m))
	s, err := speaker.New(out, d, segmenter.DefaultConfig(),
		speaker.WithNotifier(n),
		speaker.WithMetrics(m),
		speaker.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	return s, out
}

func provider() *ttsmock.Provider {
	// 100 ms of 16 kHz mono audio per segment.
	return &ttsmock.Provider{Audio: &tts.Audio{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}}
}

func TestSpeaker_PlaysReplyGapless(t *testing.T) {
	n := &notifier{}
	s, out := newSpeaker(t, provider(), n)

	in := make(chan string)
	r, err := s.Speak(context.Background(), in)
	require.NoError(t, err)
	in <- "今天天气很好，我们去公园吧。"
	in <- "明天可能会下雨，记得带伞。"
	close(in)

	calls := out.WaitCalls(2, 2*time.Second)
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].At+100*time.Millisecond, calls[1].At)

	out.Finish(0)
	out.Finish(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	segs := r.Segments()
	require.Len(t, segs, 2)
	for _, sg := range segs {
		assert.Equal(t, speech.StatusCompleted, sg.Status)
	}
	assert.Equal(t, []bool{true, false}, n.get())
	assert.False(t, s.Speaking())
}

func TestSpeaker_BargeInStopsPlayback(t *testing.T) {
	n := &notifier{}
	s, out := newSpeaker(t, provider(), n)

	r, err := s.SpeakText(context.Background(), "这是一个很长的回答。")
	require.NoError(t, err)
	calls := out.WaitCalls(1, 2*time.Second)
	require.Len(t, calls, 1)

	s.BargeIn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), speaker.ErrInterrupted)
	assert.True(t, calls[0].Voice.Stopped())
	assert.Equal(t, []bool{true, false}, n.get())
}

func TestSpeaker_NewReplySupersedesCurrent(t *testing.T) {
	n := &notifier{}
	s, out := newSpeaker(t, provider(), n)

	first, err := s.SpeakText(context.Background(), "first reply here.")
	require.NoError(t, err)
	out.WaitCalls(1, 2*time.Second)

	second, err := s.SpeakText(context.Background(), "second reply here.")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, first.Wait(ctx), speaker.ErrInterrupted)

	calls := out.WaitCalls(2, 2*time.Second)
	require.Len(t, calls, 2)
	out.Finish(1)
	require.NoError(t, second.Wait(ctx))
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, []bool{true, true, false}, n.get())
}

func TestSpeaker_EmptyReplyFinishes(t *testing.T) {
	n := &notifier{}
	s, out := newSpeaker(t, provider(), n)

	in := make(chan string)
	close(in)
	r, err := s.Speak(context.Background(), in)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.Empty(t, out.Calls())
}

func TestSpeaker_FailedSegmentIsSkipped(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeFunc: func(ctx context.Context, req tts.Request) (*tts.Audio, error) {
		if req.Text == "broken sentence." {
			return &tts.Audio{PCM: make([]byte, 3), SampleRate: 16000, Channels: 1}, nil
		}
		return &tts.Audio{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}, nil
	}}
	s, out := newSpeaker(t, p, &notifier{})

	in := make(chan string, 3)
	in <- "broken sentence."
	in <- "good sentence."
	close(in)
	r, err := s.Speak(context.Background(), in)
	require.NoError(t, err)

	calls := out.WaitCalls(1, 2*time.Second)
	require.Len(t, calls, 1)
	out.Finish(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	segs := r.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, speech.StatusFailed, segs[0].Status)
	assert.Equal(t, speech.StatusCompleted, segs[1].Status)
}

func TestNew_RejectsInvalidSegmenterConfig(t *testing.T) {
	_, err := speaker.New(audiomock.NewOutput(format), synth.New(provider()), segmenter.Config{})
	require.Error(t, err)
}
