package app_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxgate/voxgate/internal/app"
	clockmock "github.com/voxgate/voxgate/internal/clock/mock"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	audiomock "github.com/voxgate/voxgate/pkg/audio/mock"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate/voxgate/pkg/provider/vad/energy"
)

var format = audio.Format{SampleRate: 16000, Channels: 1}

type printer struct {
	mu      sync.Mutex
	heard   []string
	replied []string
}

func (p *printer) Heard(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heard = append(p.heard, s)
}

func (p *printer) Replied(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replied = append(p.replied, s)
}

func (p *printer) Status(string) {}

func (p *printer) snapshot() (heard, replied []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.heard...), append([]string(nil), p.replied...)
}

type fixture struct {
	cfg     *config.Config
	out     *audiomock.Output
	tts     *ttsmock.Provider
	llm     *llmmock.Provider
	stt     *sttmock.Provider
	printer *printer
	level   *slog.LevelVar
	app     *app.App
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = 16000
	cfg.Speech.Voice = "voice-a"
	cfg.Agent.SystemPrompt = "be brief"
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	fx := &fixture{
		cfg: cfg,
		out: audiomock.NewOutput(format),
		// 100 ms of audio per segment.
		tts:     &ttsmock.Provider{Audio: &tts.Audio{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}},
		llm:     &llmmock.Provider{},
		stt:     &sttmock.Provider{},
		printer: &printer{},
		level:   new(slog.LevelVar),
	}
	a, err := app.New(context.Background(), cfg, &app.Providers{
		Device: &audiomock.Device{OutputResult: fx.out},
		STT:    fx.stt,
		TTS:    fx.tts,
		LLM:    fx.llm,
		VAD:    energy.New(),
	},
		app.WithMetrics(m),
		app.WithClock(clockmock.New(time.Unix(0, 0))),
		app.WithLogLevel(fx.level),
		app.WithPrinter(fx.printer),
		app.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	fx.app = a
	return fx
}

// finishAll plays every scheduled voice until done is closed.
func (fx *fixture) finishAll(t *testing.T, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	finished := 0
	for {
		for calls := fx.out.Calls(); finished < len(calls); finished++ {
			fx.out.Finish(finished)
		}
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("reply never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNew_RequiresDeviceAndTTS(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{})
	assert.ErrorIs(t, err, app.ErrNotConfigured)
}

func TestNew_DefaultsVADEngine(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{
		Device: &audiomock.Device{OutputResult: audiomock.NewOutput(format)},
		STT:    &sttmock.Provider{},
		TTS:    &ttsmock.Provider{},
	})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestSay_PlaysText(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- fx.app.Say(context.Background(), "你好，欢迎使用语音助手。") }()

	calls := fx.out.WaitCalls(1, 2*time.Second)
	require.NotEmpty(t, calls)
	for i := range calls {
		fx.out.Finish(i)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Say did not return")
	}
	require.NotEmpty(t, fx.tts.Calls())
	assert.Equal(t, "voice-a", fx.tts.Calls()[0].Request.Voice)
}

func TestVoices(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, testConfig())
	fx.tts.ListVoicesResult = []tts.Voice{{ID: "longxiaochun_v2", Name: "Longxiaochun"}}

	voices, err := fx.app.Voices(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "longxiaochun_v2", voices[0].ID)
}

func TestRespond_SpeaksAgentReply(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, testConfig())
	fx.llm.StreamChunks = []llm.Chunk{
		{Text: "今天是晴天，"},
		{Text: "适合出门散步。"},
		{FinishReason: "stop"},
	}

	done, err := fx.app.Respond(context.Background(), "今天天气怎么样")
	require.NoError(t, err)
	fx.finishAll(t, done)

	heard, replied := fx.printer.snapshot()
	assert.Equal(t, []string{"今天天气怎么样"}, heard)
	assert.Equal(t, []string{"今天是晴天，适合出门散步。"}, replied)

	streams := fx.llm.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "be brief", streams[0].Req.SystemPrompt)
}

func TestRespond_WithoutLLM(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{
		Device: &audiomock.Device{},
		TTS:    &ttsmock.Provider{},
	})
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	_, err = a.Respond(context.Background(), "hello")
	assert.ErrorIs(t, err, app.ErrNotConfigured)
	assert.ErrorIs(t, a.Listen(context.Background()), app.ErrNotConfigured)
	assert.ErrorIs(t, a.PushToTalk(context.Background(), strings.NewReader("\n")), app.ErrNotConfigured)
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, testConfig())

	next := testConfig()
	next.LogLevel = config.LogDebug
	next.Speech.Voice = "voice-b"
	next.Agent.SystemPrompt = "be verbose"
	fx.app.ApplyConfig(next)

	assert.Equal(t, slog.LevelDebug, fx.level.Level())
	assert.Same(t, next, fx.app.Config())

	fx.llm.StreamChunks = []llm.Chunk{{Text: "好的。"}, {FinishReason: "stop"}}
	done, err := fx.app.Respond(context.Background(), "说点什么")
	require.NoError(t, err)
	fx.finishAll(t, done)

	require.NotEmpty(t, fx.tts.Calls())
	assert.Equal(t, "voice-b", fx.tts.Calls()[0].Request.Voice)
	assert.Equal(t, "be verbose", fx.llm.Streams()[0].Req.SystemPrompt)
}

func TestPushToTalk_TogglesRecording(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, testConfig())
	stream := sttmock.NewSession()
	stream.OnStop = func(s *sttmock.Session) {
		s.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "讲个笑话", IsFinal: true})
		s.Complete(nil)
	}
	fx.stt.Sessions = []*sttmock.Session{stream}
	fx.llm.StreamChunks = []llm.Chunk{{Text: "从前有座山。"}, {FinishReason: "stop"}}

	// The first Enter starts recording, the second stops it.
	require.NoError(t, fx.app.PushToTalk(context.Background(), strings.NewReader("\n\n")))

	require.Eventually(t, func() bool {
		heard, _ := fx.printer.snapshot()
		return len(heard) == 1
	}, 2*time.Second, 5*time.Millisecond)
	heard, _ := fx.printer.snapshot()
	assert.Equal(t, "讲个笑话", heard[0])
	assert.NotEmpty(t, fx.out.WaitCalls(1, 2*time.Second))
}

func TestListen_AnswersWakeWordCommand(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WakeWord.Enabled = true
	cfg.WakeWord.Keywords = []string{"小智"}
	cfg.WakeWord.StripWakeWord = true
	fx := newFixture(t, cfg)

	stream := sttmock.NewSession()
	stream.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "小智，打开客厅的灯", IsFinal: true})
	stream.Complete(nil)
	fx.stt.Sessions = []*sttmock.Session{stream}
	fx.llm.StreamChunks = []llm.Chunk{{Text: "客厅的灯已经打开了。"}, {FinishReason: "stop"}}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fx.app.Listen(ctx) }()

	require.Eventually(t, func() bool {
		heard, _ := fx.printer.snapshot()
		return len(heard) == 1
	}, 2*time.Second, 5*time.Millisecond)
	heard, _ := fx.printer.snapshot()
	assert.Equal(t, "打开客厅的灯", heard[0])
	assert.NotEmpty(t, fx.out.WaitCalls(1, 2*time.Second))

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestApplyConfig_WhileListenStops(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WakeWord.Enabled = true
	cfg.WakeWord.Keywords = []string{"小智"}
	fx := newFixture(t, cfg)
	fx.stt.Sessions = []*sttmock.Session{sttmock.NewSession()}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fx.app.Listen(ctx) }()

	reloads := make(chan struct{})
	go func() {
		defer close(reloads)
		for i := range 200 {
			next := testConfig()
			next.WakeWord.Enabled = i%2 == 0
			next.WakeWord.Keywords = []string{"小智", fmt.Sprintf("小爱%d", i)}
			fx.app.ApplyConfig(next)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
	select {
	case <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("config reloads blocked after Listen returned")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, app.ParseLevel(tt.in), tt.in)
	}
}
