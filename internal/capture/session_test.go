package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/voxgate/voxgate/internal/capture"
	clockmock "github.com/voxgate/voxgate/internal/clock/mock"
	"github.com/voxgate/voxgate/internal/endpoint"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	audiomock "github.com/voxgate/voxgate/pkg/audio/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/vad/energy"
)

type outcome struct {
	text string
	err  error
}

type listener struct{ ch chan outcome }

func newListener() *listener { return &listener{ch: make(chan outcome, 4)} }

func (l *listener) UtteranceComplete(text string) { l.ch <- outcome{text: text} }
func (l *listener) Error(err error)                { l.ch <- outcome{err: err} }

func (l *listener) next(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-l.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome reported")
		return outcome{}
	}
}

func (l *listener) none(t *testing.T) {
	t.Helper()
	select {
	case o := <-l.ch:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func frame(level int16) audio.AudioFrame {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = level
	}
	return audio.NewFrame(samples, 16000, 0)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	dev     *audiomock.Device
	mic     *audiomock.Capture
	stream  *sttmock.Session
	clk     *clockmock.Clock
	factory *capture.Factory
}

func newFixture(t *testing.T, cfg capture.Config) *fixture {
	t.Helper()
	fx := &fixture{
		mic:    audiomock.NewCapture(64),
		stream: sttmock.NewSession(),
		clk:    clockmock.New(time.Unix(0, 0)),
	}
	fx.dev = &audiomock.Device{Captures: []*audiomock.Capture{fx.mic}}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture = audio.CaptureConfig{SampleRate: 16000, FrameSamples: 160}
	}
	if cfg.Endpoint.SilenceDuration == 0 {
		cfg.Endpoint = endpoint.Config{SilenceThreshold: 0.02, SilenceDuration: time.Second}
	}
	cfg.CompleteTimeout = 500 * time.Millisecond
	f, err := capture.NewFactory(fx.dev, &sttmock.Provider{Sessions: []*sttmock.Session{fx.stream}},
		energy.New(), cfg, capture.WithClock(fx.clk), capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	fx.factory = f
	return fx
}

// speakThenPause pushes a loud and a quiet frame and runs the countdown out.
func (fx *fixture) speakThenPause(t *testing.T) {
	t.Helper()
	fx.mic.Push(frame(8000))
	fx.mic.Push(frame(0))
	if !fx.clk.WaitPending(1, time.Second) {
		t.Fatal("silence countdown never armed")
	}
	fx.clk.Advance(time.Second)
}

func TestSession_SilenceCompletesWithLateFinal(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	fx.stream.OnStop = func(s *sttmock.Session) {
		s.Emit(stt.TranscriptEvent{SentenceID: "1200", Text: "what time is it", IsFinal: true})
		s.Complete(nil)
	}
	l := newListener()
	sess, err := fx.factory.Start(context.Background(), l)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.stream.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "hey voxgate"})
	fx.speakThenPause(t)

	got := l.next(t)
	if got.err != nil {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if got.text != "hey voxgate what time is it" {
		t.Errorf("text = %q", got.text)
	}
	l.none(t)

	text, err := sess.Wait(context.Background())
	if err != nil || text != got.text {
		t.Errorf("Wait = %q, %v", text, err)
	}
	if n := fx.stream.Stopped(); n != 1 {
		t.Errorf("transport Stop calls = %d, want 1", n)
	}
	if fx.stream.Closed() == 0 {
		t.Error("transport not closed")
	}
	if n := fx.stream.AudioCount(); n != 2 {
		t.Errorf("frames sent = %d, want 2", n)
	}
	if !fx.mic.IsClosed() {
		t.Error("microphone not closed")
	}
}

func TestSession_EmptyCompletion(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	fx.stream.OnStop = func(s *sttmock.Session) { s.Complete(nil) }
	l := newListener()
	if _, err := fx.factory.Start(context.Background(), l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.speakThenPause(t)

	got := l.next(t)
	if got.err != nil || got.text != "" {
		t.Errorf("outcome = %+v, want empty completion", got)
	}
}

func TestSession_CompleteTimeout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	// The transport never sends its terminal notification.
	l := newListener()
	if _, err := fx.factory.Start(context.Background(), l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.stream.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "partial only"})
	fx.speakThenPause(t)

	got := l.next(t)
	if got.err != nil || got.text != "partial only" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestSession_TransportError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	l := newListener()
	sess, err := fx.factory.Start(context.Background(), l)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	boom := errors.New("connection reset")
	fx.stream.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "lost"})
	fx.stream.Complete(boom)

	got := l.next(t)
	if !errors.Is(got.err, boom) {
		t.Fatalf("err = %v, want wrapped %v", got.err, boom)
	}
	l.none(t)
	if _, err := sess.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Wait err = %v", err)
	}
	if !fx.mic.IsClosed() {
		t.Error("microphone not closed after transport error")
	}
}

func TestSession_DeviceError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	l := newListener()
	if _, err := fx.factory.Start(context.Background(), l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	boom := errors.New("device unplugged")
	fx.mic.Fail(boom)

	got := l.next(t)
	if !errors.Is(got.err, boom) {
		t.Fatalf("err = %v, want wrapped %v", got.err, boom)
	}
	if fx.stream.Closed() == 0 {
		t.Error("transport not closed after device error")
	}
}

func TestSession_CloseAbortsSilently(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, capture.Config{})
	l := newListener()
	sess, err := fx.factory.Start(context.Background(), l)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.stream.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "never reported"})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l.none(t)
	if _, err := sess.Wait(context.Background()); !errors.Is(err, capture.ErrAborted) {
		t.Errorf("Wait err = %v, want ErrAborted", err)
	}
	if fx.clk.Pending() != 0 {
		t.Errorf("pending timers = %d after Close", fx.clk.Pending())
	}
}

func TestSession_StartFailures(t *testing.T) {
	t.Parallel()

	t.Run("transport", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("dial refused")
		f, err := capture.NewFactory(&audiomock.Device{}, &sttmock.Provider{StartStreamErr: boom}, nil,
			capture.Config{Manual: true, Capture: audio.CaptureConfig{SampleRate: 16000, FrameSamples: 160}},
			capture.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		if _, err := f.Start(context.Background(), nil); !errors.Is(err, boom) {
			t.Errorf("Start err = %v", err)
		}
	})

	t.Run("device", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("no microphone")
		stream := sttmock.NewSession()
		f, err := capture.NewFactory(&audiomock.Device{OpenCaptureErr: boom},
			&sttmock.Provider{Sessions: []*sttmock.Session{stream}}, nil,
			capture.Config{Manual: true, Capture: audio.CaptureConfig{SampleRate: 16000, FrameSamples: 160}},
			capture.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		if _, err := f.Start(context.Background(), nil); !errors.Is(err, boom) {
			t.Errorf("Start err = %v", err)
		}
		if stream.Closed() == 0 {
			t.Error("transport left open after device failure")
		}
	})
}

func TestNewFactory_Validation(t *testing.T) {
	t.Parallel()
	_, err := capture.NewFactory(nil, nil, nil, capture.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
}

// slowHandle blocks SendAudio until gate is closed. Each call announces
// itself on entered first.
type slowHandle struct {
	*sttmock.Session
	gate    chan struct{}
	entered chan struct{}
}

func (h slowHandle) SendAudio(b []byte) error {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.gate
	return h.Session.SendAudio(b)
}

type slowProvider struct{ h slowHandle }

func (p slowProvider) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return p.h, nil
}

func TestSession_DropsNewestWhenTransportBehind(t *testing.T) {
	t.Parallel()
	mic := audiomock.NewCapture(64)
	h := slowHandle{
		Session: sttmock.NewSession(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	h.OnStop = func(s *sttmock.Session) { s.Complete(nil) }
	f, err := capture.NewFactory(&audiomock.Device{Captures: []*audiomock.Capture{mic}}, slowProvider{h}, nil,
		capture.Config{
			Manual:     true,
			FrameQueue: 2,
			Capture:    audio.CaptureConfig{SampleRate: 16000, FrameSamples: 160},
		}, capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	sess, err := f.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The worker takes the first frame and blocks in the transport.
	mic.Push(frame(1000))
	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called SendAudio")
	}
	// Two more fill the queue; the remaining seven are dropped.
	for range 9 {
		mic.Push(frame(1000))
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.Dropped() < 7 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d := sess.Dropped(); d != 7 {
		t.Fatalf("dropped = %d, want 7", d)
	}

	close(h.gate)
	sess.End()
	if _, err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sent := h.AudioCount(); sent != 3 {
		t.Errorf("sent = %d, want 3", sent)
	}
}

func TestFactory_SettersApplyToLaterSessions(t *testing.T) {
	t.Parallel()
	provider := &sttmock.Provider{}
	f, err := capture.NewFactory(
		&audiomock.Device{Captures: []*audiomock.Capture{audiomock.NewCapture(4)}},
		provider, energy.New(),
		capture.Config{
			Capture:  audio.CaptureConfig{SampleRate: 16000, FrameSamples: 160},
			Endpoint: endpoint.Config{SilenceThreshold: 0.02, SilenceDuration: time.Second},
			Hints:    []string{"old"},
		},
		capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}

	if err := f.SetEndpoint(endpoint.Config{SilenceThreshold: 2}); err == nil {
		t.Error("out-of-range threshold accepted")
	}
	if got := f.Config().Endpoint.SilenceDuration; got != time.Second {
		t.Errorf("rejected endpoint config changed duration to %s", got)
	}
	if err := f.SetEndpoint(endpoint.Config{SilenceThreshold: 0.05, SilenceDuration: 2 * time.Second}); err != nil {
		t.Fatalf("SetEndpoint: %v", err)
	}
	ep := f.Config().Endpoint
	if ep.SilenceDuration != 2*time.Second || ep.SampleRate != 16000 {
		t.Errorf("endpoint = %+v, want 2s at the capture rate", ep)
	}

	hints := []string{"小智", "hey voxgate"}
	f.SetHints(hints)
	hints[0] = "mutated"

	s, err := f.Start(context.Background(), newListener())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	if got := provider.StartStreamCalls[0].Cfg.Hints; len(got) != 2 || got[0] != "小智" {
		t.Errorf("stream hints = %v", got)
	}
}
