// Package capture glues a microphone stream to a speech-recognition session.
//
// A [Session] owns one spoken span: it pumps captured frames through the
// endpointer and, via a bounded queue, to the transport; it accumulates the
// transcript; and when the silence countdown elapses (or the owner ends it)
// it stops the transport, waits a bounded time for late finals and reports
// the utterance exactly once.
//
// The capture path never blocks on the network. When the queue between the
// pump and the transport worker is full, the newest frame is dropped and
// counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/clock"
	"github.com/voxgate/voxgate/internal/endpoint"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

const (
	// DefaultFrameQueue is the capacity of the frame queue in front of the
	// transport worker.
	DefaultFrameQueue = 32

	// DefaultCompleteTimeout bounds the wait for the transport's terminal
	// notification after Stop.
	DefaultCompleteTimeout = 3 * time.Second
)

// ErrAborted is returned by [Session.Wait] when the session was closed by its
// owner or its context before an utterance completed.
var ErrAborted = errors.New("capture: session aborted")

// Listener receives the outcome of a [Session]. Exactly one of the two
// methods is called per session, unless the owner aborts it first.
type Listener interface {
	// UtteranceComplete reports the transcript of the spoken span. The text
	// may be empty.
	UtteranceComplete(text string)

	// Error reports a capture or transport failure that ended the session.
	Error(err error)
}

// Progress receives optional display events. Its methods are called from
// capture and clock goroutines and must not block.
type Progress interface {
	SilenceStarted(remaining time.Duration)
	SilenceCountdown(remaining time.Duration)
	SilenceCanceled()

	// Transcript reports the accumulated text after each transcript event.
	Transcript(text string)
}

// Config holds the per-session parameters.
type Config struct {
	// Capture configures the microphone stream.
	Capture audio.CaptureConfig

	// Endpoint configures silence endpointing. Ignored when Manual is set.
	Endpoint endpoint.Config

	// Manual disables silence endpointing; the owner ends the session with
	// [Session.End]. Used for push-to-talk.
	Manual bool

	// FrameQueue is the capacity of the frame queue. Zero means
	// [DefaultFrameQueue].
	FrameQueue int

	// CompleteTimeout bounds the wait for late finals after Stop. Zero means
	// [DefaultCompleteTimeout].
	CompleteTimeout time.Duration

	// Language and Hints are passed to the recognition service.
	Language string
	Hints    []string
}

func (c Config) withDefaults() Config {
	if c.FrameQueue <= 0 {
		c.FrameQueue = DefaultFrameQueue
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = DefaultCompleteTimeout
	}
	if c.Endpoint.SampleRate == 0 {
		c.Endpoint.SampleRate = c.Capture.SampleRate
	}
	return c
}

// Session is one capture-to-transcript span. Create it with [Factory.Start].
type Session struct {
	id       string
	cfg      Config
	listener Listener
	progress Progress
	metrics  *observe.Metrics
	log      *slog.Logger
	span     trace.Span
	started  time.Time

	capture audio.Capture
	handle  stt.SessionHandle
	ep      *endpoint.Endpointer
	utt     endpoint.Utterance

	queue     chan []byte
	dropped   atomic.Int64
	dropLimit *rate.Limiter
	firstOnce sync.Once

	endOnce  sync.Once
	endc     chan struct{}
	failOnce sync.Once
	failc    chan error

	sent       chan struct{}
	eventsDone chan struct{}
	done       chan struct{}
	cancel     context.CancelFunc

	text string
	err  error
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// End asks the session to finish gracefully: capture stops, the transport is
// stopped and the accumulated utterance is reported. Safe to call more than
// once and from any goroutine.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.endc) })
}

// Close aborts the session without reporting an utterance and waits for it to
// tear down. Safe to call more than once.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns the utterance, or the error
// that ended it.
func (s *Session) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.text, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Dropped returns the number of frames dropped at the transport queue.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// fail ends the session with err. The first failure wins.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() { s.failc <- err })
}

// pump reads captured frames, feeds the endpointer and queues PCM for the
// transport. It owns the queue and closes it on exit.
func (s *Session) pump(ctx context.Context) {
	defer close(s.queue)
	frames := s.capture.Frames()
	for {
		var (
			frame audio.AudioFrame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return
		case <-s.endc:
			return
		case frame, ok = <-frames:
		}
		if !ok {
			if err := s.capture.Err(); err != nil {
				s.fail(fmt.Errorf("capture: device: %w", err))
				return
			}
			// A finite source such as a WAV file ran out.
			s.End()
			return
		}

		if frame.Volume == 0 && len(frame.Data) > 0 {
			frame.Volume = audio.RMS(frame.Data)
		}
		if s.ep != nil {
			if err := s.ep.Process(frame); err != nil && !errors.Is(err, endpoint.ErrClosed) {
				s.log.Warn("capture: endpointer rejected frame", "err", err)
			}
		}

		select {
		case s.queue <- frame.Data:
		default:
			n := s.dropped.Add(1)
			s.metrics.FramesDropped.Add(ctx, 1)
			if s.dropLimit.Allow() {
				s.log.Warn("capture: transport behind, dropping frame", "dropped_total", n)
			}
		}
	}
}

// send is the transport worker. It forwards queued frames in order.
func (s *Session) send() {
	defer close(s.sent)
	for chunk := range s.queue {
		if err := s.handle.SendAudio(chunk); err != nil {
			if !errors.Is(err, stt.ErrSessionClosed) {
				s.fail(fmt.Errorf("capture: send audio: %w", err))
			}
			audio.Drain(s.queue)
			return
		}
	}
}

// receive consumes transcript events until the transport closes the channel.
func (s *Session) receive(ctx context.Context) {
	defer close(s.eventsDone)
	for ev := range s.handle.Events() {
		s.firstOnce.Do(func() {
			s.metrics.STTDuration.Record(ctx, time.Since(s.started).Seconds())
		})
		if !s.utt.Add(ev) {
			continue
		}
		s.log.Debug("capture: transcript", "sentence_id", ev.SentenceID, "final", ev.IsFinal, "text", ev.Text)
		if s.progress != nil {
			s.progress.Transcript(s.utt.Text())
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	defer s.span.End()
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	select {
	case <-s.endc:
		s.finish(ctx)
	case <-s.eventsDone:
		if err := s.handle.Err(); err != nil {
			s.abort(fmt.Errorf("capture: transport: %w", err), true)
			return
		}
		s.log.Debug("capture: transport completed before endpoint")
		s.finish(ctx)
	case err := <-s.failc:
		s.abort(err, true)
	case <-ctx.Done():
		s.abort(ErrAborted, false)
	}
}

// finish ends the span gracefully and reports the utterance.
func (s *Session) finish(ctx context.Context) {
	s.End()
	s.stopCapture()

	select {
	case <-s.sent:
	case <-ctx.Done():
		s.abort(ErrAborted, false)
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.CompleteTimeout)
	defer cancel()
	if err := s.handle.Stop(stopCtx); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		s.log.Warn("capture: stop transport", "err", err)
	}
	select {
	case <-s.eventsDone:
	case <-stopCtx.Done():
		if ctx.Err() != nil {
			s.abort(ErrAborted, false)
			return
		}
		s.log.Warn("capture: no terminal notification before timeout", "timeout", s.cfg.CompleteTimeout)
	}
	_ = s.handle.Close()

	if err := s.handle.Err(); err != nil {
		s.abort(fmt.Errorf("capture: transport: %w", err), true)
		return
	}

	select {
	case err := <-s.failc:
		s.abort(err, true)
		return
	default:
	}

	s.text = s.utt.Complete()
	s.span.SetAttributes(attribute.Int("utterance.bytes", len(s.text)))
	s.log.Info("capture: utterance complete", "text", s.text, "dropped", s.dropped.Load())
	s.listener.UtteranceComplete(s.text)
}

// abort tears the session down without an utterance.
func (s *Session) abort(err error, report bool) {
	s.End()
	s.stopCapture()
	_ = s.handle.Close()
	s.utt.Complete()
	s.err = err
	if !report {
		s.log.Debug("capture: session aborted")
		return
	}
	s.span.RecordError(err)
	s.log.Warn("capture: session failed", "err", err)
	s.listener.Error(err)
}

func (s *Session) stopCapture() {
	if s.ep != nil {
		_ = s.ep.Close()
	}
	_ = s.capture.Close()
}

// endpointer callbacks

func (s *Session) SilenceStarted(remaining time.Duration) {
	if s.progress != nil {
		s.progress.SilenceStarted(remaining)
	}
}

func (s *Session) SilenceCountdown(remaining time.Duration) {
	if s.progress != nil {
		s.progress.SilenceCountdown(remaining)
	}
}

func (s *Session) SilenceCanceled() {
	if s.progress != nil {
		s.progress.SilenceCanceled()
	}
}

func (s *Session) SilenceElapsed() { s.End() }

var _ endpoint.Listener = (*Session)(nil)

type nopListener struct{}

func (nopListener) UtteranceComplete(string) {}
func (nopListener) Error(error)              {}

// Factory starts capture sessions against one device, recognizer and VAD
// engine.
type Factory struct {
	device   audio.Device
	stt      stt.Provider
	vad      vad.Engine
	clk      clock.Clock
	progress Progress
	metrics  *observe.Metrics

	mu  sync.RWMutex
	cfg Config
}

// Option configures a [Factory].
type Option func(*Factory)

// WithClock sets the clock for the silence countdown.
func WithClock(c clock.Clock) Option {
	return func(f *Factory) { f.clk = c }
}

// WithProgress registers p for display events of every session.
func WithProgress(p Progress) Option {
	return func(f *Factory) { f.progress = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory returns a Factory. engine may be nil when cfg.Manual is set.
func NewFactory(device audio.Device, recognizer stt.Provider, engine vad.Engine, cfg Config, opts ...Option) (*Factory, error) {
	cfg = cfg.withDefaults()
	var errs []error
	if device == nil {
		errs = append(errs, errors.New("capture: device is required"))
	}
	if recognizer == nil {
		errs = append(errs, errors.New("capture: recognizer is required"))
	}
	if !cfg.Manual {
		if engine == nil {
			errs = append(errs, errors.New("capture: vad engine is required"))
		}
		if err := cfg.Endpoint.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("capture: invalid capture config %+v", cfg.Capture))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	f := &Factory{device: device, stt: recognizer, vad: engine, cfg: cfg, clk: clock.Real()}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f, nil
}

// Config returns the session configuration.
func (f *Factory) Config() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// SetEndpoint replaces the silence endpointing parameters for sessions
// started from now on. Running sessions keep theirs.
func (f *Factory) SetEndpoint(cfg endpoint.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.cfg
	next.Endpoint = cfg
	next = next.withDefaults()
	if err := next.Endpoint.Validate(); err != nil {
		return err
	}
	f.cfg = next
	return nil
}

// SetHints replaces the recognition hints for sessions started from now on.
func (f *Factory) SetHints(hints []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Hints = append([]string(nil), hints...)
}

// Start opens the transport, the endpointer and the microphone, in that
// order, and returns the running session. l receives its outcome.
func (f *Factory) Start(ctx context.Context, l Listener) (*Session, error) {
	return f.start(ctx, f.Config(), l)
}

// StartCapture is Start for owners that only ever abort the session.
func (f *Factory) StartCapture(ctx context.Context, l Listener) (io.Closer, error) {
	s, err := f.Start(ctx, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartManual is Start without silence endpointing.
func (f *Factory) StartManual(ctx context.Context, l Listener) (*Session, error) {
	cfg := f.Config()
	cfg.Manual = true
	return f.start(ctx, cfg, l)
}

func (f *Factory) start(ctx context.Context, cfg Config, l Listener) (*Session, error) {
	if l == nil {
		l = nopListener{}
	}
	id := uuid.NewString()
	ctx = observe.WithCorrelationID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "capture.session",
		trace.WithAttributes(attribute.String("correlation_id", id)))
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:         id,
		cfg:        cfg,
		listener:   l,
		progress:   f.progress,
		metrics:    f.metrics,
		log:        observe.Logger(ctx),
		span:       span,
		started:    time.Now(),
		queue:      make(chan []byte, cfg.FrameQueue),
		dropLimit:  rate.NewLimiter(rate.Every(time.Second), 1),
		endc:       make(chan struct{}),
		failc:      make(chan error, 1),
		sent:       make(chan struct{}),
		eventsDone: make(chan struct{}),
		done:       make(chan struct{}),
		cancel:     cancel,
	}

	fail := func(err error) (*Session, error) {
		cancel()
		span.RecordError(err)
		span.End()
		return nil, err
	}

	handle, err := f.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.Capture.SampleRate,
		Channels:   1,
		Language:   cfg.Language,
		Hints:      cfg.Hints,
	})
	if err != nil {
		return fail(fmt.Errorf("capture: start transport: %w", err))
	}
	s.handle = handle

	if !cfg.Manual {
		s.ep, err = endpoint.New(f.vad, cfg.Endpoint, s,
			endpoint.WithClock(f.clk), endpoint.WithLogger(s.log))
		if err != nil {
			_ = handle.Close()
			return fail(err)
		}
	}

	capCfg := cfg.Capture
	if capCfg.Buffer <= 0 {
		capCfg.Buffer = cfg.FrameQueue
	}
	s.capture, err = f.device.OpenCapture(ctx, capCfg)
	if err != nil {
		if s.ep != nil {
			_ = s.ep.Close()
		}
		_ = handle.Close()
		return fail(fmt.Errorf("capture: open device: %w", err))
	}

	f.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Debug("capture: session started", "manual", cfg.Manual, "sample_rate", capCfg.SampleRate)

	go s.pump(ctx)
	go s.send()
	go s.receive(ctx)
	go s.run(ctx)
	return s, nil
}
