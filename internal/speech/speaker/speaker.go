// Package speaker turns a streamed agent reply into gapless speech.
//
// Each reply gets its own segmenter and playback scheduler. Fragments flow
// through the segmenter into the shared synthesis dispatcher, which reports
// back to the reply's scheduler. Only one reply plays at a time: starting a
// new one, or a barge-in, stops the current one.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/internal/speech/playback"
	"github.com/voxgate/voxgate/internal/speech/segmenter"
	"github.com/voxgate/voxgate/internal/speech/synth"
	"github.com/voxgate/voxgate/pkg/audio"
)

// ErrInterrupted is returned by [Reply.Wait] when the reply was stopped
// before it finished playing.
var ErrInterrupted = errors.New("speaker: reply interrupted")

// Notifier is told when speech starts and stops. The wake-word gate
// implements it.
type Notifier interface {
	SetSpeaking(on bool)
}

// Dispatcher starts synthesis of a segment. [*synth.Dispatcher] implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, seg speech.Segment, t synth.Tracker)
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithNotifier registers n for speaking state changes.
func WithNotifier(n Notifier) Option { return func(s *Speaker) { s.notifier = n } }

// WithPollInterval sets the scheduler poll interval for every reply.
func WithPollInterval(d time.Duration) Option { return func(s *Speaker) { s.pollInterval = d } }

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(s *Speaker) { s.metrics = m } }

// Speaker plays agent replies. It is safe for concurrent use.
type Speaker struct {
	out          playback.Output
	dispatcher   Dispatcher
	notifier     Notifier
	pollInterval time.Duration
	metrics      *observe.Metrics

	mu      sync.Mutex
	segCfg  segmenter.Config
	current *Reply
}

// New returns a Speaker that plays through out and synthesises through d.
func New(out playback.Output, d Dispatcher, cfg segmenter.Config, opts ...Option) (*Speaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("speaker: %w", err)
	}
	s := &Speaker{
		out:          out,
		dispatcher:   d,
		segCfg:       cfg,
		pollInterval: playback.DefaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// SetSegmenterConfig changes the segment bounds used by later replies.
func (s *Speaker) SetSegmenterConfig(cfg segmenter.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("speaker: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segCfg = cfg
	return nil
}

// Speak starts playing the reply streamed on in and returns immediately. The
// reply ends when in is closed and every segment has played. A reply that is
// already playing is stopped first.
func (s *Speaker) Speak(ctx context.Context, in <-chan string) (*Reply, error) {
	s.mu.Lock()
	seg, err := segmenter.New(s.segCfg)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("speaker: %w", err)
	}
	prev := s.current

	id := uuid.NewString()
	ctx = observe.WithCorrelationID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "speaker.reply", trace.WithAttributes(attribute.String("reply.id", id)))
	ctx, cancel := context.WithCancel(ctx)

	r := &Reply{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    observe.Logger(ctx),
	}
	r.sched = playback.New(s.out,
		playback.WithObserver(&observer{ctx: ctx, metrics: s.metrics, log: r.log}),
		playback.WithPollInterval(s.pollInterval),
		playback.WithLogger(r.log),
	)
	s.current = r
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if s.notifier != nil {
		s.notifier.SetSpeaking(true)
	}
	r.log.Debug("speaker: reply started")

	go r.feed(ctx, seg, in, s.dispatcher)
	go func() {
		defer span.End()
		<-r.sched.Done()
		r.finish()
		s.release(r)
	}()
	return r, nil
}

// SpeakText plays a complete text as one reply.
func (s *Speaker) SpeakText(ctx context.Context, text string) (*Reply, error) {
	in := make(chan string, 1)
	in <- text
	close(in)
	return s.Speak(ctx, in)
}

// BargeIn stops the playing reply, if any.
func (s *Speaker) BargeIn() {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		r.log.Info("speaker: barge-in")
		r.Stop()
	}
}

// Speaking reports whether a reply is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Speaker) release(r *Reply) {
	s.mu.Lock()
	last := s.current == r
	if last {
		s.current = nil
	}
	s.mu.Unlock()
	if last && s.notifier != nil {
		s.notifier.SetSpeaking(false)
	}
}

// Reply is one reply being spoken.
type Reply struct {
	id     string
	sched  *playback.Scheduler
	cancel context.CancelFunc
	log    *slog.Logger

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

// ID returns the reply's correlation id.
func (r *Reply) ID() string { return r.id }

// Done is closed once the reply finished or was stopped.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Segments returns a snapshot of the reply's segments.
func (r *Reply) Segments() []speech.Segment { return r.sched.Segments() }

// Stop silences the reply immediately. Pending synthesis is cancelled.
func (r *Reply) Stop() {
	r.cancel()
	r.sched.Stop()
}

// Wait blocks until the reply finished. It returns [ErrInterrupted] if the
// reply was stopped, or the context error.
func (r *Reply) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reply) feed(ctx context.Context, seg *segmenter.Segmenter, in <-chan string, d Dispatcher) {
	segments := seg.Stream(ctx, in)
	for sg := range segments {
		if err := r.sched.Enqueue(sg); err != nil {
			r.log.Debug("speaker: segment not queued", "seq", sg.SequenceID, "err", err)
			break
		}
		d.Dispatch(ctx, sg, r.sched)
	}
	r.sched.Seal()
	// The producer may still be sending after a stop.
	go audio.Drain(segments)
	go audio.Drain(in)
}

func (r *Reply) finish() {
	r.once.Do(func() {
		err := r.sched.Wait(context.Background())
		r.mu.Lock()
		if errors.Is(err, playback.ErrStopped) {
			r.err = ErrInterrupted
			r.log.Debug("speaker: reply stopped")
		} else {
			r.log.Debug("speaker: reply finished")
		}
		r.mu.Unlock()
		r.cancel()
		close(r.done)
	})
}

// observer turns scheduler events into metrics and logs. It is called with
// the scheduler lock held.
type observer struct {
	ctx     context.Context
	metrics *observe.Metrics
	log     *slog.Logger
	started bool
}

func (o *observer) Scheduled(p playback.Scheduled) {
	if o.started {
		o.metrics.RecordGap(o.ctx, p.Gap)
	}
	o.started = true
	o.log.Debug("speaker: segment scheduled",
		"seq", p.Segment.SequenceID, "start", p.Start, "end", p.End, "gap", p.Gap, "ahead", p.Ahead)
}

func (o *observer) StatusChanged(seg speech.Segment) {
	if seg.Status.Terminal() {
		o.metrics.RecordSegment(o.ctx, seg.Status.String())
	}
}

func (o *observer) Drained() {
	o.log.Debug("speaker: queue drained")
}
