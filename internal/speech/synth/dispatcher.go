// Package synth synthesises reply segments concurrently.
//
// The [Dispatcher] starts a synthesis request per segment as soon as the
// segment exists, without waiting for earlier ones, and reports each
// segment's progress to a [Tracker]. Audio is validated and converted to the
// output format before it is reported ready, so the tracker never sees a
// clip that still needs work.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// DefaultMaxConcurrent bounds in-flight synthesis requests.
const DefaultMaxConcurrent = 4

// Tracker receives per-segment status. The playback scheduler implements it.
type Tracker interface {
	Synthesizing(seq int)
	Ready(seq int, clip audio.Clip)
	Failed(seq int, err error)
}

// Converter brings a clip into the output format.
type Converter interface {
	Convert(clip audio.Clip) (audio.Clip, error)
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMaxConcurrent bounds in-flight requests. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithVoice sets the voice sent with every request.
func WithVoice(v string) Option { return func(d *Dispatcher) { d.voice = v } }

// WithModel sets the model sent with every request.
func WithModel(m string) Option { return func(d *Dispatcher) { d.model = m } }

// WithConverter converts every clip before it is reported ready.
func WithConverter(c Converter) Option { return func(d *Dispatcher) { d.conv = c } }

// WithRateLimit paces request starts, for backends with a request quota.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(limit, burst) }
}

// WithProviderName labels metrics and logs.
func WithProviderName(name string) Option { return func(d *Dispatcher) { d.name = name } }

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// Dispatcher runs synthesis requests. It is safe for concurrent use.
type Dispatcher struct {
	provider      tts.Provider
	maxConcurrent int
	name          string
	conv          Converter
	limiter       *rate.Limiter
	metrics       *observe.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu           sync.RWMutex
	voice, model string
}

// New returns a Dispatcher that synthesises through p.
func New(p tts.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider:      p,
		maxConcurrent: DefaultMaxConcurrent,
		name:          "tts",
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.sem = semaphore.NewWeighted(int64(d.maxConcurrent))
	return d
}

// Dispatch starts synthesis of seg in the background and reports to t. A
// cancelled ctx fails the segment.
func (d *Dispatcher) Dispatch(ctx context.Context, seg speech.Segment, t Tracker) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, seg, t)
	}()
}

// SetVoice changes the voice and model used by segments dispatched from now on.
func (d *Dispatcher) SetVoice(voice, model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voice, d.model = voice, model
}

// Wait blocks until every dispatched segment has been reported.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) run(ctx context.Context, seg speech.Segment, t Tracker) {
	log := observe.Logger(ctx).With("seq", seg.SequenceID)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		t.Failed(seg.SequenceID, fmt.Errorf("synth: segment %d: %w", seg.SequenceID, err))
		return
	}
	defer d.sem.Release(1)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			t.Failed(seg.SequenceID, fmt.Errorf("synth: segment %d: %w", seg.SequenceID, err))
			return
		}
	}

	ctx, span := observe.StartSpan(ctx, "synth.segment", trace.WithAttributes(
		attribute.Int("seq", seg.SequenceID),
		attribute.Int("text.bytes", len(seg.Text)),
	))
	defer span.End()

	t.Synthesizing(seg.SequenceID)
	start := time.Now()
	clip, err := d.synthesize(ctx, seg)
	d.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.RecordProviderRequest(ctx, d.name, "tts", "error")
		d.metrics.RecordProviderError(ctx, d.name, "tts")
		log.Warn("synth: segment failed", "err", err, "text", seg.Text)
		t.Failed(seg.SequenceID, err)
		return
	}
	d.metrics.RecordProviderRequest(ctx, d.name, "tts", "ok")
	log.Debug("synth: segment ready", "duration", clip.Duration(), "latency", time.Since(start))
	t.Ready(seg.SequenceID, clip)
}

func (d *Dispatcher) synthesize(ctx context.Context, seg speech.Segment) (audio.Clip, error) {
	d.mu.RLock()
	req := tts.Request{Text: seg.Text, Voice: d.voice, Model: d.model}
	d.mu.RUnlock()
	a, err := d.provider.Synthesize(ctx, req)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("synth: segment %d: %w", seg.SequenceID, err)
	}
	clip, err := a.Clip()
	if err != nil {
		return audio.Clip{}, fmt.Errorf("synth: segment %d: %w", seg.SequenceID, err)
	}
	if d.conv != nil {
		if clip, err = d.conv.Convert(clip); err != nil {
			return audio.Clip{}, fmt.Errorf("synth: segment %d: %w", seg.SequenceID, err)
		}
	}
	return clip, nil
}

// LogTracker is a Tracker that only logs. Useful for warming caches.
type LogTracker struct{ Log *slog.Logger }

func (l LogTracker) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l LogTracker) Synthesizing(seq int) { l.logger().Debug("synth: synthesizing", "seq", seq) }
func (l LogTracker) Ready(seq int, clip audio.Clip) {
	l.logger().Debug("synth: ready", "seq", seq, "duration", clip.Duration())
}
func (l LogTracker) Failed(seq int, err error) {
	l.logger().Debug("synth: failed", "seq", seq, "err", err)
}
