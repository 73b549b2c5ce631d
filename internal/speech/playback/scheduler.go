// Package playback plays a reply's synthesised segments strictly in sequence
// order, back to back, with no gap and no overlap at the splice points.
//
// Segments are enqueued in sequence order as the segmenter produces them and
// become ready in whatever order synthesis completes. The [Scheduler] is the
// single authority over ordering: every status change and every scheduling
// decision happens under one mutex.
//
// Gapless output relies on look-ahead: when a segment starts, the next one is
// committed to the output clock at the exact end time of the current one if
// its audio is already available, so no completion callback latency can
// introduce a pause.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/pkg/audio"
)

// DefaultPollInterval is how often a stalled queue re-checks the segment it
// is waiting for.
const DefaultPollInterval = 20 * time.Millisecond

var (
	// ErrStopped is returned once the scheduler has been stopped.
	ErrStopped = errors.New("playback: scheduler stopped")

	// ErrSealed is returned by Enqueue after Seal.
	ErrSealed = errors.New("playback: scheduler sealed")

	// ErrOutOfOrder is returned when a segment is enqueued with a sequence id
	// other than the next expected one.
	ErrOutOfOrder = errors.New("playback: segment out of order")
)

// Output is the part of [audio.Output] the scheduler needs: a monotonic
// clock and exact-time scheduling.
type Output interface {
	Now() time.Duration
	Schedule(pcm []byte, at time.Duration) (audio.Voice, error)
}

// Scheduled describes a segment committed to the output clock.
type Scheduled struct {
	Segment speech.Segment
	Start   time.Duration
	End     time.Duration

	// Gap is the silence between the previous segment's end and Start. It is
	// zero for the first segment and for every look-ahead splice.
	Gap time.Duration

	// Ahead reports whether the segment was pre-scheduled behind a playing one.
	Ahead bool
}

// Observer receives scheduling events. Methods are called with the
// scheduler's lock held and must not call back into the scheduler.
type Observer interface {
	Scheduled(p Scheduled)
	StatusChanged(seg speech.Segment)
	Drained()
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) Scheduled(Scheduled)           {}
func (NopObserver) StatusChanged(speech.Segment) {}
func (NopObserver) Drained()                     {}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithObserver registers o for scheduling events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithPollInterval sets how often a queue waiting on a slow segment re-checks it.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// entry is one queued segment. All fields are guarded by Scheduler.mu.
type entry struct {
	seg      speech.Segment
	voice    audio.Voice
	start    time.Duration
	end      time.Duration
	finished bool
}

// Scheduler orders and plays the segments of one reply.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out          Output
	observer     Observer
	pollInterval time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	entries []*entry
	base    int // sequence id of entries[0]
	current int // index of the segment due to play next
	playing *entry
	ahead   *entry // pre-scheduled behind playing
	lastEnd time.Duration
	played  bool
	sealed  bool
	stopped bool
	poll    *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Scheduler that plays through out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:          out,
		observer:     NopObserver{},
		pollInterval: DefaultPollInterval,
		log:          slog.Default(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends seg to the queue. The first segment fixes the base sequence
// id; every further one must carry the next id.
func (s *Scheduler) Enqueue(seg speech.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.sealed:
		return ErrSealed
	}
	if len(s.entries) == 0 {
		s.base = seg.SequenceID
	} else if want := s.base + len(s.entries); seg.SequenceID != want {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, seg.SequenceID, want)
	}
	if seg.Status != speech.StatusPending {
		return fmt.Errorf("playback: segment %d enqueued in status %s", seg.SequenceID, seg.Status)
	}
	s.entries = append(s.entries, &entry{seg: seg})
	s.advanceLocked()
	return nil
}

// Seal marks the end of the reply. Once every segment has played or been
// skipped, [Scheduler.Done] is closed.
func (s *Scheduler) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	s.advanceLocked()
}

// Synthesizing records that synthesis of segment seq has started.
func (s *Scheduler) Synthesizing(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(seq)
	if e == nil || e.seg.Status != speech.StatusPending {
		return
	}
	s.setStatusLocked(e, speech.StatusSynthesizing)
}

// Ready stores the decoded audio of segment seq and plays it when its turn
// comes. The clip's PCM must not be modified afterwards.
func (s *Scheduler) Ready(seq int, clip audio.Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(seq)
	if e == nil {
		return
	}
	if st := e.seg.Status; st != speech.StatusPending && st != speech.StatusSynthesizing {
		s.log.Debug("playback: ignoring ready for segment", "seq", seq, "status", st.String())
		return
	}
	e.seg.Audio = &clip
	s.setStatusLocked(e, speech.StatusReady)
	s.advanceLocked()
}

// Failed marks segment seq as failed; it will be skipped.
func (s *Scheduler) Failed(seq int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(seq)
	if e == nil {
		return
	}
	if st := e.seg.Status; st != speech.StatusPending && st != speech.StatusSynthesizing {
		return
	}
	e.seg.Err = err
	s.setStatusLocked(e, speech.StatusFailed)
	s.advanceLocked()
}

// Stop silences the playing and any pre-scheduled segment immediately and
// clears the queue. Further calls have no effect; later tracker calls are
// ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, e := range []*entry{s.playing, s.ahead} {
		if e != nil && e.voice != nil {
			e.voice.Stop()
		}
	}
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
	s.entries = nil
	s.playing, s.ahead = nil, nil
	s.current = 0
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed when the sealed queue has drained or the scheduler stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Wait blocks until the queue drains. It returns [ErrStopped] if the
// scheduler was stopped first, or the context error.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Segments returns a snapshot of the queue in sequence order.
func (s *Scheduler) Segments() []speech.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]speech.Segment, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.seg
	}
	return out
}

// Idle reports whether nothing is playing or pre-scheduled.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing == nil && s.ahead == nil
}

func (s *Scheduler) lookupLocked(seq int) *entry {
	i := seq - s.base
	if s.stopped || i < 0 || i >= len(s.entries) {
		return nil
	}
	return s.entries[i]
}

func (s *Scheduler) setStatusLocked(e *entry, st speech.Status) {
	e.seg.Status = st
	s.observer.StatusChanged(e.seg)
}

// advanceLocked drives the queue as far as it can go: it retires finished
// segments, skips failed ones, starts the current one when ready and
// pre-schedules the next.
func (s *Scheduler) advanceLocked() {
	for !s.stopped {
		if s.current >= len(s.entries) {
			if s.sealed {
				s.doneOnce.Do(func() {
					s.observer.Drained()
					close(s.done)
				})
			}
			return
		}

		e := s.entries[s.current]
		if e == s.playing {
			if !e.finished {
				s.lookAheadLocked()
				return
			}
			s.setStatusLocked(e, speech.StatusCompleted)
			s.playing = nil
			s.current++
			continue
		}

		switch e.seg.Status {
		case speech.StatusFailed:
			s.log.Warn("playback: skipping failed segment", "seq", e.seg.SequenceID, "err", e.seg.Err)
			s.current++
		case speech.StatusCompleted:
			s.current++
		case speech.StatusReady:
			if e == s.ahead {
				s.ahead = nil
			} else if err := s.startLocked(e, s.out.Now(), false); err != nil {
				s.failLocked(e, err)
				continue
			}
			s.playing = e
			s.setStatusLocked(e, speech.StatusPlaying)
		default:
			// Not synthesised yet: Ready or Failed will resume the queue;
			// the poll is a fallback.
			s.pollLocked()
			return
		}
	}
}

// lookAheadLocked commits the next playable segment to start exactly when the
// playing one ends.
func (s *Scheduler) lookAheadLocked() {
	if s.ahead != nil || s.playing == nil {
		return
	}
	for i := s.current + 1; i < len(s.entries); i++ {
		n := s.entries[i]
		switch n.seg.Status {
		case speech.StatusFailed:
			continue
		case speech.StatusReady:
		default:
			return
		}
		if s.playing.end < s.out.Now() {
			// The playing segment is already over; the completion path starts n.
			return
		}
		if err := s.startLocked(n, s.playing.end, true); err != nil {
			s.failLocked(n, err)
			continue
		}
		s.ahead = n
		return
	}
}

func (s *Scheduler) startLocked(e *entry, at time.Duration, ahead bool) error {
	clip := e.seg.Audio
	v, err := s.out.Schedule(clip.PCM, at)
	if err != nil {
		return fmt.Errorf("playback: schedule segment %d: %w", e.seg.SequenceID, err)
	}
	e.voice = v
	e.start = at
	e.end = at + clip.Duration()

	var gap time.Duration
	if s.played {
		gap = at - s.lastEnd
	}
	s.lastEnd = e.end
	s.played = true

	s.observer.Scheduled(Scheduled{Segment: e.seg, Start: e.start, End: e.end, Gap: gap, Ahead: ahead})
	go s.watch(e, v)
	return nil
}

func (s *Scheduler) failLocked(e *entry, err error) {
	s.log.Warn("playback: segment could not be scheduled", "seq", e.seg.SequenceID, "err", err)
	e.seg.Err = err
	s.setStatusLocked(e, speech.StatusFailed)
}

// watch waits for v to end and resumes the queue.
func (s *Scheduler) watch(e *entry, v audio.Voice) {
	<-v.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || e.voice != v {
		return
	}
	e.finished = true
	s.advanceLocked()
}

func (s *Scheduler) pollLocked() {
	if s.poll != nil {
		return
	}
	s.poll = time.AfterFunc(s.pollInterval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.poll = nil
		s.advanceLocked()
	})
}
