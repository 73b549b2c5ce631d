package mixer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// Timeline mixes scheduled PCM16 voices into consecutive render blocks.
//
// The clock is the number of sample frames rendered so far; [Timeline.Now]
// converts it to a duration. A voice scheduled at time t starts at sample
// frame t*rate (rounded down), or at the next rendered frame when t is
// already in the past.
//
// All exported methods are safe for concurrent use. Render is expected to be
// called from a single audio goroutine.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	pos     int64 // next frame to render
	seq     uint64
	waiting startHeap
	active  []*voice
	notify  chan struct{}
	closed  bool
}

// NewTimeline creates an empty timeline rendering in format f.
func NewTimeline(f audio.Format) *Timeline {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return &Timeline{
		format: f,
		notify: make(chan struct{}, 1),
	}
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the play position of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

func (t *Timeline) frameTime(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(t.format.SampleRate))
}

// Schedule commits pcm to start at clock time at.
func (t *Timeline) Schedule(pcm []byte, at time.Duration) (audio.Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	start := t.format.Samples(at)
	if start < t.pos {
		start = t.pos
	}
	frameBytes := 2 * t.format.Channels
	v := &voice{
		tl:      t,
		samples: audio.PCMToInt16(pcm[:len(pcm)/frameBytes*frameBytes]),
		start:   start,
		done:    make(chan struct{}),
	}
	if len(v.samples) == 0 {
		v.finishLocked()
		return v, nil
	}
	t.seq++
	heap.Push(&t.waiting, pending{v: v, seq: t.seq})

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return v, nil
}

// Busy reports whether any voice is playing or waiting to play.
func (t *Timeline) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) > 0 || len(t.waiting) > 0
}

// Notify returns a channel that receives a value whenever a voice is scheduled.
// Idle render loops wait on it instead of spinning.
func (t *Timeline) Notify() <-chan struct{} { return t.notify }

// Render mixes the next len(out)/channels frames into out (interleaved) and
// advances the clock by that many frames. Voices that finish inside the block
// have their Done channel closed before Render returns.
func (t *Timeline) Render(out []int16) {
	clear(out)
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.pos + frames
	for len(t.waiting) > 0 && t.waiting[0].v.start < end {
		p := heap.Pop(&t.waiting).(pending)
		t.active = append(t.active, p.v)
	}

	kept := t.active[:0]
	for _, v := range t.active {
		vFrames := int64(len(v.samples) / ch)
		from := max(v.start, t.pos)
		to := min(v.start+vFrames, end)
		for f := from; f < to; f++ {
			src := (f - v.start) * int64(ch)
			dst := (f - t.pos) * int64(ch)
			for c := range int64(ch) {
				out[dst+c] = clamp(int32(out[dst+c]) + int32(v.samples[src+c]))
			}
		}
		if v.start+vFrames <= end {
			v.finishLocked()
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept
	t.pos = end
}

// StopAll silences every playing and waiting voice.
func (t *Timeline) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopAllLocked()
}

func (t *Timeline) stopAllLocked() {
	for _, v := range t.active {
		v.finishLocked()
	}
	for _, p := range t.waiting {
		p.v.finishLocked()
	}
	t.active = nil
	t.waiting = nil
}

// Close stops every voice and rejects further scheduling.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.stopAllLocked()
	return nil
}

func (t *Timeline) remove(v *voice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.finished {
		return
	}
	v.finishLocked()
	for i, a := range t.active {
		if a == v {
			t.active = append(t.active[:i], t.active[i+1:]...)
			return
		}
	}
	for i, p := range t.waiting {
		if p.v == v {
			heap.Remove(&t.waiting, i)
			return
		}
	}
}

func clamp(s int32) int16 {
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// voice is a buffer committed to a [Timeline]. Its fields are guarded by the
// timeline mutex.
type voice struct {
	tl       *Timeline
	samples  []int16
	start    int64
	done     chan struct{}
	finished bool
}

var _ audio.Voice = (*voice)(nil)

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) Stop() { v.tl.remove(v) }

func (v *voice) finishLocked() {
	if v.finished {
		return
	}
	v.finished = true
	close(v.done)
}
