// Package mock provides in-memory mock implementations of [audio.Device],
// [audio.Capture] and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The [Output] mock has a manual clock: tests move it with [Output.Advance]
// and end voices explicitly with [Output.Finish], which makes playback
// scheduling fully deterministic.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Tests push frames with [Capture.Push] and
// end the stream with [Capture.Fail] or [Capture.Close].
type Capture struct {
	mu      sync.Mutex
	frames  chan audio.AudioFrame
	err     error
	closed  bool
	dropped int64

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCapture returns a capture whose frame channel has the given capacity.
func NewCapture(buffer int) *Capture {
	return &Capture{frames: make(chan audio.AudioFrame, buffer)}
}

// Push delivers a frame without blocking; it reports false when the frame was
// dropped because the channel is full or closed.
func (c *Capture) Push(f audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.frames <- f:
		return true
	default:
		c.dropped++
		return false
	}
}

// Fail terminates the stream with err.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.frames)
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Dropped implements [audio.Capture].
func (c *Capture) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Err implements [audio.Capture].
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

// IsClosed reports whether the stream has ended.
func (c *Capture) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records one [Output.Schedule] invocation.
type ScheduleCall struct {
	PCM   []byte
	At    time.Duration
	Voice *Voice
}

// Output is a mock [audio.Output] with a manual clock.
type Output struct {
	mu      sync.Mutex
	format  audio.Format
	now     time.Duration
	calls   []ScheduleCall
	closed  bool
	changed chan struct{}

	// ScheduleErr, when set, is returned by Schedule.
	ScheduleErr error
}

// NewOutput returns an output in format f with the clock at zero.
func NewOutput(f audio.Format) *Output {
	return &Output{format: f, changed: make(chan struct{}, 1)}
}

// Format implements [audio.Output].
func (o *Output) Format() audio.Format { return o.format }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Set moves the clock to t.
func (o *Output) Set(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(pcm []byte, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("mock: output closed")
	}
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	v := &Voice{done: make(chan struct{})}
	o.calls = append(o.calls, ScheduleCall{PCM: pcm, At: at, Voice: v})
	select {
	case o.changed <- struct{}{}:
	default:
	}
	return v, nil
}

// Calls returns a copy of all Schedule calls so far.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.calls...)
}

// WaitCalls blocks until at least n voices have been scheduled or the
// timeout elapses, and returns the calls seen.
func (o *Output) WaitCalls(n int, timeout time.Duration) []ScheduleCall {
	deadline := time.After(timeout)
	for {
		if calls := o.Calls(); len(calls) >= n {
			return calls
		}
		select {
		case <-o.changed:
		case <-deadline:
			return o.Calls()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Finish ends the i-th scheduled voice as if its last sample had played and
// moves the clock to its end.
func (o *Output) Finish(i int) {
	o.mu.Lock()
	c := o.calls[i]
	end := c.At + o.format.Duration(len(c.PCM))
	if end > o.now {
		o.now = end
	}
	o.mu.Unlock()
	c.Voice.finish()
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Voice is the mock [audio.Voice] returned by [Output.Schedule].
type Voice struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.finish()
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish() { v.once.Do(func() { close(v.done) }) }

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device]. Each OpenCapture call returns the next
// entry of Captures (or a fresh Capture when exhausted); OpenOutput returns
// OutputResult.
type Device struct {
	mu sync.Mutex

	// Captures are handed out in order by OpenCapture.
	Captures []*Capture

	// OutputResult is returned by OpenOutput.
	OutputResult *Output

	// OpenCaptureErr, when set, is returned by OpenCapture.
	OpenCaptureErr error

	// CaptureConfigs records the config of every OpenCapture call.
	CaptureConfigs []audio.CaptureConfig

	opened []*Capture
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CaptureConfigs = append(d.CaptureConfigs, cfg)
	if d.OpenCaptureErr != nil {
		return nil, d.OpenCaptureErr
	}
	var c *Capture
	if len(d.Captures) > 0 {
		c = d.Captures[0]
		d.Captures = d.Captures[1:]
	} else {
		c = NewCapture(max(cfg.Buffer, 1))
	}
	d.opened = append(d.opened, c)
	return c, nil
}

// Opened returns every capture handed out so far.
func (d *Device) Opened() []*Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Capture(nil), d.opened...)
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(context.Context) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OutputResult == nil {
		d.OutputResult = NewOutput(audio.Format{SampleRate: 22050, Channels: 1})
	}
	return d.OutputResult, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error { return nil }
