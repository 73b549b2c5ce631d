// Package portaudio implements [audio.Device] on the host's default sound
// card through PortAudio's blocking stream API.
//
// Capture runs a dedicated read loop per stream that copies each block,
// computes its volume and hands it off without blocking; when the consumer
// falls behind, frames are dropped and counted. Output renders a
// [mixer.Timeline] block by block, so the timeline's sample clock is the
// monotonic clock playback is scheduled against.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Capture = (*captureStream)(nil)
	_ audio.Output  = (*outputStream)(nil)
)

// Device is the PortAudio backend. Create it with [New] and release it with
// [Device.Close].
type Device struct {
	output      audio.Format
	outputBlock int

	mu     sync.Mutex
	closed bool
}

// Option configures a [Device].
type Option func(*Device)

// WithOutputFormat sets the playback stream format. Defaults to 22050 Hz mono.
func WithOutputFormat(f audio.Format) Option {
	return func(d *Device) { d.output = f }
}

// WithOutputBlock sets the number of frames rendered per output write.
// Smaller blocks lower latency at the cost of more wakeups. Defaults to 512.
func WithOutputBlock(frames int) Option {
	return func(d *Device) {
		if frames > 0 {
			d.outputBlock = frames
		}
	}
}

// New initialises PortAudio.
func New(opts ...Option) (*Device, error) {
	d := &Device{
		output:      audio.Format{SampleRate: 22050, Channels: 1},
		outputBlock: 512,
	}
	for _, o := range opts {
		o(d)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialise: %w", err)
	}
	return d, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// OpenCapture opens the default input device as a mono stream.
func (d *Device) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("portaudio: invalid capture config %+v", cfg)
	}
	buf := make([]int16, cfg.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	c := &captureStream{
		stream: stream,
		buf:    buf,
		rate:   cfg.SampleRate,
		frames: make(chan audio.AudioFrame, max(cfg.Buffer, 1)),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c, nil
}

// OpenOutput opens the default output device.
func (d *Device) OpenOutput(ctx context.Context) (audio.Output, error) {
	buf := make([]int16, d.outputBlock*d.output.Channels)
	stream, err := portaudio.OpenDefaultStream(0, d.output.Channels, float64(d.output.SampleRate), d.outputBlock, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	o := &outputStream{
		Timeline: mixer.NewTimeline(d.output),
		stream:   stream,
		buf:      buf,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go o.writeLoop(ctx)
	return o, nil
}

// captureStream is an open input stream.
type captureStream struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int
	frames chan audio.AudioFrame

	dropped atomic.Int64
	err     atomic.Pointer[error]

	once   sync.Once
	stop   chan struct{}
	exited chan struct{}
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *captureStream) Dropped() int64 { return c.dropped.Load() }

func (c *captureStream) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *captureStream) readLoop(ctx context.Context) {
	defer close(c.exited)
	defer close(c.frames)

	var read int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
			} else {
				err = fmt.Errorf("portaudio: read: %w", err)
				c.err.Store(&err)
				return
			}
		}

		samples := make([]int16, len(c.buf))
		copy(samples, c.buf)
		ts := time.Duration(read * int64(time.Second) / int64(c.rate))
		read += int64(len(samples))

		select {
		case c.frames <- audio.NewFrame(samples, c.rate, ts):
		default:
			c.dropped.Add(1)
		}
	}
}

func (c *captureStream) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		<-c.exited
		if stopErr := c.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop input stream: %w", stopErr)
		}
		if closeErr := c.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close input stream: %w", closeErr)
		}
	})
	return err
}

// outputStream renders its timeline into the output device.
type outputStream struct {
	*mixer.Timeline
	stream *portaudio.Stream
	buf    []int16

	once   sync.Once
	stop   chan struct{}
	exited chan struct{}
}

func (o *outputStream) writeLoop(ctx context.Context) {
	defer close(o.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		default:
		}

		o.Render(o.buf)
		if err := o.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				slog.Debug("portaudio: output underflowed")
				continue
			}
			slog.Warn("portaudio: write failed, closing output", "err", err)
			o.Timeline.Close()
			return
		}
	}
}

func (o *outputStream) Close() error {
	var err error
	o.once.Do(func() {
		close(o.stop)
		<-o.exited
		o.Timeline.Close()
		if stopErr := o.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop output stream: %w", stopErr)
		}
		if closeErr := o.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close output stream: %w", closeErr)
		}
	})
	return err
}
