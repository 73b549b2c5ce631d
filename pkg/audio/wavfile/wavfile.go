// Package wavfile implements [audio.Device] on WAV files: a file stands in
// for the microphone and playback is recorded to another file. It makes the
// whole voice pipeline runnable without sound hardware.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/mixer"
)

const audioFormatPCM = 1

// Compile-time interface assertions.
var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Capture = (*captureStream)(nil)
	_ audio.Output  = (*outputStream)(nil)
)

// Device reads capture audio from one WAV file and records playback into
// another. Successive capture streams continue where the previous one
// stopped; once the input is exhausted, captures deliver silence.
type Device struct {
	inputPath  string
	outputPath string
	output     audio.Format
	realtime   bool
	block      int
	resampler  audio.Resampler

	mu     sync.Mutex
	input  []int16 // mono input, decoded lazily at the capture rate
	rate   int
	cursor int
}

// Option configures a [Device].
type Option func(*Device)

// WithInput sets the WAV file used as the microphone.
func WithInput(path string) Option {
	return func(d *Device) { d.inputPath = path }
}

// WithOutput sets the WAV file playback is recorded to. Without it,
// playback is rendered and discarded.
func WithOutput(path string) Option {
	return func(d *Device) { d.outputPath = path }
}

// WithOutputFormat sets the recording format. Defaults to 22050 Hz mono.
func WithOutputFormat(f audio.Format) Option {
	return func(d *Device) { d.output = f }
}

// WithRealtime paces capture and playback at wall-clock speed. Without it
// both run as fast as the consumer allows and the output clock only
// advances while something is playing.
func WithRealtime(on bool) Option {
	return func(d *Device) { d.realtime = on }
}

// WithResampler sets the resampler used when the input file rate differs
// from the capture rate.
func WithResampler(r audio.Resampler) Option {
	return func(d *Device) { d.resampler = r }
}

// New creates a WAV device.
func New(opts ...Option) *Device {
	d := &Device{
		output:    audio.Format{SampleRate: 22050, Channels: 1},
		block:     512,
		resampler: audio.LinearResampler{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close implements [audio.Device].
func (d *Device) Close() error { return nil }

// load decodes the input file once, down-mixed to mono at rate.
func (d *Device) load(rate int) error {
	if d.input != nil || d.inputPath == "" {
		if d.input != nil && d.rate != rate {
			return fmt.Errorf("wavfile: capture rate changed from %d to %d", d.rate, rate)
		}
		d.rate = rate
		return nil
	}

	f, err := os.Open(d.inputPath)
	if err != nil {
		return fmt.Errorf("wavfile: open input: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("wavfile: %s is not a valid WAV file", d.inputPath)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("wavfile: decode input: %w", err)
	}

	pcm := intsToPCM16(buf.Data, int(dec.BitDepth))
	if dec.NumChans == 2 {
		pcm = audio.StereoToMono(pcm)
	} else if dec.NumChans > 2 {
		return fmt.Errorf("wavfile: unsupported channel count %d", dec.NumChans)
	}
	if src := int(dec.SampleRate); src != rate {
		if pcm, err = d.resampler.Resample(pcm, 1, src, rate); err != nil {
			return fmt.Errorf("wavfile: resample input: %w", err)
		}
	}
	d.input = audio.PCMToInt16(pcm)
	d.rate = rate
	slog.Debug("wavfile: input loaded", "path", d.inputPath, "samples", len(d.input), "rate", rate)
	return nil
}

// next returns the next n input samples, padding with silence.
func (d *Device) next(n int) []int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int16, n)
	if d.cursor < len(d.input) {
		d.cursor += copy(out, d.input[d.cursor:])
	}
	return out
}

// intsToPCM16 scales go-audio integer samples to 16-bit PCM.
func intsToPCM16(data []int, bitDepth int) []byte {
	s := make([]int16, len(data))
	shift := bitDepth - 16
	for i, v := range data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		s[i] = int16(v)
	}
	return audio.Int16ToPCM(s)
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("wavfile: invalid capture config %+v", cfg)
	}
	d.mu.Lock()
	err := d.load(cfg.SampleRate)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &captureStream{
		frames: make(chan audio.AudioFrame, max(cfg.Buffer, 1)),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.run(ctx, d, cfg)
	return c, nil
}

type captureStream struct {
	frames  chan audio.AudioFrame
	dropped atomic.Int64

	once   sync.Once
	stop   chan struct{}
	exited chan struct{}
}

func (c *captureStream) run(ctx context.Context, d *Device, cfg audio.CaptureConfig) {
	defer close(c.exited)
	defer close(c.frames)

	period := time.Duration(int64(cfg.FrameSamples) * int64(time.Second) / int64(cfg.SampleRate))
	var tick <-chan time.Time
	if d.realtime {
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	var ts time.Duration
	for {
		frame := audio.NewFrame(d.next(cfg.FrameSamples), cfg.SampleRate, ts)
		ts += period
		if tick == nil {
			// Unpaced: block on the consumer instead of dropping.
			select {
			case c.frames <- frame:
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
			continue
		}
		select {
		case c.frames <- frame:
		default:
			c.dropped.Add(1)
		}
		select {
		case <-tick:
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

func (c *captureStream) Frames() <-chan audio.AudioFrame { return c.frames }
func (c *captureStream) Dropped() int64                  { return c.dropped.Load() }
func (c *captureStream) Err() error                      { return nil }

func (c *captureStream) Close() error {
	c.once.Do(func() {
		close(c.stop)
		<-c.exited
	})
	return nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(ctx context.Context) (audio.Output, error) {
	o := &outputStream{
		Timeline: mixer.NewTimeline(d.output),
		realtime: d.realtime,
		block:    make([]int16, d.block*d.output.Channels),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	if d.outputPath != "" {
		f, err := os.Create(d.outputPath)
		if err != nil {
			return nil, fmt.Errorf("wavfile: create output: %w", err)
		}
		o.file = f
		o.enc = wav.NewEncoder(f, d.output.SampleRate, 16, d.output.Channels, audioFormatPCM)
	}
	go o.run(ctx)
	return o, nil
}

type outputStream struct {
	*mixer.Timeline
	realtime bool
	block    []int16
	file     *os.File
	enc      *wav.Encoder

	once   sync.Once
	stop   chan struct{}
	exited chan struct{}
	err    error
}

func (o *outputStream) run(ctx context.Context) {
	defer close(o.exited)

	f := o.Format()
	period := time.Duration(int64(len(o.block)/f.Channels) * int64(time.Second) / int64(f.SampleRate))
	var tick <-chan time.Time
	if o.realtime {
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			}
		} else if !o.Busy() {
			select {
			case <-o.Notify():
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			}
			continue
		}

		o.Render(o.block)
		if err := o.write(o.block); err != nil {
			o.err = err
			slog.Warn("wavfile: write failed, closing output", "err", err)
			o.Timeline.Close()
			return
		}
	}
}

func (o *outputStream) write(block []int16) error {
	if o.enc == nil {
		return nil
	}
	f := o.Format()
	data := make([]int, len(block))
	for i, s := range block {
		data[i] = int(s)
	}
	return o.enc.Write(&goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		SourceBitDepth: 16,
	})
}

// Close stops rendering and finalises the WAV header.
func (o *outputStream) Close() error {
	o.once.Do(func() {
		close(o.stop)
		<-o.exited
		o.Timeline.Close()
		if o.enc != nil {
			o.err = errors.Join(o.err, o.enc.Close(), o.file.Close())
		}
	})
	if o.err != nil {
		return fmt.Errorf("wavfile: close output: %w", o.err)
	}
	return nil
}
