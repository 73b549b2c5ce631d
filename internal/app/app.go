// Package app wires the voxgate subsystems into a running assistant.
//
// New opens the output stream and builds the speech pipeline from the
// configured providers. The mode methods then drive it: [App.Listen] runs
// the wake-word loop, [App.PushToTalk] records on demand, [App.Say] speaks a
// fixed text and [App.Voices] lists the synthesis voices. [App.ApplyConfig]
// hot-reloads the settings that do not need a restart.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/capture"
	"github.com/voxgate/voxgate/internal/clock"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/endpoint"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/speech/segmenter"
	"github.com/voxgate/voxgate/internal/speech/speaker"
	"github.com/voxgate/voxgate/internal/speech/synth"
	"github.com/voxgate/voxgate/internal/wakeword"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/resample"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/provider/vad/energy"
)

// ErrNotConfigured is returned by a mode that needs a provider the config
// does not declare.
var ErrNotConfigured = errors.New("app: provider not configured")

// Providers holds one value per provider slot. Nil means not configured.
// Populated by the command from the config registry.
type Providers struct {
	Device audio.Device
	STT    stt.Provider
	TTS    tts.Provider
	LLM    llm.Provider

	// VAD defaults to the energy engine when STT is set.
	VAD vad.Engine
}

// Printer receives the user-visible side of the conversation. Methods may be
// called from any goroutine and must not block.
type Printer interface {
	Heard(text string)
	Replied(text string)
	Status(msg string)
}

// Option configures an [App].
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// WithClock sets the clock for capture and gate timers.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clk = c } }

// WithLogLevel lets [App.ApplyConfig] change the level of the installed logger.
func WithLogLevel(v *slog.LevelVar) Option { return func(a *App) { a.level = v } }

// WithPrinter sets the conversation display.
func WithPrinter(p Printer) Option { return func(a *App) { a.printer = p } }

// WithPollInterval sets the playback scheduler poll interval.
func WithPollInterval(d time.Duration) Option { return func(a *App) { a.pollInterval = d } }

// App owns the subsystem lifetimes.
type App struct {
	providers    *Providers
	metrics      *observe.Metrics
	clk          clock.Clock
	level        *slog.LevelVar
	printer      Printer
	pollInterval time.Duration

	out        audio.Output
	dispatcher *synth.Dispatcher
	speaker    *speaker.Speaker
	agent      *agent.Agent
	factory    *capture.Factory
	gate       *wakeword.Gate

	mu  sync.Mutex
	cfg *config.Config

	replies  sync.WaitGroup
	stopOnce sync.Once
	closers  []func() error
}

// New opens the output stream of providers.Device and builds every subsystem
// the configured providers allow. TTS and Device are required; STT enables
// capture and LLM enables the agent.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		clk:       clock.Real(),
		printer:   nopPrinter{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.Device == nil || providers.TTS == nil {
		return nil, fmt.Errorf("%w: audio device and tts are required", ErrNotConfigured)
	}
	a.closers = append(a.closers, providers.Device.Close)

	if err := a.initSpeech(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, err
	}
	if providers.LLM != nil {
		a.agent = newAgent(cfg, providers.LLM, a.metrics)
	}
	if providers.STT != nil {
		if err := a.initCapture(); err != nil {
			_ = a.Shutdown(ctx)
			return nil, err
		}
	}
	slog.Info("app: ready",
		"tts", cfg.Providers.TTS.Name,
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
		"output", a.out.Format().String(),
	)
	return a, nil
}

func (a *App) initSpeech(ctx context.Context) error {
	out, err := a.providers.Device.OpenOutput(ctx)
	if err != nil {
		return fmt.Errorf("app: open output: %w", err)
	}
	a.out = out
	a.closers = append(a.closers, out.Close)

	sc := a.cfg.Speech
	opts := []synth.Option{
		synth.WithMaxConcurrent(sc.MaxConcurrent),
		synth.WithVoice(sc.Voice),
		synth.WithModel(sc.Model),
		synth.WithConverter(&audio.ClipConverter{Target: out.Format(), Resampler: resample.New()}),
		synth.WithProviderName(a.cfg.Providers.TTS.Name),
		synth.WithMetrics(a.metrics),
	}
	if sc.RequestsPerSecond > 0 {
		opts = append(opts, synth.WithRateLimit(rate.Limit(sc.RequestsPerSecond), sc.MaxConcurrent))
	}
	a.dispatcher = synth.New(a.providers.TTS, opts...)

	spOpts := []speaker.Option{
		speaker.WithNotifier(speakingRelay{a}),
		speaker.WithMetrics(a.metrics),
	}
	if a.pollInterval > 0 {
		spOpts = append(spOpts, speaker.WithPollInterval(a.pollInterval))
	}
	sp, err := speaker.New(out, a.dispatcher, segmenterConfig(sc), spOpts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.speaker = sp
	return nil
}

func (a *App) initCapture() error {
	engine := a.providers.VAD
	if engine == nil {
		engine = energy.New()
	}
	f, err := capture.NewFactory(a.providers.Device, a.providers.STT, engine, captureConfig(a.cfg),
		capture.WithClock(a.clk),
		capture.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.factory = f
	return nil
}

func newAgent(cfg *config.Config, p llm.Provider, m *observe.Metrics) *agent.Agent {
	opts := []agent.Option{
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithMaxTokens(cfg.Agent.MaxTokens),
		agent.WithTemperature(cfg.Agent.Temperature),
		agent.WithProviderName(cfg.Providers.LLM.Name),
		agent.WithMetrics(m),
	}
	if cfg.Agent.HistoryTokens >= 0 {
		opts = append(opts, agent.WithHistory(cfg.Agent.HistoryTokens))
	}
	return agent.New(p, opts...)
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Speaking reports whether a reply is playing.
func (a *App) Speaking() bool { return a.speaker.Speaking() }

// Say speaks text and waits until it has played or ctx is cancelled.
func (a *App) Say(ctx context.Context, text string) error {
	r, err := a.speaker.SpeakText(ctx, text)
	if err != nil {
		return err
	}
	if err := r.Wait(ctx); err != nil {
		return fmt.Errorf("app: say: %w", err)
	}
	return nil
}

// Voices lists the synthesis voices.
func (a *App) Voices(ctx context.Context) ([]tts.Voice, error) {
	return a.providers.TTS.ListVoices(ctx)
}

// Respond answers command through the agent and speaks the reply. It returns
// once the reply has started; done is closed when it has played, failed or
// been interrupted.
func (a *App) Respond(ctx context.Context, command string) (done <-chan struct{}, err error) {
	if a.agent == nil {
		return nil, fmt.Errorf("%w: llm", ErrNotConfigured)
	}
	a.printer.Heard(command)

	rctx, cancel := context.WithCancel(ctx)
	frags, err := a.agent.Reply(rctx, command)
	if err != nil {
		cancel()
		return nil, err
	}
	texts, textErr := agent.TextStream(frags)
	echo := make(chan string, 16)
	through := tee(texts, echo)
	reply, err := a.speaker.Speak(rctx, through)
	if err != nil {
		cancel()
		go audio.Drain(through)
		go audio.Drain(echo)
		return nil, err
	}

	go func() {
		// A stopped reply also stops generation.
		<-reply.Done()
		cancel()
	}()

	ch := make(chan struct{})
	a.replies.Add(1)
	go func() {
		defer a.replies.Done()
		defer close(ch)
		defer cancel()
		var full strings.Builder
		for t := range echo {
			full.WriteString(t)
		}
		if full.Len() > 0 {
			a.printer.Replied(full.String())
		}
		log := observe.Logger(ctx).With("reply", reply.ID())
		if err := textErr(); err != nil {
			log.Warn("app: reply text failed", "err", err)
		}
		switch err := reply.Wait(context.WithoutCancel(ctx)); {
		case errors.Is(err, speaker.ErrInterrupted):
			log.Info("app: reply interrupted")
		case err != nil:
			log.Warn("app: reply failed", "err", err)
		}
	}()
	return ch, nil
}

// tee copies every value of in to out. out is closed when in is.
func tee(in <-chan string, out chan<- string) <-chan string {
	through := make(chan string)
	go func() {
		defer close(through)
		defer close(out)
		for s := range in {
			through <- s
			out <- s
		}
	}()
	return through
}

// ApplyConfig applies the hot-reloadable differences between the active
// config and next, and makes next the active config.
func (a *App) ApplyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	g := a.gate
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(string(d.NewLogLevel)))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SpeechChanged {
		if err := a.speaker.SetSegmenterConfig(segmenterConfig(next.Speech)); err != nil {
			slog.Warn("app: segmenter config rejected", "err", err)
		}
		a.dispatcher.SetVoice(next.Speech.Voice, next.Speech.Model)
	}
	if d.AgentChanged && a.agent != nil {
		a.agent.SetSystemPrompt(next.Agent.SystemPrompt)
		a.agent.SetSampling(next.Agent.MaxTokens, next.Agent.Temperature)
	}
	if d.EndpointChanged && a.factory != nil {
		if err := a.factory.SetEndpoint(endpointConfig(next)); err != nil {
			slog.Warn("app: endpoint config rejected", "err", err)
		}
	}
	if d.WakeWordChanged {
		if a.factory != nil {
			a.factory.SetHints(next.WakeWord.Keywords)
		}
		if g != nil {
			g.Update(gateConfig(next))
			if next.WakeWord.Enabled && len(next.WakeWord.Keywords) > 0 {
				g.Enable()
			} else {
				g.Disable()
			}
		}
	}
	if d.RestartRequired {
		slog.Warn("app: audio, server or provider settings changed; restart to apply")
	}
}

// Shutdown interrupts playback, waits for in-flight synthesis and closes the
// output and device. Safe to call more than once.
func (a *App) Shutdown(_ context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.speaker != nil {
			a.speaker.BargeIn()
		}
		a.replies.Wait()
		if a.dispatcher != nil {
			a.dispatcher.Wait()
		}
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if e := a.closers[i](); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// speakingRelay forwards playback state to the gate once it exists.
type speakingRelay struct{ a *App }

func (r speakingRelay) SetSpeaking(on bool) {
	r.a.mu.Lock()
	g := r.a.gate
	r.a.mu.Unlock()
	if g != nil {
		g.SetSpeaking(on)
	}
}

type nopPrinter struct{}

func (nopPrinter) Heard(string)   {}
func (nopPrinter) Replied(string) {}
func (nopPrinter) Status(string)  {}

// ParseLevel maps a config log level to an slog level. Unknown values map to
// info.
func ParseLevel(s string) slog.Level {
	switch config.LogLevel(s) {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func segmenterConfig(sc config.SpeechConfig) segmenter.Config {
	return segmenter.Config{
		MinLength:    sc.MinSegmentLength,
		MaxLength:    sc.MaxSegmentLength,
		PreferLength: sc.PreferSegmentLength,
	}
}

func endpointConfig(cfg *config.Config) endpoint.Config {
	return endpoint.Config{
		SampleRate:       cfg.Audio.SampleRate,
		SilenceThreshold: cfg.Endpoint.SilenceThreshold,
		SilenceDuration:  time.Duration(cfg.Endpoint.SilenceDurationMs) * time.Millisecond,
	}
}

func captureConfig(cfg *config.Config) capture.Config {
	return capture.Config{
		Capture: audio.CaptureConfig{
			SampleRate:   cfg.Audio.SampleRate,
			FrameSamples: cfg.Audio.FrameSamples,
			Buffer:       cfg.Audio.FrameQueue,
		},
		Endpoint:   endpointConfig(cfg),
		FrameQueue: cfg.Audio.FrameQueue,
		Language:   cfg.Providers.STT.StringOption("language"),
		Hints:      cfg.WakeWord.Keywords,
	}
}

func gateConfig(cfg *config.Config) wakeword.Config {
	w := cfg.WakeWord
	return wakeword.Config{
		Enabled:        w.Enabled,
		Keywords:       w.Keywords,
		CommandTimeout: time.Duration(w.CommandTimeoutMs) * time.Millisecond,
		Cooldown:       time.Duration(w.CooldownMs) * time.Millisecond,
		MaxRestarts:    w.MaxRestarts,
		BargeIn:        w.BargeIn,
		StripWakeWord:  w.StripWakeWord,
		FuzzyMatch:     w.FuzzyMatch,
	}
}
