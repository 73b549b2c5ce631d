// Package wakeword gates the voice front end on a spoken wake phrase.
//
// The [Gate] is a four-state machine (disabled, listening, waiting_command,
// cooldown) driving capture sessions: it starts one, reads the utterance it
// reports, looks for a keyword and either emits the command that followed
// it, waits for a separate command utterance, or restarts capture.
//
// Every transition runs on the goroutine that calls [Gate.Run]. Capture
// callbacks and timers only post events into that loop, and each timer and
// capture carries a generation number so stale events are dropped.
package wakeword

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/capture"
	"github.com/voxgate/voxgate/internal/clock"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
)

// State is the gate's state.
type State int32

const (
	Disabled State = iota
	Listening
	WaitingCommand
	Cooldown
)

// String returns the state's snake_case name.
func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Listening:
		return "listening"
	case WaitingCommand:
		return "waiting_command"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

var (
	// ErrRunning is returned by Run when the loop is already running.
	ErrRunning = errors.New("wakeword: gate already running")

	// ErrRestartsExhausted is reported through Listener.Error when capture
	// kept failing and the gate disabled itself.
	ErrRestartsExhausted = errors.New("wakeword: capture restarts exhausted")
)

// Listener receives gate events. Methods run on the gate's loop goroutine and
// must not block.
type Listener interface {
	WakeWordDetected(keyword, sourceText string)
	CommandDetected(command, sourceText string)
	Error(err error)
	StateChanged(state State)
}

// Capturer starts capture sessions. *capture.Factory implements it.
type Capturer interface {
	StartCapture(ctx context.Context, l capture.Listener) (io.Closer, error)
}

// Interrupter stops reply playback on barge-in.
type Interrupter interface {
	BargeIn()
}

// Config holds the gate parameters.
type Config struct {
	// Enabled starts the gate in listening when Run begins.
	Enabled bool

	// Keywords are the wake phrases. An empty set keeps the gate disabled.
	Keywords []string

	// CommandTimeout bounds waiting_command.
	CommandTimeout time.Duration

	// Cooldown is how long capture stays off after a command.
	Cooldown time.Duration

	// RestartDelay is the delay before restarting capture after the first
	// failure. Zero means Cooldown. Later failures back off exponentially up
	// to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestarts is the number of consecutive capture failures tolerated
	// before the gate disables itself. Zero means the session default.
	MaxRestarts int

	// BargeIn keeps capture running while a reply plays; a detected wake
	// word then interrupts playback.
	BargeIn bool

	// StripWakeWord makes the command the text after the keyword rather
	// than the whole utterance.
	StripWakeWord bool

	// FuzzyMatch enables the phonetic fallback for Latin-script keywords.
	FuzzyMatch bool
}

// Option configures a [Gate].
type Option func(*Gate)

// WithClock sets the clock for the gate's timers.
func WithClock(c clock.Clock) Option { return func(g *Gate) { g.clk = c } }

// WithInterrupter sets the playback target for barge-in.
func WithInterrupter(i Interrupter) Option { return func(g *Gate) { g.interrupter = i } }

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.log = l } }

// Gate is the wake-word state machine. Create it with [New] and drive it with
// [Gate.Run]. All exported methods are safe for concurrent use.
type Gate struct {
	capturer    Capturer
	listener    Listener
	interrupter Interrupter
	clk         clock.Clock
	metrics     *observe.Metrics
	log         *slog.Logger

	events   chan any
	loopDone chan struct{}
	running  atomic.Bool
	state    atomic.Int32

	// Owned by the loop goroutine.
	ctx          context.Context
	cfg          Config
	matcher      *Matcher
	restarts     *resilience.Backoff
	enabled      bool
	speaking     bool
	cooldownDone bool
	capture      io.Closer
	captureGen   uint64
	stateTimer   timerSlot
	restartTimer timerSlot
}

type (
	evEnable    struct{ on bool }
	evConfig    struct{ cfg Config }
	evSpeaking  struct{ on bool }
	evUtterance struct {
		gen  uint64
		text string
	}
	evCaptureErr struct {
		gen uint64
		err error
	}
	evTimer struct {
		slot *timerSlot
		gen  uint64
	}
)

// New returns a Gate reporting to l.
func New(c Capturer, l Listener, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		capturer: c,
		listener: l,
		clk:      clock.Real(),
		log:      slog.Default(),
		events:   make(chan any, 32),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.apply(cfg)
	return g
}

// State returns the current state.
func (g *Gate) State() State { return State(g.state.Load()) }

// Enable moves a disabled gate to listening. With no keywords configured the
// gate stays disabled.
func (g *Gate) Enable() { g.post(evEnable{on: true}) }

// Disable cancels all timers, stops capture and moves the gate to disabled.
func (g *Gate) Disable() { g.post(evEnable{on: false}) }

// Update replaces the gate configuration. It takes effect for the next
// utterance; Enabled is ignored.
func (g *Gate) Update(cfg Config) { g.post(evConfig{cfg: cfg}) }

// SetSpeaking tells the gate whether a reply is playing.
func (g *Gate) SetSpeaking(on bool) { g.post(evSpeaking{on: on}) }

// Run processes events until ctx is cancelled, then disables the gate.
func (g *Gate) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(g.loopDone)
	g.ctx = ctx
	defer g.disable()

	if g.cfg.Enabled {
		g.enable()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-g.events:
			g.handle(ev)
		}
	}
}

func (g *Gate) post(ev any) {
	select {
	case g.events <- ev:
	case <-g.loopDone:
	}
}

func (g *Gate) handle(ev any) {
	switch ev := ev.(type) {
	case evEnable:
		if ev.on {
			g.enable()
		} else {
			g.disable()
		}
	case evConfig:
		ev.cfg.Enabled = g.cfg.Enabled
		g.apply(ev.cfg)
		if g.enabled && g.matcher.Empty() {
			g.log.Warn("wakeword: keyword set now empty, disabling")
			g.disable()
		}
	case evSpeaking:
		g.onSpeaking(ev.on)
	case evUtterance:
		g.onUtterance(ev.gen, ev.text)
	case evCaptureErr:
		g.onCaptureError(ev.gen, ev.err)
	case evTimer:
		if !ev.slot.current(ev.gen) {
			return
		}
		ev.slot.t = nil
		switch ev.slot {
		case &g.stateTimer:
			g.onStateTimer()
		case &g.restartTimer:
			g.onRestartTimer()
		}
	}
}

func (g *Gate) apply(cfg Config) {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = cfg.Cooldown
	}
	g.cfg = cfg
	g.matcher = NewMatcher(cfg.Keywords, cfg.FuzzyMatch)
	g.restarts = resilience.NewBackoff(resilience.BackoffConfig{
		Name:       "capture",
		MaxRetries: cfg.MaxRestarts,
		Backoff:    cfg.RestartDelay,
		MaxBackoff: cfg.MaxRestartDelay,
	})
}

func (g *Gate) setState(s State) {
	if State(g.state.Swap(int32(s))) == s {
		return
	}
	g.log.Debug("wakeword: state", "state", s)
	g.listener.StateChanged(s)
}

func (g *Gate) enable() {
	if g.enabled {
		return
	}
	if g.matcher.Empty() {
		g.log.Warn("wakeword: no keywords configured, gate stays disabled")
		return
	}
	g.enabled = true
	g.restarts.Success()
	g.setState(Listening)
	g.startCapture()
}

func (g *Gate) disable() {
	g.enabled = false
	g.cooldownDone = false
	g.stateTimer.cancel()
	g.restartTimer.cancel()
	g.stopCapture()
	g.setState(Disabled)
}

// startCapture replaces any running capture with a fresh session. Without
// barge-in, capture is deferred while a reply plays.
func (g *Gate) startCapture() {
	g.stopCapture()
	if !g.enabled {
		return
	}
	if g.speaking && !g.cfg.BargeIn {
		g.log.Debug("wakeword: reply playing, capture deferred")
		return
	}
	g.captureGen++
	c, err := g.capturer.StartCapture(g.ctx, &captureListener{g: g, gen: g.captureGen})
	if err != nil {
		g.onCaptureError(g.captureGen, err)
		return
	}
	g.capture = c
}

func (g *Gate) stopCapture() {
	g.captureGen++
	if g.capture != nil {
		// Close waits for the session's goroutines, which may be posting
		// into this loop.
		go g.capture.Close()
		g.capture = nil
	}
}

func (g *Gate) onUtterance(gen uint64, text string) {
	if gen != g.captureGen || !g.enabled {
		return
	}
	g.capture = nil
	g.restarts.Success()

	switch g.State() {
	case Listening:
		if text == "" {
			g.startCapture()
			return
		}
		m, ok := g.matcher.Find(text)
		if !ok {
			g.log.Debug("wakeword: no keyword", "text", text)
			g.startCapture()
			return
		}
		g.log.Info("wakeword: detected", "keyword", m.Keyword, "fuzzy", m.Fuzzy, "text", text)
		g.metrics.RecordWakeWord(g.ctx, m.Keyword)
		if g.speaking && g.interrupter != nil {
			g.interrupter.BargeIn()
		}
		g.listener.WakeWordDetected(m.Keyword, text)

		command := text
		if g.cfg.StripWakeWord {
			command = m.Command
		}
		if command != "" {
			g.emitCommand(command, text)
			return
		}
		g.setState(WaitingCommand)
		g.stateTimer.arm(g, g.cfg.CommandTimeout)
		g.startCapture()

	case WaitingCommand:
		if text == "" {
			g.startCapture()
			return
		}
		g.stateTimer.cancel()
		g.emitCommand(text, text)
	}
}

func (g *Gate) emitCommand(command, source string) {
	g.log.Info("wakeword: command", "command", command)
	g.listener.CommandDetected(command, source)
	g.stopCapture()
	g.restartTimer.cancel()
	g.cooldownDone = false
	g.setState(Cooldown)
	g.stateTimer.arm(g, g.cfg.Cooldown)
}

func (g *Gate) onCaptureError(gen uint64, err error) {
	if gen != g.captureGen || !g.enabled {
		return
	}
	g.capture = nil
	g.listener.Error(err)

	delay, ok := g.restarts.Failure()
	if !ok {
		g.listener.Error(ErrRestartsExhausted)
		g.disable()
		return
	}
	g.restartTimer.arm(g, delay)
}

func (g *Gate) onStateTimer() {
	switch g.State() {
	case WaitingCommand:
		g.log.Debug("wakeword: command timeout")
		g.setState(Listening)
		g.startCapture()
	case Cooldown:
		if !g.enabled {
			return
		}
		if g.speaking && !g.cfg.BargeIn {
			g.cooldownDone = true
			return
		}
		g.setState(Listening)
		g.startCapture()
	}
}

func (g *Gate) onRestartTimer() {
	if !g.enabled {
		return
	}
	switch g.State() {
	case Listening, WaitingCommand:
		g.startCapture()
	}
}

func (g *Gate) onSpeaking(on bool) {
	g.speaking = on
	if on || !g.enabled {
		return
	}
	switch g.State() {
	case Cooldown:
		if g.cooldownDone {
			g.cooldownDone = false
			g.setState(Listening)
			g.startCapture()
		}
	case Listening, WaitingCommand:
		if g.capture == nil && g.restartTimer.t == nil {
			g.startCapture()
		}
	}
}

// timerSlot is a single owned timer. Arming it cancels the previous one, and
// the generation makes a firing that raced with a cancel harmless.
type timerSlot struct {
	gen uint64
	t   clock.Timer
}

func (s *timerSlot) arm(g *Gate, d time.Duration) {
	s.cancel()
	gen := s.gen
	s.t = g.clk.AfterFunc(d, func() { g.post(evTimer{slot: s, gen: gen}) })
}

func (s *timerSlot) cancel() {
	s.gen++
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}

func (s *timerSlot) current(gen uint64) bool { return gen == s.gen }

// captureListener forwards one capture session's outcome into the loop.
type captureListener struct {
	g   *Gate
	gen uint64
}

func (l *captureListener) UtteranceComplete(text string) {
	l.g.post(evUtterance{gen: l.gen, text: text})
}

func (l *captureListener) Error(err error) {
	l.g.post(evCaptureErr{gen: l.gen, err: err})
}
