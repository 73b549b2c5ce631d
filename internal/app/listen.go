package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/capture"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/wakeword"
)

// commandQueue bounds the commands waiting for a reply. Commands beyond it
// are dropped with a warning.
const commandQueue = 4

// Listen runs the wake-word loop until ctx is cancelled: every detected
// command is answered by the agent and spoken. When server.listen_addr is set
// the health server runs alongside. Returns nil on cancellation.
func (a *App) Listen(ctx context.Context) error {
	if a.factory == nil {
		return fmt.Errorf("%w: stt", ErrNotConfigured)
	}
	if a.agent == nil {
		return fmt.Errorf("%w: llm", ErrNotConfigured)
	}
	cfg := a.Config()

	gl := &gateListener{
		printer:  a.printer,
		commands: make(chan string, commandQueue),
		fatal:    make(chan error, 1),
	}
	g := wakeword.New(a.factory, gl, gateConfig(cfg),
		wakeword.WithClock(a.clk),
		wakeword.WithInterrupter(a.speaker),
		wakeword.WithMetrics(a.metrics),
	)

	var srv *health.Server
	if cfg.Server.ListenAddr != "" {
		s, err := health.Listen(cfg.Server.ListenAddr, a.healthHandler(g), a.metrics)
		if err != nil {
			return fmt.Errorf("app: health server: %w", err)
		}
		srv = s
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.Run(ctx) })
	// Gate methods block until Run is looping; publish only after it is started.
	a.mu.Lock()
	a.gate = g
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.gate = nil
		a.mu.Unlock()
	}()
	eg.Go(func() error { return a.serveCommands(ctx, gl) })
	if srv != nil {
		eg.Go(func() error { return srv.Serve(ctx) })
	}

	if cfg.WakeWord.Enabled && len(cfg.WakeWord.Keywords) > 0 {
		a.printer.Status(fmt.Sprintf("listening for %v", cfg.WakeWord.Keywords))
	} else {
		a.printer.Status("wake word disabled; enable it in the config to start listening")
	}

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serveCommands(ctx context.Context, gl *gateListener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-gl.fatal:
			return fmt.Errorf("app: %w", err)
		case cmd := <-gl.commands:
			if _, err := a.Respond(ctx, cmd); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("app: reply failed", "err", err)
				a.printer.Status("reply failed: " + err.Error())
			}
		}
	}
}

func (a *App) healthHandler(g *wakeword.Gate) *health.Handler {
	return health.New(
		health.Func("wakeword", "capture restarts exhausted", func() bool {
			return g.State() != wakeword.Disabled || !a.Config().WakeWord.Enabled
		}),
	)
}

// gateListener moves gate events off the loop goroutine.
type gateListener struct {
	printer  Printer
	commands chan string
	fatal    chan error
}

func (l *gateListener) WakeWordDetected(keyword, _ string) {
	l.printer.Status("wake word: " + keyword)
}

func (l *gateListener) CommandDetected(command, _ string) {
	select {
	case l.commands <- command:
	default:
		slog.Warn("app: command dropped, replies backed up", "command", command)
	}
}

func (l *gateListener) Error(err error) {
	if errors.Is(err, wakeword.ErrRestartsExhausted) {
		select {
		case l.fatal <- err:
		default:
		}
		return
	}
	slog.Warn("app: capture error", "err", err)
}

func (l *gateListener) StateChanged(s wakeword.State) {
	slog.Debug("app: gate state", "state", s.String())
}

// PushToTalk reads lines from in: each line toggles recording. Starting a
// recording interrupts the playing reply; stopping it sends the transcript
// to the agent. Returns nil when in is exhausted or ctx is cancelled.
func (a *App) PushToTalk(ctx context.Context, in io.Reader) error {
	if a.factory == nil {
		return fmt.Errorf("%w: stt", ErrNotConfigured)
	}
	if a.agent == nil {
		return fmt.Errorf("%w: llm", ErrNotConfigured)
	}
	rec := capture.NewRecorder(a.factory)
	defer rec.Cancel()

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printer.Status("press Enter to start recording")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-lines:
			if !ok {
				return nil
			}
		}
		if !rec.Recording() {
			a.speaker.BargeIn()
			if err := rec.StartRecording(ctx); err != nil {
				a.printer.Status("recording failed: " + err.Error())
				continue
			}
			a.printer.Status("recording, press Enter to stop")
			continue
		}
		text, err := rec.StopRecording(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.printer.Status("transcription failed: " + err.Error())
			continue
		}
		if text == "" {
			a.printer.Status("heard nothing")
			continue
		}
		if _, err := a.Respond(ctx, text); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.printer.Status("reply failed: " + err.Error())
			continue
		}
		a.printer.Status("press Enter to start recording")
	}
}
