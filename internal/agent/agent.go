// Package agent streams chat replies for recognised voice commands.
//
// The agent itself is thin: it keeps a short conversation history, sends the
// command to an [llm.Provider] and forwards the streamed text as [Fragment]
// values. Reasoning and tool use live behind the provider.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// ErrEmptyCommand is returned by Reply for a blank command.
var ErrEmptyCommand = errors.New("agent: empty command")

// Fragment is one piece of a streamed reply. A fragment with a non-nil Err
// is the last one.
type Fragment struct {
	Text string
	Err  error
}

// Option configures an [Agent].
type Option func(*Agent)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(p string) Option { return func(a *Agent) { a.systemPrompt = p } }

// WithHistory keeps earlier turns within the given token budget. Without it
// every command is answered on its own.
func WithHistory(maxTokens int) Option {
	return func(a *Agent) { a.history = NewHistory(maxTokens) }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option { return func(a *Agent) { a.maxTokens = n } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(a *Agent) { a.temperature = t } }

// WithProviderName labels metrics and logs.
func WithProviderName(name string) Option { return func(a *Agent) { a.name = name } }

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(a *Agent) { a.metrics = m } }

// Agent answers commands through an LLM. It is safe for concurrent use.
type Agent struct {
	provider llm.Provider
	history  *History
	name     string
	metrics  *observe.Metrics

	mu           sync.RWMutex
	systemPrompt string
	maxTokens    int
	temperature  float64
}

// New returns an Agent backed by p.
func New(p llm.Provider, opts ...Option) *Agent {
	a := &Agent{provider: p, name: "llm"}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// SetSystemPrompt replaces the system prompt for later replies.
func (a *Agent) SetSystemPrompt(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPrompt = p
}

// SetSampling replaces the reply length cap and temperature for later replies.
func (a *Agent) SetSampling(maxTokens int, temperature float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxTokens, a.temperature = maxTokens, temperature
}

// History returns the conversation history, or nil when disabled.
func (a *Agent) History() *History { return a.history }

// Reply streams the answer to command. The channel is closed at the end of
// the reply or when ctx is cancelled. A completed reply is added to the
// history.
func (a *Agent) Reply(ctx context.Context, command string) (<-chan Fragment, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, ErrEmptyCommand
	}

	a.mu.RLock()
	req := llm.CompletionRequest{
		SystemPrompt: a.systemPrompt,
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
	}
	a.mu.RUnlock()
	if a.history != nil {
		req.Messages = a.history.Messages()
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: command})

	ctx, span := observe.StartSpan(ctx, "agent.reply", trace.WithAttributes(
		attribute.String("provider", a.name),
		attribute.Int("messages", len(req.Messages)),
	))
	start := time.Now()
	chunks, err := a.provider.StreamCompletion(ctx, req)
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, a.name, "llm", "error")
		a.metrics.RecordProviderError(ctx, a.name, "llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("agent: reply: %w", err)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer span.End()
		defer audio.Drain(chunks)
		log := observe.Logger(ctx)

		send := func(f Fragment) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var text strings.Builder
		first := true
		for c := range chunks {
			if first {
				a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
				first = false
			}
			if c.FinishReason == llm.FinishError {
				err := c.Err
				if err == nil {
					err = errors.New(c.Text)
				}
				a.metrics.RecordProviderRequest(ctx, a.name, "llm", "error")
				a.metrics.RecordProviderError(ctx, a.name, "llm")
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				log.Warn("agent: reply failed", "err", err)
				send(Fragment{Err: fmt.Errorf("agent: reply: %w", err)})
				return
			}
			if c.Text == "" {
				continue
			}
			text.WriteString(c.Text)
			if !send(Fragment{Text: c.Text}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		a.metrics.RecordProviderRequest(ctx, a.name, "llm", "ok")
		log.Debug("agent: reply complete", "bytes", text.Len(), "latency", time.Since(start))
		if a.history != nil {
			a.history.Add(command, text.String())
		}
	}()
	return out, nil
}

// Complete answers command in one piece.
func (a *Agent) Complete(ctx context.Context, command string) (string, error) {
	frags, err := a.Reply(ctx, command)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for f := range frags {
		if f.Err != nil {
			return b.String(), f.Err
		}
		b.WriteString(f.Text)
	}
	return b.String(), ctx.Err()
}

// TextStream adapts frags to the plain text channel the speaker consumes.
// The returned wait function blocks until frags is exhausted and reports the
// reply error, if any. Text after an error is discarded.
func TextStream(frags <-chan Fragment) (texts <-chan string, wait func() error) {
	out := make(chan string)
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		defer close(out)
		for f := range frags {
			if f.Err != nil {
				err = f.Err
				break
			}
			out <- f.Text
		}
		audio.Drain(frags)
	}()
	return out, func() error {
		<-done
		return err
	}
}
