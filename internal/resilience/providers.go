package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// The wrappers below expose a [FallbackGroup] as a provider of its kind.
// Only call setup fails over: a stream that breaks after it started ends with
// its error, and the caller decides whether to retry.
var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ llm.Provider = (*LLMFallback)(nil)
)

func kind(cfg FallbackConfig, k string) FallbackConfig {
	if cfg.Kind == "" {
		cfg.Kind = k
	}
	return cfg
}

// TTSFallback retries a failed segment on the next healthy synthesis backend,
// so a flaky service costs latency instead of a gap in the reply.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

// NewTTSFallback returns a group preferring primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, name, kind(cfg, "tts"))}
}

// AddFallback registers another backend. Voices and models are backend
// specific, so a fallback gets each request with Voice and Model cleared and
// uses its own defaults.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.FallbackGroup.AddFallback(name, ownDefaults{p})
}

func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p tts.Provider) (*tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}

type ownDefaults struct{ tts.Provider }

func (p ownDefaults) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	return p.Provider.Synthesize(ctx, tts.Request{Text: req.Text})
}

// STTFallback opens recognition sessions on the first healthy backend. A
// session that breaks mid-utterance is replaced by the capture restart.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// NewSTTFallback returns a group preferring primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, name, kind(cfg, "stt"))}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// LLMFallback sends chat requests to the first healthy model backend.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// NewLLMFallback returns a group preferring primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, name, kind(cfg, "llm"))}
}

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}
