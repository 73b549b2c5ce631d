// Package mock provides a scripted [tts.Provider] for tests.
//
//	p := &mock.Provider{Audio: &tts.Audio{PCM: pcm, SampleRate: 22050, Channels: 1}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall is one recorded Synthesize.
type SynthesizeCall struct {
	Ctx     context.Context
	Request tts.Request
}

// Provider answers every request with Audio or SynthesizeErr unless
// SynthesizeFunc is set.
type Provider struct {
	Audio         *tts.Audio
	SynthesizeErr error
	// SynthesizeFunc runs outside the lock and may block.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (*tts.Audio, error)

	ListVoicesResult []tts.Voice
	ListVoicesErr    error

	// SynthesizeCalls is appended under the provider lock. Use Calls while
	// synthesis may still be running.
	SynthesizeCalls []SynthesizeCall

	mu sync.Mutex
}

func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Request: req})
	p.mu.Unlock()
	switch {
	case p.SynthesizeFunc != nil:
		return p.SynthesizeFunc(ctx, req)
	case p.SynthesizeErr != nil:
		return nil, p.SynthesizeErr
	}
	return p.Audio, nil
}

func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns the Synthesize calls so far.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.SynthesizeCalls)
}
