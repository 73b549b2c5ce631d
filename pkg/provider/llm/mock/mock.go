// Package mock is a scripted [llm.Provider] for tests.
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: "!", FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays fixed replies and records what it was asked. The script
// fields may be set before first use only.
type Provider struct {
	// StreamChunks are sent in order, then the channel closes.
	StreamChunks []llm.Chunk
	// StreamErr makes StreamCompletion fail to start.
	StreamErr error
	// Hold gates every chunk until it is closed.
	Hold chan struct{}

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	mu        sync.Mutex
	streams   []Call
	completes []Call
}

// StreamCompletion replays StreamChunks. Cancelling ctx closes the channel
// early.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streams = append(p.streams, Call{Ctx: ctx, Req: req})
	p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, c := range p.StreamChunks {
			if !p.wait(ctx) {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// wait blocks on Hold, reporting false if ctx ends first.
func (p *Provider) wait(ctx context.Context) bool {
	if p.Hold == nil {
		return true
	}
	select {
	case <-p.Hold:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete returns CompleteResponse and CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.completes = append(p.completes, Call{Ctx: ctx, Req: req})
	p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// Streams returns the StreamCompletion calls so far.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.streams)
}

// Completes returns the Complete calls so far.
func (p *Provider) Completes() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.completes)
}
