// Package mock provides scripted stt sessions for tests.
//
//	sess := mock.NewSession()
//	sess.OnStop = func(s *mock.Session) {
//	    s.Emit(stt.TranscriptEvent{SentenceID: "0", Text: "hi", IsFinal: true})
//	    s.Complete(nil)
//	}
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
package mock

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall is one recorded StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Sessions in order, then fresh ones.
type Provider struct {
	Sessions       []*Session
	StartStreamErr error

	// StartStreamCalls is appended under the provider lock; read it once the
	// code under test is done.
	StartStreamCalls []StartStreamCall

	mu      sync.Mutex
	started []*Session
}

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	}
	p.started = append(p.started, s)
	return s, nil
}

// Started returns the sessions handed out so far.
func (p *Provider) Started() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.started)
}

// CallCount returns how often StartStream was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is driven by the test through Emit and Complete.
type Session struct {
	// OnStop runs outside the lock when Stop is called.
	OnStop func(*Session)

	mu     sync.Mutex
	events chan stt.TranscriptEvent
	ended  bool
	err    error
	audio  [][]byte
	stops  int
	closes int
}

// NewSession returns an open session whose Events holds up to 64 events.
func NewSession() *Session {
	return &Session{events: make(chan stt.TranscriptEvent, 64)}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, bytes.Clone(chunk))
	return nil
}

func (s *Session) Events() <-chan stt.TranscriptEvent { return s.events }

func (s *Session) Stop(context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	s.stops++
	fn := s.OnStop
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.Complete(nil)
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit queues ev unless the session already ended.
func (s *Session) Emit(ev stt.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.events <- ev
	}
}

// Complete ends the session with err and closes Events. Only the first call
// counts.
func (s *Session) Complete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended, s.err = true, err
	close(s.events)
}

// AudioCount returns how many chunks were sent.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Stopped returns how often Stop was called on the open session.
func (s *Session) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Closed returns how often Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
