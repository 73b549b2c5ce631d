// Package mock provides a scripted [vad.Engine] for tests.
package mock

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Sessions that replay Script.
type Engine struct {
	// Script is the sequence of events each new session returns, one per
	// frame. Once exhausted the last event repeats; an empty script reports
	// silence.
	Script []vad.Event

	// NewSessionErr, when set, fails every NewSession call.
	NewSessionErr error

	mu       sync.Mutex
	configs  []vad.Config
	sessions []*Session
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{script: append([]vad.Event(nil), e.Script...)}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Configs returns the config of every NewSession call.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Sessions returns the sessions created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session replays a script of events.
type Session struct {
	mu     sync.Mutex
	script []vad.Event
	frames int
	resets int
	closed bool
}

func (s *Session) ProcessFrame(audio.AudioFrame) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrSessionClosed
	}
	i := s.frames
	s.frames++
	switch {
	case len(s.script) == 0:
		return vad.Event{Type: vad.Silence}, nil
	case i >= len(s.script):
		i = len(s.script) - 1
	}
	return s.script[i], nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns how many times Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
