// Package energy provides an RMS threshold VAD engine.
//
// A frame whose volume reaches SpeechThreshold starts or continues a speech
// span. While in speech, a frame below SilenceThreshold ends it. The frame's
// precomputed Volume is used when set; otherwise RMS is computed from Data.
package energy

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg vad.Config

	mu       sync.Mutex
	speaking bool
	closed   bool
}

func (s *session) ProcessFrame(frame audio.AudioFrame) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrSessionClosed
	}

	level := frame.Volume
	if level == 0 && len(frame.Data) > 0 {
		level = audio.RMS(frame.Data)
	}

	ev := vad.Event{Probability: level}
	switch {
	case !s.speaking && level >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.SpeechStart
	case s.speaking && level < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.SpeechEnd
	case s.speaking:
		ev.Type = vad.SpeechContinue
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.Engine = (*Engine)(nil)
