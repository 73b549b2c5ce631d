// Package wsstream runs a streaming recognition session over a websocket.
//
// One goroutine writes audio in call order and, after Stop, flushes what is
// queued and sends the end-of-audio message. Another reads server messages,
// turns them into transcript events through a [Codec] and is the only sender
// on the event channel. Providers differ only in their Codec.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// ErrEnd is returned by [Codec.Decode] when the server reports that
// recognition finished. The session then ends without error.
var ErrEnd = errors.New("wsstream: end of stream")

// Message is one websocket frame.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// Codec maps a provider's wire protocol onto a session.
type Codec interface {
	// Audio frames one PCM chunk.
	Audio(chunk []byte) (Message, error)
	// Stop frames the end-of-audio message.
	Stop() (Message, error)
	// Decode interprets one server message. ok reports whether ev should be
	// delivered. A non-nil error ends the session; [ErrEnd] ends it cleanly.
	Decode(data []byte) (ev stt.TranscriptEvent, ok bool, err error)
}

// Queue sizes.
const (
	EventBuffer = 64
	AudioBuffer = 256
)

// Session implements [stt.SessionHandle] over conn.
type Session struct {
	name  string
	conn  *websocket.Conn
	codec Codec

	events chan stt.TranscriptEvent
	audio  chan []byte

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*Session)(nil)

// Start takes ownership of conn and starts the read and write loops. name
// prefixes error messages.
func Start(name string, conn *websocket.Conn, codec Codec) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:     name,
		conn:     conn,
		codec:    codec,
		events:   make(chan stt.TranscriptEvent, EventBuffer),
		audio:    make(chan []byte, AudioBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	s.wg.Go(func() { s.write(ctx) })
	s.wg.Go(func() { s.read(ctx) })
	return s
}

func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.stopping:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *Session) Events() <-chan stt.TranscriptEvent { return s.events }

// Stop asks the writer to flush and send the end-of-audio message. The
// server's remaining results still arrive on Events.
func (s *Session) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.stopOnce.Do(func() { close(s.stopping) })
	return ctx.Err()
}

// Close aborts the session and waits for both loops.
func (s *Session) Close() error {
	s.finish(nil)
	s.wg.Wait()
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish records the terminal error once and tears the connection down.
func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
		if err != nil {
			s.conn.Close(websocket.StatusInternalError, "session failed")
			return
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

func (s *Session) send(ctx context.Context, what string, m Message, err error) error {
	if err == nil {
		err = s.conn.Write(ctx, m.Type, m.Data)
	}
	if err != nil {
		return fmt.Errorf("%s: send %s: %w", s.name, what, err)
	}
	return nil
}

func (s *Session) sendAudio(ctx context.Context, chunk []byte) error {
	m, err := s.codec.Audio(chunk)
	return s.send(ctx, "audio", m, err)
}

func (s *Session) write(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.sendAudio(ctx, chunk); err != nil {
				s.finish(err)
				return
			}
		case <-s.stopping:
			if err := s.flush(ctx); err != nil {
				s.finish(err)
				return
			}
			m, err := s.codec.Stop()
			if err = s.send(ctx, "stop", m, err); err != nil {
				s.finish(err)
			}
			return
		case <-s.done:
			return
		}
	}
}

// flush sends every chunk still queued.
func (s *Session) flush(ctx context.Context) error {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.sendAudio(ctx, chunk); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) read(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.finish(nil)
				} else {
					s.finish(fmt.Errorf("%s: read: %w", s.name, err))
				}
			}
			return
		}

		ev, ok, err := s.codec.Decode(data)
		switch {
		case errors.Is(err, ErrEnd):
			s.finish(nil)
			return
		case err != nil:
			s.finish(err)
			return
		case !ok:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
