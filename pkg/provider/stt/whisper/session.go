package whisper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// transcribeFunc runs one batch inference over mono or interleaved PCM16.
type transcribeFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentation holds the silence parameters used to split a long capture into
// sentences before Stop.
type segmentation struct {
	threshold         float64
	silenceMs         int
	maxBufferDuration time.Duration
}

// batchSession adapts a batch transcriber to the streaming SessionHandle. It
// buffers audio and runs inference whenever a pause ends a sentence, when the
// buffer grows past the limit, and once more on Stop. Each inference yields a
// single final event whose SentenceID is the sentence start offset in ms.
type batchSession struct {
	transcribe transcribeFunc
	format     audio.Format
	seg        segmentation

	audio  chan []byte
	events chan stt.TranscriptEvent

	stopReq   chan struct{}
	stopOnce  sync.Once
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func newBatchSession(fn transcribeFunc, f audio.Format, seg segmentation) *batchSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &batchSession{
		transcribe: fn,
		format:     f,
		seg:        seg,
		audio:      make(chan []byte, 256),
		events:     make(chan stt.TranscriptEvent, 64),
		stopReq:    make(chan struct{}),
		closing:    make(chan struct{}),
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of PCM16 for silence analysis and buffering.
func (s *batchSession) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.stopReq:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	}
}

// Events returns the transcript stream.
func (s *batchSession) Events() <-chan stt.TranscriptEvent { return s.events }

// Stop transcribes whatever is buffered and then closes Events.
func (s *batchSession) Stop(ctx context.Context) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	default:
	}
	s.stopOnce.Do(func() { close(s.stopReq) })
	return ctx.Err()
}

// Close aborts the session without transcribing pending audio.
func (s *batchSession) Close() error {
	s.shutdown(nil)
	s.wg.Wait()
	return nil
}

// Err returns the inference error that ended the session, if any.
func (s *batchSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *batchSession) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closing)
		s.cancel()
	})
}

// processLoop owns the buffer and is the only sender on events.
func (s *batchSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
		offset    time.Duration // audio received so far
		start     time.Duration // offset of buffer[0]
	)

	flush := func() bool {
		pcm, at := buffer, start
		speech := hadSpeech
		buffer, hadSpeech, silenceMs, start = nil, false, 0, offset
		if len(pcm) == 0 || !speech {
			return true
		}
		text, err := s.transcribe(ctx, pcm)
		if err != nil {
			s.shutdown(fmt.Errorf("whisper: transcribe: %w", err))
			return false
		}
		if text == "" {
			return true
		}
		ev := stt.TranscriptEvent{SentenceID: strconv.FormatInt(at.Milliseconds(), 10), Text: text, IsFinal: true}
		select {
		case s.events <- ev:
			return true
		case <-s.closing:
			return false
		}
	}

	handle := func(chunk []byte) bool {
		d := s.format.Duration(len(chunk))
		offset += d
		if audio.RMS(chunk) < s.seg.threshold {
			if !hadSpeech {
				// Leading silence is discarded.
				start = offset
				return true
			}
			buffer = append(buffer, chunk...)
			silenceMs += int(d.Milliseconds())
			if silenceMs >= s.seg.silenceMs {
				return flush()
			}
			return true
		}
		hadSpeech = true
		silenceMs = 0
		buffer = append(buffer, chunk...)
		if s.seg.maxBufferDuration > 0 && s.format.Duration(len(buffer)) >= s.seg.maxBufferDuration {
			return flush()
		}
		return true
	}

	for {
		select {
		case chunk := <-s.audio:
			if !handle(chunk) {
				return
			}
		case <-s.stopReq:
			for drained := false; !drained; {
				select {
				case chunk := <-s.audio:
					if !handle(chunk) {
						return
					}
				default:
					drained = true
				}
			}
			if flush() {
				s.shutdown(nil)
			}
			return
		case <-s.closing:
			return
		}
	}
}

var _ stt.SessionHandle = (*batchSession)(nil)
