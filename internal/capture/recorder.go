package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRecording is returned by StartRecording while a recording is active.
	ErrRecording = errors.New("capture: already recording")

	// ErrNotRecording is returned by StopRecording without an active recording.
	ErrNotRecording = errors.New("capture: not recording")
)

// Recorder is push-to-talk: the user starts and stops capture explicitly and
// no silence endpointing is applied.
type Recorder struct {
	factory *Factory

	mu   sync.Mutex
	sess *Session
}

// NewRecorder returns a Recorder that starts manual sessions from f.
func NewRecorder(f *Factory) *Recorder {
	return &Recorder{factory: f}
}

// StartRecording opens the microphone and the transport. ctx bounds the
// recording.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		select {
		case <-r.sess.Done():
		default:
			return ErrRecording
		}
	}
	sess, err := r.factory.StartManual(ctx, nil)
	if err != nil {
		return err
	}
	r.sess = sess
	return nil
}

// StopRecording ends the recording and returns its transcript once the
// transport has delivered its late finals. ctx bounds the wait.
func (r *Recorder) StopRecording(ctx context.Context) (string, error) {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()
	if sess == nil {
		return "", ErrNotRecording
	}
	sess.End()
	text, err := sess.Wait(ctx)
	if err != nil {
		_ = sess.Close()
		return "", err
	}
	return text, nil
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return false
	}
	select {
	case <-r.sess.Done():
		return false
	default:
		return true
	}
}

// Cancel aborts an active recording without a transcript.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
