package dashscope_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/dashscope"
)

// backend is an in-process recognition relay. It records audio until the
// client stops, then replays the scripted server messages.
type backend struct {
	script []string

	mu    sync.Mutex
	audio [][]byte
	auth  string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.auth = r.Header.Get("Authorization")
	b.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"open","message":"Recognition started"}`))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m struct{ Type, Data string }
		_ = json.Unmarshal(data, &m)
		if m.Type == "stop" {
			break
		}
		pcm, _ := base64.StdEncoding.DecodeString(m.Data)
		b.mu.Lock()
		b.audio = append(b.audio, pcm)
		b.mu.Unlock()
	}
	for _, msg := range b.script {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
	}
	_, _, _ = conn.Read(ctx)
}

func start(t *testing.T, b *backend, opts ...dashscope.Option) stt.SessionHandle {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	p, err := dashscope.New("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/asr/ws", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func collect(t *testing.T, sess stt.SessionHandle) []stt.TranscriptEvent {
	t.Helper()
	var out []stt.TranscriptEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events to close")
		}
	}
}

func TestSession_StopDeliversFinals(t *testing.T) {
	t.Parallel()
	b := &backend{script: []string{
		`{"event":"transcription","text":"小助","is_final":false,"sentence_id":"0","request_id":"r1"}`,
		`{"event":"transcription","text":"小助手","is_final":true,"sentence_id":"0","request_id":"r1"}`,
		`{"event":"transcription","text":" 现在几点 ","is_final":true,"sentence_id":"1800","request_id":"r1"}`,
		`{"event":"complete","message":"Recognition completed"}`,
	}}
	sess := start(t, b, dashscope.WithAPIKey("secret"))

	for _, chunk := range [][]byte{{1, 0}, {2, 0}, {3, 0}} {
		if err := sess.SendAudio(chunk); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := collect(t, sess)
	want := []stt.TranscriptEvent{
		{SentenceID: "0", Text: "小助"},
		{SentenceID: "0", Text: "小助手", IsFinal: true},
		{SentenceID: "1800", Text: "现在几点", IsFinal: true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.audio) != 3 || b.audio[0][0] != 1 || b.audio[2][0] != 3 {
		t.Errorf("audio = %v, want three chunks in order", b.audio)
	}
	if b.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", b.auth)
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after completion = %v, want ErrSessionClosed", err)
	}
}

func TestSession_ErrorEvent(t *testing.T) {
	t.Parallel()
	b := &backend{script: []string{`{"event":"error","message":"quota exhausted"}`}}
	sess := start(t, b)

	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := collect(t, sess); len(got) != 0 {
		t.Errorf("unexpected events %+v", got)
	}
	if err := sess.Err(); err == nil || !strings.Contains(err.Error(), "quota exhausted") {
		t.Errorf("Err = %v, want recognition error", err)
	}
}

func TestSession_CloseAborts(t *testing.T) {
	t.Parallel()
	sess := start(t, &backend{})

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("Events still open after Close")
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio = %v, want ErrSessionClosed", err)
	}
	if err := sess.Stop(context.Background()); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Stop = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestStartStream_RejectsFormat(t *testing.T) {
	t.Parallel()
	p, _ := dashscope.New("ws://unused")
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 48000}); err == nil {
		t.Error("expected error for 48 kHz")
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 2}); err == nil {
		t.Error("expected error for stereo")
	}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := dashscope.New(""); err == nil {
		t.Fatal("expected error")
	}
}
