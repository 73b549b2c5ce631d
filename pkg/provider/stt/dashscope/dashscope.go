// Package dashscope recognises speech through a DashScope-compatible relay
// (paraformer-realtime models behind a websocket).
//
// Every frame is one JSON text message:
//
//	client -> server  {"type":"audio","data":"<base64 PCM16>"}
//	client -> server  {"type":"stop"}
//	server -> client  {"event":"open"}
//	server -> client  {"event":"transcription","text":"...","is_final":false,"sentence_id":"1200"}
//	server -> client  {"event":"complete"} | {"event":"close"} | {"event":"error","message":"..."}
//
// The relay only accepts 16 kHz mono PCM16.
package dashscope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/wsstream"
)

const requiredSampleRate = 16000

var _ stt.Provider = (*Provider)(nil)

// Provider dials the relay once per session.
type Provider struct {
	url    string
	apiKey string
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIKey sends key as a bearer token on the handshake.
func WithAPIKey(key string) Option { return func(p *Provider) { p.apiKey = key } }

// New returns a Provider for wsURL, for example
// "ws://localhost:8000/api/v1/asr/ws".
func New(wsURL string, opts ...Option) (*Provider, error) {
	if wsURL == "" {
		return nil, errors.New("dashscope: url is required")
	}
	p := &Provider{url: wsURL}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream rejects any format other than 16 kHz mono before dialling.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != requiredSampleRate {
		return nil, fmt.Errorf("dashscope: sample rate %d not supported, want %d", cfg.SampleRate, requiredSampleRate)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("dashscope: %d channels not supported, want mono", cfg.Channels)
	}

	var opts websocket.DialOptions
	if p.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + p.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, p.url, &opts)
	if err != nil {
		return nil, fmt.Errorf("dashscope: dial: %w", err)
	}
	return wsstream.Start("dashscope", conn, codec{}), nil
}

type request struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type event struct {
	Event      string `json:"event"`
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
	SentenceID string `json:"sentence_id"`
	Message    string `json:"message"`
}

type codec struct{}

func text(v any) (wsstream.Message, error) {
	b, err := json.Marshal(v)
	return wsstream.Message{Type: websocket.MessageText, Data: b}, err
}

func (codec) Audio(chunk []byte) (wsstream.Message, error) {
	return text(request{Type: "audio", Data: base64.StdEncoding.EncodeToString(chunk)})
}

func (codec) Stop() (wsstream.Message, error) {
	return text(request{Type: "stop"})
}

func (codec) Decode(data []byte) (stt.TranscriptEvent, bool, error) {
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Debug("dashscope: ignoring malformed message", "err", err)
		return stt.TranscriptEvent{}, false, nil
	}
	switch e.Event {
	case "transcription":
		return stt.TranscriptEvent{SentenceID: e.SentenceID, Text: strings.TrimSpace(e.Text), IsFinal: e.IsFinal}, true, nil
	case "complete", "close":
		return stt.TranscriptEvent{}, false, wsstream.ErrEnd
	case "error":
		return stt.TranscriptEvent{}, false, fmt.Errorf("dashscope: recognition error: %s", e.Message)
	case "open":
		slog.Debug("dashscope: recognition started")
	}
	return stt.TranscriptEvent{}, false, nil
}
