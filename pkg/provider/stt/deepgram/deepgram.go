// Package deepgram streams recognition from Deepgram's live transcription
// websocket.
//
// Deepgram does not number sentences. Each result's start offset, in
// milliseconds, serves as its SentenceID: interim results for the same span
// share an offset, so later hypotheses replace earlier ones.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/wsstream"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	hintBoost         = 5
)

var _ stt.Provider = (*Provider)(nil)

// Provider opens Deepgram live sessions.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the model, "nova-3" by default.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the default BCP-47 language. A session's own Language
// takes precedence.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when a session does not give one.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.sampleRate = rate } }

// WithEndpoint replaces the listen URL.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram with the session's rate, language and hints.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return wsstream.Start("deepgram", conn, codec{}), nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", cmp.Or(cfg.Language, p.language))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cmp.Or(cfg.SampleRate, p.sampleRate)))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, h := range cfg.Hints {
		q.Add("keywords", h+":"+strconv.Itoa(hintBoost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// codec sends raw PCM as binary frames and asks Deepgram to flush with
// CloseStream. Deepgram ends the session by closing the socket normally.
type codec struct{}

func (codec) Audio(chunk []byte) (wsstream.Message, error) {
	return wsstream.Message{Type: websocket.MessageBinary, Data: chunk}, nil
}

func (codec) Stop() (wsstream.Message, error) {
	return wsstream.Message{Type: websocket.MessageText, Data: []byte(`{"type":"CloseStream"}`)}, nil
}

func (codec) Decode(data []byte) (stt.TranscriptEvent, bool, error) {
	ev, ok := parseDeepgramResponse(data)
	return ev, ok, nil
}

type deepgramResponse struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse reports false for anything but a Results message
// with at least one alternative.
func parseDeepgramResponse(data []byte) (stt.TranscriptEvent, bool) {
	var r deepgramResponse
	if json.Unmarshal(data, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.TranscriptEvent{}, false
	}
	best := r.Channel.Alternatives[0]
	return stt.TranscriptEvent{
		SentenceID: strconv.FormatInt(int64(r.Start*1000), 10),
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
	}, true
}
