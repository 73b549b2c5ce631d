// Package elevenlabs synthesises speech with the ElevenLabs stream-input
// websocket.
//
// A Synthesize call is one short-lived input stream: open, send the segment
// text, flush, and gather PCM until the server marks the stream final.
package elevenlabs

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"

	maxMessage = 8 << 20
)

var _ tts.Provider = (*Provider)(nil)

// Provider talks to ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	voice        string
	outputFormat string
	sampleRate   int
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the default model.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithVoice selects the voice used when a request names none.
func WithVoice(id string) Option { return func(p *Provider) { p.voice = id } }

// WithOutputFormat selects a raw PCM format such as "pcm_22050". Encoded
// formats are rejected by [New].
func WithOutputFormat(format string) Option { return func(p *Provider) { p.outputFormat = format } }

// WithHTTPClient replaces the client used for the voices endpoint.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }

// WithBaseURLs points the provider at other websocket and REST roots.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.httpBase = strings.TrimRight(httpBase, "/")
	}
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voice:        defaultVoice,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// pcmRate reads the rate out of a format such as "pcm_22050".
func pcmRate(format string) (int, error) {
	digits, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	if rate, err := strconv.Atoi(digits); err == nil && rate > 0 {
		return rate, nil
	}
	return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
}

// inputMessage is every client frame of the stream-input protocol. The
// first frame carries the key and voice settings, the last is empty text.
type inputMessage struct {
	Text          string         `json:"text"`
	APIKey        string         `json:"xi_api_key,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Trigger       bool           `json:"try_trigger_generation,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type streamReply struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) streamURL(voice, model string) string {
	q := url.Values{"model_id": {model}, "output_format": {p.outputFormat}}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input?" + q.Encode()
}

// Synthesize speaks req.Text with the request's voice and model, or the
// provider defaults.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	u := p.streamURL(cmp.Or(req.Voice, p.voice), cmp.Or(req.Model, p.model))
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessage)

	// The protocol rejects an empty first text, hence the single space.
	for _, m := range []inputMessage{
		{Text: " ", APIKey: p.apiKey, VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: req.Text + " ", Trigger: true},
		{Text: ""},
	} {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	pcm, err := gather(ctx, conn)
	if err != nil {
		return nil, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return &tts.Audio{PCM: pcm, SampleRate: p.sampleRate, Channels: 1}, nil
}

// gather concatenates audio until the final marker. A normal close after
// some audio also ends the stream.
func gather(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm bytes.Buffer
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && pcm.Len() > 0 {
				return pcm.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var r streamReply
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("elevenlabs: decode reply: %w", err)
		}
		if r.Error != "" {
			return nil, fmt.Errorf("elevenlabs: server error: %s", r.Error)
		}
		if r.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(r.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm.Write(chunk)
		}
		if !r.IsFinal {
			continue
		}
		if pcm.Len() == 0 {
			return nil, errors.New("elevenlabs: stream ended without audio")
		}
		return pcm.Bytes(), nil
	}
}
