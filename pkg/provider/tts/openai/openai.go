// Package openai synthesises speech with the OpenAI audio/speech endpoint.
// Replies are requested as raw "pcm": 24 kHz mono PCM16.
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"
	pcmRate      = 24000
)

// voices are the names the speech endpoint accepts. There is no listing call.
var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer", "verse"}

var _ tts.Provider = (*Provider)(nil)

// Provider is a [tts.Provider] over OpenAI speech.
type Provider struct {
	client  oai.Client
	model   string
	voice   string
	reqOpts []option.RequestOption
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the client at another compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithBaseURL(url)) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.reqOpts = append(p.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithModel sets the default speech model.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithVoice sets the default voice.
func WithVoice(voice string) Option { return func(p *Provider) { p.voice = voice } }

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	p := &Provider{model: defaultModel, voice: defaultVoice, reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)}}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(p.reqOpts...)
	return p, nil
}

func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(cmp.Or(req.Model, p.model)),
		Voice:          oai.AudioSpeechNewParamsVoice(cmp.Or(req.Voice, p.voice)),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	switch {
	case err != nil:
		return nil, fmt.Errorf("openai: speech body: %w", err)
	case len(pcm) == 0:
		return nil, errors.New("openai: speech: empty audio")
	}
	return &tts.Audio{PCM: pcm, SampleRate: pcmRate, Channels: 1}, nil
}

// ListVoices returns the fixed voice set.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, len(voices))
	for i, v := range voices {
		out[i] = tts.Voice{ID: v, Name: v, Provider: "openai"}
	}
	return out, nil
}
