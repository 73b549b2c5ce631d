// Package dashscope provides a TTS provider for a DashScope-compatible speech
// backend (CosyVoice models). It talks to the backend's REST surface:
//
//	POST {base}/synthesize         -> JSON with base64 PCM
//	POST {base}/synthesize-stream  -> server-sent events of base64 PCM chunks
//	GET  {base}/voices             -> voice list
//
// The backend returns raw 16-bit little-endian PCM, 22050 Hz mono by default.
package dashscope

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

const (
	defaultModel      = "cosyvoice-v3-flash"
	defaultVoice      = "longyingtao_v3"
	defaultSampleRate = 22050
	providerName      = "dashscope"
)

// Presets are the voices the backend ships with. ListVoices falls back to
// them when the voices endpoint cannot be reached.
var Presets = []tts.Voice{
	{ID: "longyingtao_v3", Name: "龙吟桃", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhichu_v3", Name: "知初", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhitian_v3", Name: "知甜", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhiyan_v3", Name: "知燕", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhibei_v3", Name: "知贝", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhimiao_v3", Name: "知妙", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "female"}},
	{ID: "zhishuo_v3", Name: "知硕", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "male"}},
	{ID: "zhiyu_v3", Name: "知语", Provider: providerName, Language: "zh-CN", Metadata: map[string]string{"gender": "male"}},
}

// Option is a functional option for configuring the DashScope Provider.
type Option func(*Provider)

// WithModel sets the default synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithAPIKey sets a bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithStreaming makes Synthesize use the server-sent-events endpoint.
func WithStreaming(enabled bool) Option {
	return func(p *Provider) {
		p.streaming = enabled
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements tts.Provider against a DashScope-compatible backend.
type Provider struct {
	baseURL   string
	apiKey    string
	model     string
	voice     string
	streaming bool
	client    *http.Client
}

// New creates a Provider for the backend rooted at baseURL, for example
// "http://localhost:8000/api/v1/tts".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("dashscope: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   defaultModel,
		voice:   defaultVoice,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request / response shapes ----

type synthesizeRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type synthesizeResponse struct {
	Success     bool   `json:"success"`
	Audio       string `json:"audio"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	SampleWidth int    `json:"sample_width"`
	Error       string `json:"error,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

type voicesResponse struct {
	Voices []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Language string `json:"language"`
		Gender   string `json:"gender"`
	} `json:"voices"`
}

// Synthesize sends req to the backend and returns the decoded PCM.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	body := synthesizeRequest{Text: req.Text, Model: req.Model, Voice: req.Voice}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.Voice == "" {
		body.Voice = p.voice
	}
	if p.streaming {
		return p.synthesizeStream(ctx, body)
	}

	resp, err := p.post(ctx, "/synthesize", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sr synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("dashscope: decode response: %w", err)
	}
	if !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = sr.Detail
		}
		return nil, fmt.Errorf("dashscope: synthesis failed: %s", msg)
	}
	if sr.SampleWidth != 0 && sr.SampleWidth != 2 {
		return nil, fmt.Errorf("dashscope: unsupported sample width %d", sr.SampleWidth)
	}
	pcm, err := base64.StdEncoding.DecodeString(sr.Audio)
	if err != nil {
		return nil, fmt.Errorf("dashscope: decode audio: %w", err)
	}
	a := &tts.Audio{PCM: pcm, SampleRate: sr.SampleRate, Channels: sr.Channels}
	if a.SampleRate == 0 {
		a.SampleRate = defaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	return a, nil
}

// synthesizeStream reads the server-sent-events variant and concatenates the
// base64 chunks. An "error" event aborts the request.
func (p *Provider) synthesizeStream(ctx context.Context, body synthesizeRequest) (*tts.Audio, error) {
	resp, err := p.post(ctx, "/synthesize-stream", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		pcm   bytes.Buffer
		event string
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event == "error" {
				return nil, fmt.Errorf("dashscope: stream error: %s", data)
			}
			if data == "" {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, fmt.Errorf("dashscope: decode stream chunk: %w", err)
			}
			pcm.Write(chunk)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dashscope: read stream: %w", err)
	}
	if pcm.Len() == 0 {
		return nil, errors.New("dashscope: stream returned no audio")
	}
	return &tts.Audio{PCM: pcm.Bytes(), SampleRate: defaultSampleRate, Channels: 1}, nil
}

func (p *Provider) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dashscope: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("dashscope: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope: %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dashscope: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// ListVoices queries the backend's voice list. When the backend cannot be
// reached or answers with an error, the built-in Presets are returned along
// with the error so callers may choose to show them anyway.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	voices, err := p.fetchVoices(ctx)
	if err != nil {
		return append([]tts.Voice(nil), Presets...), err
	}
	return voices, nil
}

func (p *Provider) fetchVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("dashscope: list voices: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashscope: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("dashscope: list voices decode: %w", err)
	}
	out := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := map[string]string{}
		if v.Gender != "" {
			meta["gender"] = v.Gender
		}
		out = append(out, tts.Voice{ID: v.ID, Name: v.Name, Provider: providerName, Language: v.Language, Metadata: meta})
	}
	return out, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
