// Package whisper provides local whisper.cpp-backed STT providers.
//
// Provider talks to a running whisper-server binary (POST /inference) and
// NativeProvider runs the model in-process through the CGO bindings. Both are
// batch engines behind the streaming SessionHandle: incoming PCM is buffered,
// an energy detector splits it into sentences at pauses, and every sentence is
// transcribed as one request. Stop transcribes the remainder, so a push-to-talk
// capture always yields its transcript before Events closes.
//
// whisper.cpp has no low-latency partials, so every event is final.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("zh"))
//	h, err := p.StartStream(ctx, cfg)
//	h.SendAudio(pcm)
//	h.Stop(ctx)
//	for ev := range h.Events() { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider sends each sentence to a whisper.cpp HTTP server.
type Provider struct {
	settings
	serverURL string
}

// New returns a Provider for the server at serverURL, such as
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server url is required")
	}
	return &Provider{settings: newSettings(opts), serverURL: strings.TrimRight(serverURL, "/")}, nil
}

// StartStream opens a session. Nothing is sent to the server until the first
// sentence is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	f, lang := p.format(cfg)
	return newBatchSession(func(ctx context.Context, pcm []byte) (string, error) {
		return p.transcribe(ctx, pcm, f, lang)
	}, f, p.seg), nil
}

// transcribe uploads pcm as a WAV form file and returns the trimmed text.
func (p *Provider) transcribe(ctx context.Context, pcm []byte, f audio.Format, lang string) (string, error) {
	body, contentType, err := inferenceForm(pcm, f, map[string]string{
		"language":        lang,
		"model":           p.model,
		"response_format": "json",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference: status %s", resp.Status)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("inference: decode: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// inferenceForm builds the multipart body. Empty fields are left out.
func inferenceForm(pcm []byte, f audio.Format, fields map[string]string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err == nil {
		err = writeWAV(fw, pcm, f)
	}
	for name, value := range fields {
		if err == nil && value != "" {
			err = mw.WriteField(name, value)
		}
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("inference form: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// wavHeader is the canonical 44-byte RIFF header for 16-bit PCM.
type wavHeader struct {
	RIFF       [4]byte
	ChunkSize  uint32
	WAVE       [4]byte
	Fmt        [4]byte
	FmtSize    uint32
	Format     uint16
	Channels   uint16
	SampleRate uint32
	ByteRate   uint32
	BlockAlign uint16
	Bits       uint16
	Data       [4]byte
	DataSize   uint32
}

// writeWAV writes pcm, 16-bit little endian, as a complete WAV file.
func writeWAV(w io.Writer, pcm []byte, f audio.Format) error {
	const bits = 16
	block := f.Channels * bits / 8
	h := wavHeader{
		RIFF:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:  uint32(36 + len(pcm)),
		WAVE:       [4]byte{'W', 'A', 'V', 'E'},
		Fmt:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:    16,
		Format:     1,
		Channels:   uint16(f.Channels),
		SampleRate: uint32(f.SampleRate),
		ByteRate:   uint32(f.SampleRate * block),
		BlockAlign: uint16(block),
		Bits:       bits,
		Data:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:   uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
