package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in process. It needs libwhisper.a and
// whisper.h on LIBRARY_PATH and C_INCLUDE_PATH at build time.
//
// The model is shared by all sessions; each sentence gets a fresh context.
type NativeProvider struct {
	settings
	weights whisperlib.Model
}

// NewNative loads the model file at modelPath. Close releases it.
func NewNative(modelPath string, opts ...Option) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is required")
	}
	weights, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeProvider{settings: newSettings(opts), weights: weights}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.weights == nil {
		return nil
	}
	return p.weights.Close()
}

// StartStream opens a session. Only 16 kHz audio is accepted.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	f, lang := p.format(cfg)
	if f.SampleRate != defaultSampleRate {
		return nil, fmt.Errorf("whisper: sample rate %d not supported, want %d", f.SampleRate, defaultSampleRate)
	}
	return newBatchSession(func(_ context.Context, pcm []byte) (string, error) {
		return p.run(audio.PCMToFloat32(pcm, f.Channels), lang)
	}, f, p.seg), nil
}

// run processes samples in a new context and joins the segment texts.
func (p *NativeProvider) run(samples []float32, lang string) (string, error) {
	wctx, err := p.weights.NewContext()
	if err != nil {
		return "", fmt.Errorf("new context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language rejected, keeping model default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process: %w", err)
	}

	var text strings.Builder
	for {
		seg, err := wctx.NextSegment()
		switch {
		case errors.Is(err, io.EOF):
			return text.String(), nil
		case err != nil:
			return "", fmt.Errorf("next segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(t)
		}
	}
}
