package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/audio/portaudio"
	"github.com/voxgate/voxgate/pkg/audio/resample"
	"github.com/voxgate/voxgate/pkg/audio/wavfile"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	oaillm "github.com/voxgate/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	dsstt "github.com/voxgate/voxgate/pkg/provider/stt/dashscope"
	"github.com/voxgate/voxgate/pkg/provider/stt/deepgram"
	"github.com/voxgate/voxgate/pkg/provider/stt/whisper"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	dstts "github.com/voxgate/voxgate/pkg/provider/tts/dashscope"
	"github.com/voxgate/voxgate/pkg/provider/tts/elevenlabs"
	oaitts "github.com/voxgate/voxgate/pkg/provider/tts/openai"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires every implementation that ships with
// voxgate into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// LLM

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		if org := e.StringOption("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if ms := e.IntOption("timeout_ms"); ms > 0 {
			opts = append(opts, oaillm.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})
	for _, backend := range []string{"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	// STT

	reg.RegisterSTT("dashscope", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []dsstt.Option
		if e.APIKey != "" {
			opts = append(opts, dsstt.WithAPIKey(e.APIKey))
		}
		return dsstt.New(e.BaseURL, opts...)
	})
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(e.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath := e.Model
		if modelPath == "" {
			modelPath = e.StringOption("model_path")
		}
		var opts []whisper.Option
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// TTS

	reg.RegisterTTS("dashscope", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []dstts.Option{dstts.WithStreaming(e.BoolOption("streaming"))}
		if e.APIKey != "" {
			opts = append(opts, dstts.WithAPIKey(e.APIKey))
		}
		if e.Model != "" {
			opts = append(opts, dstts.WithModel(e.Model))
		}
		if v := e.StringOption("voice"); v != "" {
			opts = append(opts, dstts.WithVoice(v))
		}
		return dstts.New(e.BaseURL, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if v := e.StringOption("voice"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if f := e.StringOption("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if e.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, oaitts.WithModel(e.Model))
		}
		if v := e.StringOption("voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		return oaitts.New(e.APIKey, opts...)
	})

	// VAD

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// Audio devices

	reg.RegisterDevice(config.DevicePortAudio, func(c config.AudioConfig) (audio.Device, error) {
		return portaudio.New(portaudio.WithOutputFormat(outputFormat(c)))
	})
	reg.RegisterDevice(config.DeviceWAV, func(c config.AudioConfig) (audio.Device, error) {
		return wavfile.New(
			wavfile.WithInput(c.InputFile),
			wavfile.WithOutput(c.OutputFile),
			wavfile.WithOutputFormat(outputFormat(c)),
			wavfile.WithRealtime(c.InputFile != ""),
			wavfile.WithResampler(resample.New()),
		), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad", "device"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func outputFormat(c config.AudioConfig) audio.Format {
	return audio.Format{SampleRate: c.OutputSampleRate, Channels: c.OutputChannels}
}

// buildProviders instantiates the providers named in cfg. A configured
// fallback wraps its primary in a circuit-breaking failover group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	p := cfg.Providers
	m := observe.DefaultMetrics()

	dev, err := reg.CreateDevice(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device %q: %w", cfg.Audio.Device, err)
	}
	ps.Device = dev

	if p.TTS.Configured() {
		primary, err := create("tts", p.TTS, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		ps.TTS = primary
		if p.TTSFallback.Configured() {
			fb, err := create("tts", p.TTSFallback, reg.CreateTTS)
			if err != nil {
				return nil, err
			}
			group := resilience.NewTTSFallback(primary, p.TTS.Name, resilience.FallbackConfig{Metrics: m})
			group.AddFallback(p.TTSFallback.Name, fb)
			ps.TTS = group
		}
	}

	if p.STT.Configured() {
		primary, err := create("stt", p.STT, reg.CreateSTT)
		if err != nil {
			return nil, err
		}
		ps.STT = primary
		if p.STTFallback.Configured() {
			fb, err := create("stt", p.STTFallback, reg.CreateSTT)
			if err != nil {
				return nil, err
			}
			group := resilience.NewSTTFallback(primary, p.STT.Name, resilience.FallbackConfig{Metrics: m})
			group.AddFallback(p.STTFallback.Name, fb)
			ps.STT = group
		}
	}

	if p.LLM.Configured() {
		primary, err := create("llm", p.LLM, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		ps.LLM = primary
		if p.LLMFallback.Configured() {
			fb, err := create("llm", p.LLMFallback, reg.CreateLLM)
			if err != nil {
				return nil, err
			}
			group := resilience.NewLLMFallback(primary, p.LLM.Name, resilience.FallbackConfig{Metrics: m})
			group.AddFallback(p.LLMFallback.Name, fb)
			ps.LLM = group
		}
	}

	if p.VAD.Configured() {
		v, err := create("vad", p.VAD, reg.CreateVAD)
		if err != nil {
			return nil, err
		}
		ps.VAD = v
	}
	return ps, nil
}

func create[T any](kind string, e config.ProviderEntry, fn func(config.ProviderEntry) (T, error)) (T, error) {
	v, err := fn(e)
	if err != nil {
		var zero T
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return zero, fmt.Errorf("%s provider %q is not built in: %w", kind, e.Name, err)
		}
		return zero, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", e.Name)
	return v, nil
}
