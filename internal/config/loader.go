package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"dashscope", "deepgram", "whisper", "whisper-native"},
	"tts": {"dashscope", "elevenlabs", "openai"},
	"vad": {"energy"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultSampleRate          = 16000
	DefaultFrameSamples        = 4096
	DefaultOutputSampleRate    = 22050
	DefaultFrameQueue          = 32
	DefaultSilenceThreshold    = 0.02
	DefaultSilenceDurationMs   = 1200
	DefaultCommandTimeoutMs    = 5000
	DefaultCooldownMs          = 1500
	DefaultMaxRestarts         = 10
	DefaultMinSegmentLength    = 10
	DefaultMaxSegmentLength    = 200
	DefaultPreferSegmentLength = 50
	DefaultMaxConcurrent       = 4
	DefaultVoice               = "longyingtao_v3"
	DefaultModel               = "cosyvoice-v3-flash"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.LogLevel, LogInfo)
	setDefault(&cfg.Audio.Device, DevicePortAudio)
	setDefault(&cfg.Audio.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Audio.FrameSamples, DefaultFrameSamples)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.OutputChannels, 1)
	setDefault(&cfg.Audio.FrameQueue, DefaultFrameQueue)
	setDefault(&cfg.Endpoint.SilenceThreshold, DefaultSilenceThreshold)
	setDefault(&cfg.Endpoint.SilenceDurationMs, DefaultSilenceDurationMs)
	setDefault(&cfg.WakeWord.CommandTimeoutMs, DefaultCommandTimeoutMs)
	setDefault(&cfg.WakeWord.CooldownMs, DefaultCooldownMs)
	setDefault(&cfg.WakeWord.MaxRestarts, DefaultMaxRestarts)
	setDefault(&cfg.Speech.MinSegmentLength, DefaultMinSegmentLength)
	setDefault(&cfg.Speech.MaxSegmentLength, DefaultMaxSegmentLength)
	setDefault(&cfg.Speech.PreferSegmentLength, DefaultPreferSegmentLength)
	setDefault(&cfg.Speech.MaxConcurrent, DefaultMaxConcurrent)
	setDefault(&cfg.Speech.Voice, DefaultVoice)
	setDefault(&cfg.Speech.Model, DefaultModel)
	setDefault(&cfg.Providers.VAD.Name, "energy")
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Recoverable issues are logged at warn level instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	a := cfg.Audio
	switch a.Device {
	case DevicePortAudio:
	case DeviceWAV:
		if a.InputFile == "" && a.OutputFile == "" {
			slog.Warn("audio.device is wav but neither input_file nor output_file is set; capture yields silence")
		}
	default:
		errs = append(errs, fmt.Errorf("audio.device %q is invalid; valid values: %s, %s", a.Device, DevicePortAudio, DeviceWAV))
	}
	if a.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is too low", a.SampleRate))
	}
	if a.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples must be positive, got %d", a.FrameSamples))
	}
	if a.OutputSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is too low", a.OutputSampleRate))
	}
	if a.OutputChannels != 1 && a.OutputChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels must be 1 or 2, got %d", a.OutputChannels))
	}
	if a.FrameQueue <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_queue must be positive, got %d", a.FrameQueue))
	}

	// Endpoint
	if t := cfg.Endpoint.SilenceThreshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("endpoint.silence_threshold %.3f is out of range (0, 1)", t))
	}
	if cfg.Endpoint.SilenceDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.silence_duration_ms must be positive, got %d", cfg.Endpoint.SilenceDurationMs))
	}

	// Wake word
	w := cfg.WakeWord
	if w.CommandTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("wakeword.command_timeout_ms must be positive, got %d", w.CommandTimeoutMs))
	}
	if w.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("wakeword.cooldown_ms must not be negative, got %d", w.CooldownMs))
	}
	if w.Enabled && len(w.Keywords) == 0 {
		slog.Warn("wakeword.enabled is set but wakeword.keywords is empty; the gate stays disabled")
	}

	// Speech
	s := cfg.Speech
	if s.MinSegmentLength <= 0 {
		errs = append(errs, fmt.Errorf("speech.min_segment_length must be positive, got %d", s.MinSegmentLength))
	}
	if s.PreferSegmentLength < s.MinSegmentLength || s.PreferSegmentLength > s.MaxSegmentLength {
		errs = append(errs, fmt.Errorf("speech.prefer_segment_length %d must lie within [%d, %d]",
			s.PreferSegmentLength, s.MinSegmentLength, s.MaxSegmentLength))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("speech.max_concurrent must be positive, got %d", s.MaxConcurrent))
	}
	if s.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("speech.requests_per_second must not be negative"))
	}

	// Agent
	if t := cfg.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", t))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("stt", p.STT.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("vad", p.VAD.Name)
	validateProviderName("stt", p.STTFallback.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("llm", p.LLMFallback.Name)
	if p.TTSFallback.Configured() && !p.TTS.Configured() {
		errs = append(errs, errors.New("providers.tts_fallback requires providers.tts"))
	}
	if p.STTFallback.Configured() && !p.STT.Configured() {
		errs = append(errs, errors.New("providers.stt_fallback requires providers.stt"))
	}
	if p.LLMFallback.Configured() && !p.LLM.Configured() {
		errs = append(errs, errors.New("providers.llm_fallback requires providers.llm"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
