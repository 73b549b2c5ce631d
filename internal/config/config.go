// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for voxgate.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Audio device names.
const (
	DevicePortAudio = "portaudio"
	DeviceWAV       = "wav"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	WakeWord  WakeWordConfig  `yaml:"wakeword"`
	Speech    SpeechConfig    `yaml:"speech"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds the observability endpoint settings.
type ServerConfig struct {
	// ListenAddr is where /healthz, /readyz and /metrics are served.
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig selects and shapes the local audio device.
type AudioConfig struct {
	// Device is [DevicePortAudio] or [DeviceWAV].
	Device string `yaml:"device"`

	// InputFile is the WAV file used as microphone by the wav device.
	InputFile string `yaml:"input_file"`

	// OutputFile receives the played audio when using the wav device.
	OutputFile string `yaml:"output_file"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameSamples is the number of samples per captured frame.
	FrameSamples int `yaml:"frame_samples"`

	// OutputSampleRate is the playback rate in Hz. Synthesised audio is
	// converted to it.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels is 1 or 2.
	OutputChannels int `yaml:"output_channels"`

	// FrameQueue bounds the frames waiting to be sent to recognition.
	FrameQueue int `yaml:"frame_queue"`
}

// EndpointConfig tunes silence detection.
type EndpointConfig struct {
	// SilenceThreshold is the RMS volume in [0,1] below which a frame is silent.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceDurationMs is how long silence must last to end an utterance.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// WakeWordConfig configures the wake-word gate.
type WakeWordConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Keywords         []string `yaml:"keywords"`
	CommandTimeoutMs int      `yaml:"command_timeout_ms"`
	CooldownMs       int      `yaml:"cooldown_ms"`
	BargeIn          bool     `yaml:"barge_in"`
	StripWakeWord    bool     `yaml:"strip_wake_word"`
	FuzzyMatch       bool     `yaml:"fuzzy_match"`

	// MaxRestarts bounds consecutive capture restarts after errors.
	MaxRestarts int `yaml:"max_restarts"`
}

// SpeechConfig configures reply segmentation and synthesis.
type SpeechConfig struct {
	MinSegmentLength    int    `yaml:"min_segment_length"`
	MaxSegmentLength    int    `yaml:"max_segment_length"`
	PreferSegmentLength int    `yaml:"prefer_segment_length"`
	Voice               string `yaml:"voice"`
	Model               string `yaml:"model"`

	// MaxConcurrent bounds in-flight synthesis requests.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestsPerSecond paces synthesis requests. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// AgentConfig configures the chat agent.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// HistoryTokens bounds the conversation kept across commands. Zero
	// selects the default budget; a negative value disables history.
	HistoryTokens int     `yaml:"history_tokens"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]. Fallback entries are optional.
type ProvidersConfig struct {
	STT         ProviderEntry `yaml:"stt"`
	TTS         ProviderEntry `yaml:"tts"`
	LLM         ProviderEntry `yaml:"llm"`
	VAD         ProviderEntry `yaml:"vad"`
	STTFallback ProviderEntry `yaml:"stt_fallback"`
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "dashscope", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// StringOption returns Options[key] if it is a string.
func (e ProviderEntry) StringOption(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// IntOption returns Options[key] if it is a number.
func (e ProviderEntry) IntOption(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// BoolOption returns Options[key] if it is a boolean.
func (e ProviderEntry) BoolOption(key string) bool {
	b, _ := e.Options[key].(bool)
	return b
}
