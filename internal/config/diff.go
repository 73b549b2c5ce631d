package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable sections get their own flag; anything else sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WakeWordChanged bool
	SpeechChanged   bool
	EndpointChanged bool
	AgentChanged    bool

	// RestartRequired is set when audio, server or provider settings changed.
	// Those take effect on the next start only.
	RestartRequired bool
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.WakeWordChanged || d.SpeechChanged ||
		d.EndpointChanged || d.AgentChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	d.WakeWordChanged = !wakeWordEqual(old.WakeWord, new.WakeWord)
	d.SpeechChanged = old.Speech != new.Speech
	d.EndpointChanged = old.Endpoint != new.Endpoint
	d.AgentChanged = old.Agent != new.Agent

	d.RestartRequired = old.Audio != new.Audio ||
		old.Server != new.Server ||
		!providersEqual(old.Providers, new.Providers)

	return d
}

func wakeWordEqual(a, b WakeWordConfig) bool {
	return slices.Equal(a.Keywords, b.Keywords) &&
		a.Enabled == b.Enabled &&
		a.CommandTimeoutMs == b.CommandTimeoutMs &&
		a.CooldownMs == b.CooldownMs &&
		a.BargeIn == b.BargeIn &&
		a.StripWakeWord == b.StripWakeWord &&
		a.FuzzyMatch == b.FuzzyMatch &&
		a.MaxRestarts == b.MaxRestarts
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.STT, b.STT) && entryEqual(a.TTS, b.TTS) &&
		entryEqual(a.LLM, b.LLM) && entryEqual(a.VAD, b.VAD) &&
		entryEqual(a.STTFallback, b.STTFallback) &&
		entryEqual(a.TTSFallback, b.TTSFallback) &&
		entryEqual(a.LLMFallback, b.LLMFallback)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !optionEqual(v, w) {
			return false
		}
	}
	return true
}

// optionEqual compares decoded YAML scalars. Non-scalar options compare
// unequal so a change is never missed.
func optionEqual(a, b any) bool {
	switch a.(type) {
	case string, int, float64, bool, nil:
		return a == b
	}
	return false
}
