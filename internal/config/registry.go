package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories holds the constructors of one provider kind.
type factories[A, T any] struct {
	kind   string
	byName map[string]func(A) (T, error)
}

func newFactories[A, T any](kind string) factories[A, T] {
	return factories[A, T]{kind: kind, byName: map[string]func(A) (T, error){}}
}

// Registry maps provider names to constructors, per provider kind. It is
// safe for concurrent use. Registering a name twice replaces the factory.
type Registry struct {
	mu     sync.RWMutex
	llm    factories[ProviderEntry, llm.Provider]
	stt    factories[ProviderEntry, stt.Provider]
	tts    factories[ProviderEntry, tts.Provider]
	vad    factories[ProviderEntry, vad.Engine]
	device factories[AudioConfig, audio.Device]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:    newFactories[ProviderEntry, llm.Provider]("llm"),
		stt:    newFactories[ProviderEntry, stt.Provider]("stt"),
		tts:    newFactories[ProviderEntry, tts.Provider]("tts"),
		vad:    newFactories[ProviderEntry, vad.Engine]("vad"),
		device: newFactories[AudioConfig, audio.Device]("device"),
	}
}

func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	register(r, r.llm, name, f)
}

func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	register(r, r.stt, name, f)
}

func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	register(r, r.tts, name, f)
}

func (r *Registry) RegisterVAD(name string, f func(ProviderEntry) (vad.Engine, error)) {
	register(r, r.vad, name, f)
}

func (r *Registry) RegisterDevice(name string, f func(AudioConfig) (audio.Device, error)) {
	register(r, r.device, name, f)
}

// CreateLLM builds the provider named by entry.Name, or fails with
// [ErrProviderNotRegistered].
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, entry.Name, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, entry.Name, entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, entry.Name, entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, entry.Name, entry)
}

// CreateDevice opens the device named by cfg.Device.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	return create(r, r.device, cfg.Device, cfg)
}

// Names returns the sorted names registered for kind: "llm", "stt", "tts",
// "vad" or "device". Unknown kinds have no names.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.llm.kind:
		return r.llm.names()
	case r.stt.kind:
		return r.stt.names()
	case r.tts.kind:
		return r.tts.names()
	case r.vad.kind:
		return r.vad.names()
	case r.device.kind:
		return r.device.names()
	}
	return nil
}

func (f factories[A, T]) names() []string {
	return slices.Sorted(maps.Keys(f.byName))
}

func register[A, T any](r *Registry, f factories[A, T], name string, fn func(A) (T, error)) {
	r.mu.Lock()
	f.byName[name] = fn
	r.mu.Unlock()
}

func create[A, T any](r *Registry, f factories[A, T], name string, arg A) (T, error) {
	r.mu.RLock()
	fn, ok := f.byName[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn(arg)
}
