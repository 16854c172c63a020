package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LiveFactory builds a live transport from its config section.
type LiveFactory func(LiveConfig) (live.Provider, error)

// AudioFactory builds a host audio backend from its config section.
type AudioFactory func(AudioConfig) (audio.Host, error)

// Registry maps names to live transport and audio backend factories. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]LiveFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]LiveFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterLive registers a live transport factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory LiveFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLive instantiates the live transport registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateLive(cfg LiveConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create live/%q: %w", cfg.Provider, err)
	}
	return p, nil
}

// CreateAudio instantiates the audio backend registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Host, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	h, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio/%q: %w", cfg.Backend, err)
	}
	return h, nil
}

// LiveNames returns the registered live transport names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.live))
}

// AudioNames returns the registered audio backend names, sorted.
func (r *Registry) AudioNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.audio))
}
