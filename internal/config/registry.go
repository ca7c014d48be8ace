package config

import (
	"fmt"
	"sync"

	"github.com/reelnotes/sessioncore/pkg/provider/llm"
	"github.com/reelnotes/sessioncore/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Registry.CreateTranscription and
// Registry.CreateStructuring when the configured provider name has no
// registered factory.
type ErrProviderNotRegistered struct {
	Kind string
	Name string
}

func (e *ErrProviderNotRegistered) Error() string {
	return fmt.Sprintf("config: no %s provider registered for %q", e.Kind, e.Name)
}

// TranscriptionFactory constructs an stt.Provider from a ProviderEntry.
type TranscriptionFactory func(ProviderEntry) (stt.Provider, error)

// StructuringFactory constructs an llm.Provider from a ProviderEntry.
type StructuringFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps provider names to constructor factories, mirroring the
// teacher's per-kind provider registry but scoped to the two provider kinds
// this spec needs.
type Registry struct {
	mu            sync.RWMutex
	transcription map[string]TranscriptionFactory
	structuring   map[string]StructuringFactory
}

// NewRegistry returns an empty Registry. Callers typically call
// RegisterTranscription/RegisterStructuring for every backend the binary
// links in before handing the registry to the config loader.
func NewRegistry() *Registry {
	return &Registry{
		transcription: make(map[string]TranscriptionFactory),
		structuring:   make(map[string]StructuringFactory),
	}
}

// RegisterTranscription associates name with factory.
func (r *Registry) RegisterTranscription(name string, factory TranscriptionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// RegisterStructuring associates name with factory.
func (r *Registry) RegisterStructuring(name string, factory StructuringFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structuring[name] = factory
}

// CreateTranscription builds an stt.Provider from entry using the factory
// registered under entry.Name.
func (r *Registry) CreateTranscription(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcription[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrProviderNotRegistered{Kind: "transcription", Name: entry.Name}
	}
	return factory(entry)
}

// CreateStructuring builds an llm.Provider from entry using the factory
// registered under entry.Name.
func (r *Registry) CreateStructuring(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.structuring[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrProviderNotRegistered{Kind: "structuring", Name: entry.Name}
	}
	return factory(entry)
}
