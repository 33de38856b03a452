// Package adapter holds the provider-specific connectivity checks. Each
// adapter knows how to ask one provider "does this secret work against
// this endpoint" and nothing else; scheduling, timeouts, and persistence
// belong to the validation engine.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	log "github.com/stephnangue/keygate/logger"
)

// EndpointConfig is the non-secret connection material handed to an
// adapter.
type EndpointConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Database string `mapstructure:"database"`
}

// DecodeEndpointConfig builds an EndpointConfig from a loose map, the
// form connection material takes in storage and configuration.
func DecodeEndpointConfig(raw map[string]any) (*EndpointConfig, error) {
	var cfg EndpointConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: false,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}
	return &cfg, nil
}

// Outcome is the result of a completed check. Success=false with a nil
// error means the provider answered and rejected the credential; a
// non-nil error from Validate means the check never completed.
type Outcome struct {
	Success bool
	Message string
	Extra   map[string]string
}

// Adapter validates a secret against one provider. Implementations must
// honor ctx cancellation, must not retry, and must never place the
// secret in an Outcome message or error.
type Adapter interface {
	// Tag returns the provider tag the adapter serves.
	Tag() string

	// Validate performs exactly one liveness check.
	Validate(ctx context.Context, secret string, cfg *EndpointConfig) (*Outcome, error)
}

// Registry maps provider tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering a tag twice is a programming
// error surfaced at startup.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := a.Tag()
	if _, ok := r.adapters[tag]; ok {
		return fmt.Errorf("adapter already registered for provider %q", tag)
	}
	r.adapters[tag] = a
	return nil
}

// Get returns the adapter for a tag.
func (r *Registry) Get(tag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// Supports reports whether a tag has a registered adapter.
func (r *Registry) Supports(tag string) bool {
	_, ok := r.Get(tag)
	return ok
}

// Tags returns the registered provider tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// DefaultRegistry returns a registry with every built-in adapter.
func DefaultRegistry(logger log.Logger) *Registry {
	registry := NewRegistry()
	for _, a := range []Adapter{
		NewMilvusAdapter(logger),
		NewOpenAIAdapter(logger),
		NewMistralAdapter(logger),
		NewOllamaAdapter(logger),
		NewQianfanAdapter(logger),
	} {
		if err := registry.Register(a); err != nil {
			panic(err)
		}
	}
	return registry
}
