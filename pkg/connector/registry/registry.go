// Package registry maps connector names to factories. Connector packages
// register themselves from init; the CLI creates them by name.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/errors"
)

// SourceFactory creates a configured source from the run configuration.
// ctx bounds connection setup only.
type SourceFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Source, error)

// DestinationFactory creates a configured sink from the run configuration
type DestinationFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Sink, error)

// factories is a name-keyed set of one kind of factory
type factories[F any] struct {
	kind string
	m    map[string]F
}

func newFactories[F any](kind string) factories[F] {
	return factories[F]{kind: kind, m: make(map[string]F)}
}

func (f factories[F]) add(name string, factory F) error {
	if name == "" {
		return errors.Newf(errors.ErrorTypeConfig, "%s connector name is empty", f.kind)
	}
	if _, exists := f.m[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "%s connector %s already registered", f.kind, name)
	}
	f.m[name] = factory
	return nil
}

func (f factories[F]) get(name string) (F, error) {
	factory, ok := f.m[name]
	if !ok {
		return factory, errors.Newf(errors.ErrorTypeConfig, "%s connector %s not found (available: %v)",
			f.kind, name, f.names())
	}
	return factory, nil
}

func (f factories[F]) names() []string {
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry manages connector registration and instantiation
type Registry struct {
	mu           sync.RWMutex
	sources      factories[SourceFactory]
	destinations factories[DestinationFactory]
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources:      newFactories[SourceFactory]("source"),
		destinations: newFactories[DestinationFactory]("destination"),
	}
}

// RegisterSource registers a source factory under name
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources.add(name, factory)
}

// RegisterDestination registers a sink factory under name
func (r *Registry) RegisterDestination(name string, factory DestinationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destinations.add(name, factory)
}

// CreateSource creates the source registered under name
func (r *Registry) CreateSource(ctx context.Context, name string, cfg *config.Config, logger *zap.Logger) (core.Source, error) {
	r.mu.RLock()
	factory, err := r.sources.get(name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	source, err := factory(ctx, cfg, logger.With(zap.String("connector", name)))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create source connector %s", name)
	}
	return source, nil
}

// CreateDestination creates the sink registered under name
func (r *Registry) CreateDestination(ctx context.Context, name string, cfg *config.Config, logger *zap.Logger) (core.Sink, error) {
	r.mu.RLock()
	factory, err := r.destinations.get(name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sink, err := factory(ctx, cfg, logger.With(zap.String("connector", name)))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create destination connector %s", name)
	}
	return sink, nil
}

// ListSources returns the registered source names, sorted
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources.names()
}

// ListDestinations returns the registered destination names, sorted
func (r *Registry) ListDestinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destinations.names()
}

// RegisterSource registers a source in the global registry
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterDestination registers a sink in the global registry
func RegisterDestination(name string, factory DestinationFactory) error {
	return globalRegistry.RegisterDestination(name, factory)
}

// CreateSource creates a source from the global registry
func CreateSource(ctx context.Context, name string, cfg *config.Config, logger *zap.Logger) (core.Source, error) {
	return globalRegistry.CreateSource(ctx, name, cfg, logger)
}

// CreateDestination creates a sink from the global registry
func CreateDestination(ctx context.Context, name string, cfg *config.Config, logger *zap.Logger) (core.Sink, error) {
	return globalRegistry.CreateDestination(ctx, name, cfg, logger)
}

// ListSources returns the sources of the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListDestinations returns the sinks of the global registry
func ListDestinations() []string {
	return globalRegistry.ListDestinations()
}
