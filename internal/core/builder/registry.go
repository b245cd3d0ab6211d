package builder

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Registry
// =============================================================================

// Registry holds the registered build strategies. Registration happens once
// at startup; afterwards the registry is read-mostly and safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		strategies: make(map[string]Strategy),
		logger:     logger.With("component", "builder-registry"),
	}
}

// Register adds a strategy under its descriptor id. Registering an id twice
// overwrites the previous strategy with a warning rather than failing, so
// a misordered init never takes the process down.
func (r *Registry) Register(s Strategy) {
	id := s.Descriptor().ID

	r.mu.Lock()
	_, exists := r.strategies[id]
	r.strategies[id] = s
	r.mu.Unlock()

	if exists {
		r.logger.Warn("builder already registered, overwriting", "builder", id)
		return
	}
	r.logger.Debug("builder registered", "builder", id)
}

// Get returns the strategy registered under id.
func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// Resolve is Get with a sentinel error for callers on an error path.
func (r *Registry) Resolve(id string) (Strategy, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuilder, id)
	}
	return s, nil
}

// Schema returns the config schema for a registered builder.
func (r *Registry) Schema(id string) (schema.Schema, error) {
	s, err := r.Resolve(id)
	if err != nil {
		return schema.Schema{}, err
	}
	return s.Descriptor().ConfigSchema, nil
}

// Defaults returns the default configuration for a registered builder.
func (r *Registry) Defaults(id string) (map[string]any, error) {
	s, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return s.Descriptor().Defaults, nil
}

// CompatibleProviders returns the source providers a builder can build from.
func (r *Registry) CompatibleProviders(id string) ([]domain.SourceProvider, error) {
	s, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return s.Descriptor().CompatibleProviders, nil
}

// List returns the descriptors of all registered builders, sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByTag returns the descriptors carrying the given tag, sorted by id.
func (r *Registry) ByTag(tag Tag) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.HasTag(tag) {
			out = append(out, d)
		}
	}
	return out
}

// ValidateConfig validates a raw configuration against a builder. An
// unknown id is reported as a validation failure, not an error: callers
// surface it to the user the same way as any other invalid config.
func (r *Registry) ValidateConfig(id string, raw map[string]any) schema.ValidationResult {
	s, ok := r.Get(id)
	if !ok {
		r.logger.Warn("config validation against unknown builder", "builder", id)
		return schema.ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("unknown builder: %s", id)},
		}
	}

	if v, ok := s.(ConfigValidator); ok {
		return v.ValidateConfig(raw)
	}
	return s.Descriptor().ConfigSchema.Validate(raw)
}
