// Package builder defines the build strategy contract and the registry
// deployments select strategies from. Strategies themselves live in the
// shell; this package only carries the types they implement and exchange.
package builder

import (
	"context"
	"errors"
	"time"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownBuilder is returned when no strategy is registered under
	// the requested id.
	ErrUnknownBuilder = errors.New("unknown builder")
)

// =============================================================================
// Tags
// =============================================================================

// Tag categorizes builders for discovery.
type Tag string

const (
	TagContainer    Tag = "container"
	TagStatic       Tag = "static"
	TagMultiService Tag = "multi-service"
	TagAutoDetect   Tag = "auto-detect"
)

// =============================================================================
// Descriptor
// =============================================================================

// Descriptor is the static self-description of a build strategy: identity,
// which source providers it can build from, and the schema of its
// configuration surface.
type Descriptor struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	Description         string                  `json:"description"`
	Icon                string                  `json:"icon,omitempty"`
	Tags                []Tag                   `json:"tags,omitempty"`
	CompatibleProviders []domain.SourceProvider `json:"compatible_providers,omitempty"`
	ConfigSchema        schema.Schema           `json:"config_schema"`
	Defaults            map[string]any          `json:"defaults,omitempty"`
}

// HasTag reports whether the descriptor carries the given tag.
func (d Descriptor) HasTag(tag Tag) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SupportsProvider reports whether the strategy can build from the given
// source provider. An empty compatibility list means all providers.
func (d Descriptor) SupportsProvider(p domain.SourceProvider) bool {
	if len(d.CompatibleProviders) == 0 {
		return true
	}
	for _, cp := range d.CompatibleProviders {
		if cp == p {
			return true
		}
	}
	return false
}

// =============================================================================
// Strategy
// =============================================================================

// Strategy turns a fetched source workspace into running containers. One
// implementation per build approach (dockerfile, nixpacks, buildpacks,
// static, compose).
type Strategy interface {
	Descriptor() Descriptor
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
}

// ConfigValidator is implemented by strategies that validate configuration
// beyond what their schema expresses. When absent, the registry validates
// against the descriptor's schema alone.
type ConfigValidator interface {
	ValidateConfig(raw map[string]any) schema.ValidationResult
}

// =============================================================================
// Callbacks
// =============================================================================

// PhaseCallback receives phase updates as a deployment progresses. The
// pipeline awaits each call before moving on, so implementations may
// persist and fan out in-order. A returned error aborts the deployment.
type PhaseCallback func(ctx context.Context, update domain.PhaseUpdate) error

// LogLine is one build or deploy log line.
type LogLine struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogLine builds a log line stamped with the current time.
func NewLogLine(level, message string) LogLine {
	return LogLine{Level: level, Message: message, Timestamp: time.Now().UTC()}
}

// LogCallback receives build and deploy log lines.
type LogCallback func(ctx context.Context, line LogLine)

// =============================================================================
// Deploy Request / Result
// =============================================================================

// DeployRequest carries everything a strategy needs for one deployment run.
type DeployRequest struct {
	Service    domain.Service
	Deployment domain.Deployment

	// Workspace is the directory the source was fetched into. Empty for
	// image-only deployments.
	Workspace string

	// Config is the builder configuration after schema defaults and
	// transforms have been applied.
	Config map[string]any

	// Env is the resolved environment injected into built containers.
	Env map[string]string

	OnPhase PhaseCallback
	OnLog   LogCallback
}

// Phase reports a phase update through the callback, if one is set.
func (r DeployRequest) Phase(ctx context.Context, update domain.PhaseUpdate) error {
	if r.OnPhase == nil {
		return nil
	}
	return r.OnPhase(ctx, update)
}

// Log emits a log line through the callback, if one is set.
func (r DeployRequest) Log(ctx context.Context, level, message string) {
	if r.OnLog == nil {
		return
	}
	r.OnLog(ctx, NewLogLine(level, message))
}

// DeployResult is what a strategy reports back after a run that did not
// error. A partial status means the containers run but did not pass
// verification (for example a failed health check).
type DeployResult struct {
	ContainerIDs []string            `json:"container_ids"`
	Status       domain.ResultStatus `json:"status"`
	Message      string              `json:"message,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}
