package builders

import (
	"log/slog"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Registration
// =============================================================================

// Deps carries the shared collaborators every strategy builds on.
type Deps struct {
	Runtime docker.Runtime
	Runner  CommandRunner // nil uses the local CLI runner

	// Network is the shared proxy network. Empty uses DefaultNetwork.
	Network string

	// ProbeTimeout and ProbeInterval bound the post-start health probe.
	// Zero values fall back to the runtime defaults.
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration

	Logger *slog.Logger
}

// RegisterAll registers the built-in strategies: dockerfile, nixpacks,
// buildpacks, static and compose.
func RegisterAll(reg *builder.Registry, deps Deps) {
	if deps.Runner == nil {
		deps.Runner = CLIRunner{}
	}
	p := newPipeline(deps.Runtime, deps.Network, deps.ProbeTimeout, deps.ProbeInterval, deps.Logger)

	reg.Register(NewDockerfile(p))
	reg.Register(NewNixpacks(p, deps.Runner))
	reg.Register(NewBuildpacks(p, deps.Runner))
	reg.Register(NewStatic(p))
	reg.Register(NewCompose(p))
}
