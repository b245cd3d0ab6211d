package builders

import (
	"context"
	"fmt"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Nixpacks Strategy
// =============================================================================

// Nixpacks builds images without a Dockerfile by shelling out to the
// nixpacks CLI, which detects the app type from the workspace contents.
type Nixpacks struct {
	pipeline *pipeline
	runner   CommandRunner
}

// NewNixpacks creates the nixpacks strategy.
func NewNixpacks(p *pipeline, runner CommandRunner) *Nixpacks {
	return &Nixpacks{pipeline: p, runner: runner}
}

func (n *Nixpacks) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:          "nixpacks",
		Name:        "Nixpacks",
		Description: "Auto-detects the app type and builds an image without a Dockerfile.",
		Icon:        "package",
		Tags:        []builder.Tag{builder.TagContainer, builder.TagAutoDetect},
		ConfigSchema: schema.Schema{
			ID:      "builder.nixpacks",
			Version: "1",
			Fields: []schema.Field{
				{Key: "install_cmd", Label: "Install command", Type: schema.FieldText, Transformer: "trim", Placeholder: "npm ci", Order: 1},
				{Key: "build_cmd", Label: "Build command", Type: schema.FieldText, Transformer: "trim", Placeholder: "npm run build", Order: 2},
				{Key: "start_cmd", Label: "Start command", Type: schema.FieldText, Transformer: "trim", Placeholder: "npm start", Order: 3},
			},
		},
	}
}

func (n *Nixpacks) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return n.pipeline.run(ctx, req, "nixpacks", req.Service.ContainerPort, func(ctx context.Context, imageTag string) error {
		args := []string{"build", req.Workspace, "--name", imageTag}
		if cmd := configString(req.Config, "install_cmd", ""); cmd != "" {
			args = append(args, "--install-cmd", cmd)
		}
		if cmd := configString(req.Config, "build_cmd", ""); cmd != "" {
			args = append(args, "--build-cmd", cmd)
		}
		if cmd := configString(req.Config, "start_cmd", ""); cmd != "" {
			args = append(args, "--start-cmd", cmd)
		}
		for _, pair := range envPairs(req.Env) {
			args = append(args, "--env", pair)
		}

		err := n.runner.Run(ctx, req.Workspace, nil, func(line string) {
			req.Log(ctx, "info", line)
		}, "nixpacks", args...)
		if err != nil {
			return err
		}

		// nixpacks exits zero on some detection failures; trust the daemon.
		exists, err := n.pipeline.runtime.ImageExists(ctx, imageTag)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("nixpacks reported success but image %s does not exist", imageTag)
		}
		return nil
	})
}
