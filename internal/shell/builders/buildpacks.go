package builders

import (
	"context"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Buildpacks Strategy
// =============================================================================

// defaultPackBuilder is used when the config names none. The Paketo jammy
// base builder covers the mainstream language families.
const defaultPackBuilder = "paketobuildpacks/builder-jammy-base"

// Buildpacks builds images with Cloud Native Buildpacks via the pack CLI.
type Buildpacks struct {
	pipeline *pipeline
	runner   CommandRunner
}

// NewBuildpacks creates the buildpacks strategy.
func NewBuildpacks(p *pipeline, runner CommandRunner) *Buildpacks {
	return &Buildpacks{pipeline: p, runner: runner}
}

func (b *Buildpacks) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:          "buildpacks",
		Name:        "Cloud Native Buildpacks",
		Description: "Builds an image with the pack CLI and a configurable builder.",
		Icon:        "layers",
		Tags:        []builder.Tag{builder.TagContainer, builder.TagAutoDetect},
		ConfigSchema: schema.Schema{
			ID:      "builder.buildpacks",
			Version: "1",
			Fields: []schema.Field{
				{Key: "builder", Label: "Builder image", Type: schema.FieldText, Default: defaultPackBuilder, Transformer: "trim", Order: 1},
				{Key: "buildpacks", Label: "Buildpacks", Type: schema.FieldList, Transformer: "comma_list", Placeholder: "paketo-buildpacks/nodejs", Order: 2},
			},
		},
		Defaults: map[string]any{
			"builder": defaultPackBuilder,
		},
	}
}

func (b *Buildpacks) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return b.pipeline.run(ctx, req, "buildpacks", req.Service.ContainerPort, func(ctx context.Context, imageTag string) error {
		args := []string{
			"build", imageTag,
			"--path", req.Workspace,
			"--builder", configString(req.Config, "builder", defaultPackBuilder),
			"--trust-builder",
		}
		for _, bp := range configStringList(req.Config, "buildpacks") {
			args = append(args, "--buildpack", bp)
		}
		for _, pair := range envPairs(req.Env) {
			args = append(args, "--env", pair)
		}

		return b.runner.Run(ctx, req.Workspace, nil, func(line string) {
			req.Log(ctx, "info", line)
		}, "pack", args...)
	})
}
