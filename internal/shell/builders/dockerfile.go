package builders

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Dockerfile Strategy
// =============================================================================

// Dockerfile builds the workspace's own Dockerfile through the runtime.
type Dockerfile struct {
	pipeline *pipeline
}

// NewDockerfile creates the dockerfile strategy.
func NewDockerfile(p *pipeline) *Dockerfile {
	return &Dockerfile{pipeline: p}
}

func (d *Dockerfile) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:          "dockerfile",
		Name:        "Dockerfile",
		Description: "Builds the repository's Dockerfile as-is.",
		Icon:        "docker",
		Tags:        []builder.Tag{builder.TagContainer},
		ConfigSchema: schema.Schema{
			ID:      "builder.dockerfile",
			Version: "1",
			Fields: []schema.Field{
				{Key: "dockerfile", Label: "Dockerfile path", Type: schema.FieldText, Default: "Dockerfile", Validator: "relative_path", Transformer: "trim", Order: 1},
				{Key: "context", Label: "Build context", Type: schema.FieldText, Default: ".", Validator: "relative_path", Transformer: "trim", Order: 2},
				{Key: "target", Label: "Target stage", Type: schema.FieldText, Transformer: "trim", Order: 3},
				{Key: "build_args", Label: "Build arguments", Type: schema.FieldJSON, Validator: "json_object", Transformer: "string_map", Order: 4},
				{Key: "no_cache", Label: "Disable build cache", Type: schema.FieldToggle, Default: false, Order: 5},
			},
		},
		Defaults: map[string]any{
			"dockerfile": "Dockerfile",
			"context":    ".",
		},
	}
}

func (d *Dockerfile) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return d.pipeline.run(ctx, req, "dockerfile", req.Service.ContainerPort, func(ctx context.Context, imageTag string) error {
		contextDir := filepath.Join(req.Workspace, configString(req.Config, "context", "."))

		args := map[string]*string{}
		for k, v := range configStringMap(req.Config, "build_args") {
			value := v
			args[k] = &value
		}

		result, err := d.pipeline.runtime.BuildImage(ctx, docker.BuildOptions{
			ContextDir: contextDir,
			Dockerfile: configString(req.Config, "dockerfile", "Dockerfile"),
			Tags:       []string{imageTag},
			BuildArgs:  args,
			Target:     configString(req.Config, "target", ""),
			NoCache:    configBool(req.Config, "no_cache"),
			Labels: map[string]string{
				docker.LabelManaged:    "true",
				docker.LabelService:    req.Service.ID,
				docker.LabelDeployment: req.Deployment.ID,
			},
		}, func(line string) {
			req.Log(ctx, "info", line)
		})
		if err != nil {
			return err
		}
		req.Log(ctx, "info", fmt.Sprintf("build finished in %s", result.Duration.Round(time.Millisecond)))
		return nil
	})
}
