package builders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Static Strategy
// =============================================================================

const (
	staticDockerfile = "Dockerfile.slipway"
	staticNginxConf  = "nginx.slipway.conf"
	staticPort       = 80
)

// Static serves a directory of prebuilt files through nginx. It writes a
// generated Dockerfile and nginx config into the workspace and builds that.
type Static struct {
	pipeline *pipeline
}

// NewStatic creates the static site strategy.
func NewStatic(p *pipeline) *Static {
	return &Static{pipeline: p}
}

func (s *Static) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:          "static",
		Name:        "Static Site",
		Description: "Serves a directory of static files with nginx.",
		Icon:        "file",
		Tags:        []builder.Tag{builder.TagStatic},
		ConfigSchema: schema.Schema{
			ID:      "builder.static",
			Version: "1",
			Fields: []schema.Field{
				{Key: "publish_dir", Label: "Publish directory", Type: schema.FieldText, Default: ".", Validator: "relative_path", Transformer: "trim", Order: 1},
				{Key: "spa_fallback", Label: "Single-page app fallback", Type: schema.FieldToggle, Default: false, Description: "Serve index.html for unknown paths.", Order: 2},
			},
		},
		Defaults: map[string]any{
			"publish_dir": ".",
		},
	}
}

func (s *Static) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return s.pipeline.run(ctx, req, "static", staticPort, func(ctx context.Context, imageTag string) error {
		publishDir := configString(req.Config, "publish_dir", ".")
		if err := writeStaticAssets(req.Workspace, publishDir, configBool(req.Config, "spa_fallback")); err != nil {
			return err
		}

		_, err := s.pipeline.runtime.BuildImage(ctx, docker.BuildOptions{
			ContextDir: req.Workspace,
			Dockerfile: staticDockerfile,
			Tags:       []string{imageTag},
			Labels: map[string]string{
				docker.LabelManaged:    "true",
				docker.LabelService:    req.Service.ID,
				docker.LabelDeployment: req.Deployment.ID,
			},
		}, func(line string) {
			req.Log(ctx, "info", line)
		})
		return err
	})
}

// writeStaticAssets generates the Dockerfile and nginx config into the
// workspace root. publishDir must resolve to an existing directory inside
// the workspace.
func writeStaticAssets(workspace, publishDir string, spaFallback bool) error {
	target := filepath.Join(workspace, publishDir)

	rel, err := filepath.Rel(workspace, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("publish directory %q escapes the workspace", publishDir)
	}
	stat, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("publish directory %q not found", publishDir)
	}
	if !stat.IsDir() {
		return fmt.Errorf("publish directory %q is not a directory", publishDir)
	}

	if err := os.WriteFile(filepath.Join(workspace, staticNginxConf), []byte(renderNginxConf(spaFallback)), 0o644); err != nil {
		return fmt.Errorf("write nginx config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, staticDockerfile), []byte(renderStaticDockerfile(rel)), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

// renderStaticDockerfile produces the nginx image build for a publish
// directory relative to the build context.
func renderStaticDockerfile(publishDir string) string {
	var b strings.Builder
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY " + staticNginxConf + " /etc/nginx/conf.d/default.conf\n")
	if publishDir == "." {
		b.WriteString("COPY . /usr/share/nginx/html/\n")
		// The generated files land inside the site when publishing the root.
		b.WriteString("RUN rm -f /usr/share/nginx/html/" + staticDockerfile + " /usr/share/nginx/html/" + staticNginxConf + "\n")
	} else {
		b.WriteString("COPY " + filepath.ToSlash(publishDir) + "/ /usr/share/nginx/html/\n")
	}
	return b.String()
}

// renderNginxConf produces the server block. With the SPA fallback enabled,
// unknown paths serve index.html so client-side routers handle them.
func renderNginxConf(spaFallback bool) string {
	tryFiles := "try_files $uri $uri/ =404;"
	if spaFallback {
		tryFiles = "try_files $uri $uri/ /index.html;"
	}
	return fmt.Sprintf(`server {
    listen %d;
    server_name _;

    root /usr/share/nginx/html;
    index index.html;

    location / {
        %s
    }
}
`, staticPort, tryFiles)
}
