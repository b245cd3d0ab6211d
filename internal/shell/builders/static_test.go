package builders

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Static Strategy Tests
// =============================================================================

func TestStatic_Descriptor(t *testing.T) {
	s := NewStatic(newPipeline(newFakeRuntime(), "", 0, 0, nil))

	desc := s.Descriptor()
	assert.Equal(t, "static", desc.ID)
	assert.True(t, desc.HasTag(builder.TagStatic))
	require.NoError(t, desc.ConfigSchema.Check())
}

func TestStatic_DeploysNginxOverPublishDir(t *testing.T) {
	rt := newFakeRuntime()
	rec := &recorder{}
	s := NewStatic(newPipeline(rt, "", 0, 0, nil))

	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "dist", "index.html"), []byte("<h1>hi</h1>"), 0o644))

	req := testDeployRequest(rec, workspace, map[string]any{"publish_dir": "dist"})
	result, err := s.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	require.Len(t, rt.builds, 1)
	assert.Equal(t, workspace, rt.builds[0].ContextDir)
	assert.Equal(t, staticDockerfile, rt.builds[0].Dockerfile)

	generated, err := os.ReadFile(filepath.Join(workspace, staticDockerfile))
	require.NoError(t, err)
	assert.Contains(t, string(generated), "FROM nginx:alpine")
	assert.Contains(t, string(generated), "COPY dist/ /usr/share/nginx/html/")

	// nginx listens on 80, so the backend does too
	updating, ok := rec.phaseByName(domain.PhaseUpdatingRoutes)
	require.True(t, ok)
	assert.Equal(t, "http://slipway-my-app-d290f1ee:80", updating.Metadata["backend_url"])
}

func TestStatic_MissingPublishDirFails(t *testing.T) {
	rt := newFakeRuntime()
	rec := &recorder{}
	s := NewStatic(newPipeline(rt, "", 0, 0, nil))

	req := testDeployRequest(rec, t.TempDir(), map[string]any{"publish_dir": "build"})
	_, err := s.Deploy(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"build" not found`)
	assert.Equal(t, domain.PhaseFailed, rec.lastPhase().Phase)
	assert.Empty(t, rt.builds)
}

// =============================================================================
// Asset Generation Tests
// =============================================================================

func TestWriteStaticAssets(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "public"), 0o755))

	require.NoError(t, writeStaticAssets(workspace, "public", false))

	assert.FileExists(t, filepath.Join(workspace, staticDockerfile))
	assert.FileExists(t, filepath.Join(workspace, staticNginxConf))
}

func TestWriteStaticAssets_RejectsEscape(t *testing.T) {
	err := writeStaticAssets(t.TempDir(), "../outside", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the workspace")
}

func TestWriteStaticAssets_RejectsFile(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "index.html"), []byte("x"), 0o644))

	err := writeStaticAssets(workspace, "index.html", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestRenderStaticDockerfile_Root(t *testing.T) {
	out := renderStaticDockerfile(".")
	assert.Contains(t, out, "COPY . /usr/share/nginx/html/")
	assert.Contains(t, out, "RUN rm -f /usr/share/nginx/html/"+staticDockerfile)
}

func TestRenderStaticDockerfile_Subdir(t *testing.T) {
	out := renderStaticDockerfile("dist")
	assert.Contains(t, out, "COPY dist/ /usr/share/nginx/html/")
	assert.NotContains(t, out, "RUN rm")
}

func TestRenderNginxConf(t *testing.T) {
	plain := renderNginxConf(false)
	assert.Contains(t, plain, "listen 80;")
	assert.Contains(t, plain, "try_files $uri $uri/ =404;")

	spa := renderNginxConf(true)
	assert.Contains(t, spa, "try_files $uri $uri/ /index.html;")
}
