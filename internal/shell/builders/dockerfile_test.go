package builders

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Dockerfile Strategy Tests
// =============================================================================

func TestDockerfile_Descriptor(t *testing.T) {
	d := NewDockerfile(newPipeline(newFakeRuntime(), "", 0, 0, nil))

	desc := d.Descriptor()
	assert.Equal(t, "dockerfile", desc.ID)
	assert.True(t, desc.HasTag(builder.TagContainer))
	require.NoError(t, desc.ConfigSchema.Check())
}

func TestDockerfile_BuildsWorkspaceDockerfile(t *testing.T) {
	rt := newFakeRuntime()
	rt.buildLines = []string{"Step 1/4 : FROM golang:1.24"}
	rec := &recorder{}
	d := NewDockerfile(newPipeline(rt, "", 0, 0, nil))

	workspace := t.TempDir()
	req := testDeployRequest(rec, workspace, map[string]any{
		"dockerfile": "docker/Dockerfile.prod",
		"context":    "backend",
		"target":     "runtime",
		"build_args": map[string]any{"VERSION": "1.2.3"},
		"no_cache":   true,
	})

	result, err := d.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	require.Len(t, rt.builds, 1)
	opts := rt.builds[0]
	assert.Equal(t, filepath.Join(workspace, "backend"), opts.ContextDir)
	assert.Equal(t, "docker/Dockerfile.prod", opts.Dockerfile)
	assert.Equal(t, []string{fixtureImageTag}, opts.Tags)
	assert.Equal(t, "runtime", opts.Target)
	assert.True(t, opts.NoCache)
	require.Contains(t, opts.BuildArgs, "VERSION")
	assert.Equal(t, "1.2.3", *opts.BuildArgs["VERSION"])
	assert.Equal(t, "svc-1", opts.Labels["sh.slipway.service"])

	// build output is forwarded to the log callback
	assert.Contains(t, rec.logMessages(), "Step 1/4 : FROM golang:1.24")
}

func TestDockerfile_DefaultsWhenConfigEmpty(t *testing.T) {
	rt := newFakeRuntime()
	rec := &recorder{}
	d := NewDockerfile(newPipeline(rt, "", 0, 0, nil))

	workspace := t.TempDir()
	_, err := d.Deploy(context.Background(), testDeployRequest(rec, workspace, nil))
	require.NoError(t, err)

	require.Len(t, rt.builds, 1)
	assert.Equal(t, workspace, rt.builds[0].ContextDir)
	assert.Equal(t, "Dockerfile", rt.builds[0].Dockerfile)
	assert.False(t, rt.builds[0].NoCache)
}
