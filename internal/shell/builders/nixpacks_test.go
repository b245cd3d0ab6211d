package builders

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Nixpacks Strategy Tests
// =============================================================================

func TestNixpacks_Descriptor(t *testing.T) {
	n := NewNixpacks(newPipeline(newFakeRuntime(), "", 0, 0, nil), &fakeRunner{})

	desc := n.Descriptor()
	assert.Equal(t, "nixpacks", desc.ID)
	assert.True(t, desc.HasTag(builder.TagAutoDetect))
	require.NoError(t, desc.ConfigSchema.Check())
}

func TestNixpacks_CommandLine(t *testing.T) {
	rt := newFakeRuntime()
	runner := &fakeRunner{lines: []string{"║ setup │ nodejs_18"}}
	rec := &recorder{}
	n := NewNixpacks(newPipeline(rt, "", 0, 0, nil), runner)

	workspace := t.TempDir()
	req := testDeployRequest(rec, workspace, map[string]any{
		"install_cmd": "npm ci",
		"start_cmd":   "node server.js",
	})

	result, err := n.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "nixpacks", call.name)
	assert.Equal(t, workspace, call.dir)
	assert.Equal(t, []string{
		"build", workspace,
		"--name", fixtureImageTag,
		"--install-cmd", "npm ci",
		"--start-cmd", "node server.js",
		"--env", "PORT=3000",
	}, call.args)

	assert.Contains(t, rec.logMessages(), "║ setup │ nodejs_18")
}

func TestNixpacks_MissingImageAfterBuildFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.missingImages[fixtureImageTag] = true
	rec := &recorder{}
	n := NewNixpacks(newPipeline(rt, "", 0, 0, nil), &fakeRunner{})

	result, err := n.Deploy(context.Background(), testDeployRequest(rec, t.TempDir(), nil))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, domain.PhaseFailed, rec.lastPhase().Phase)
}

func TestNixpacks_RunnerErrorFailsDeploy(t *testing.T) {
	rt := newFakeRuntime()
	runner := &fakeRunner{err: errors.New("nixpacks: exit status 1")}
	rec := &recorder{}
	n := NewNixpacks(newPipeline(rt, "", 0, 0, nil), runner)

	_, err := n.Deploy(context.Background(), testDeployRequest(rec, t.TempDir(), nil))
	require.Error(t, err)
	assert.Equal(t, domain.PhaseFailed, rec.lastPhase().Phase)
	assert.Empty(t, rt.runSpecs)
}
