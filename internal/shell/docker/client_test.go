package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// Test container name prefix to identify test containers.
const testPrefix = "slipway-test-"

const testImage = "alpine:latest"

func skipIfNoDocker(t *testing.T) *Client {
	t.Helper()
	cli, err := NewClient("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

// requireTestImage makes sure the shared test image is present, skipping the
// test when it cannot be pulled (offline environments).
func requireTestImage(t *testing.T, cli *Client) {
	t.Helper()
	ctx := context.Background()
	exists, err := cli.ImageExists(ctx, testImage)
	require.NoError(t, err)
	if exists {
		return
	}
	if err := cli.PullImage(ctx, testImage, PullOptions{}); err != nil {
		t.Skip("cannot pull test image:", err)
	}
}

func cleanupContainer(t *testing.T, cli *Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	timeout := 2 * time.Second
	_ = cli.StopContainer(ctx, containerID, &timeout)
	_ = cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewClient_BadHost(t *testing.T) {
	_, err := NewClient("not-a-host")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

// =============================================================================
// Conversion Helper Tests
// =============================================================================

func TestEnvSlice_SortedPairs(t *testing.T) {
	env := map[string]string{
		"PORT":         "8080",
		"DATABASE_URL": "postgres://db:5432/app",
		"APP_ENV":      "production",
	}

	got := envSlice(env)

	assert.Equal(t, []string{
		"APP_ENV=production",
		"DATABASE_URL=postgres://db:5432/app",
		"PORT=8080",
	}, got)
}

func TestEnvSlice_Empty(t *testing.T) {
	assert.Nil(t, envSlice(nil))
	assert.Nil(t, envSlice(map[string]string{}))
}

func TestNatPortMappings(t *testing.T) {
	exposed, bindings, err := natPortMappings([]PortBinding{
		{ContainerPort: 8080},
		{ContainerPort: 9090, HostPort: 19090, Protocol: "udp", HostIP: "127.0.0.1"},
	})
	require.NoError(t, err)

	assert.Contains(t, exposed, mustPort(t, "8080/tcp"))
	assert.Contains(t, exposed, mustPort(t, "9090/udp"))

	tcp := bindings[mustPort(t, "8080/tcp")]
	require.Len(t, tcp, 1)
	assert.Equal(t, "", tcp[0].HostPort) // daemon picks
	assert.Equal(t, "", tcp[0].HostIP)

	udp := bindings[mustPort(t, "9090/udp")]
	require.Len(t, udp, 1)
	assert.Equal(t, "19090", udp[0].HostPort)
	assert.Equal(t, "127.0.0.1", udp[0].HostIP)
}

func TestNatPortMappings_Empty(t *testing.T) {
	exposed, bindings, err := natPortMappings(nil)
	require.NoError(t, err)
	assert.Nil(t, exposed)
	assert.Nil(t, bindings)
}

func TestContainerMounts_BindVsVolume(t *testing.T) {
	got := containerMounts([]Mount{
		{Source: "/etc/app/config.yml", Target: "/config.yml", ReadOnly: true},
		{Source: "app-data", Target: "/data"},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "bind", string(got[0].Type))
	assert.True(t, got[0].ReadOnly)
	assert.Equal(t, "volume", string(got[1].Type))
	assert.Equal(t, "app-data", got[1].Source)
}

func TestLabelFilterArgs(t *testing.T) {
	args := labelFilterArgs(map[string]string{
		LabelManaged: "true",
		LabelService: "my-app",
	})

	values := args.Get("label")
	assert.ElementsMatch(t, []string{
		LabelManaged + "=true",
		LabelService + "=my-app",
	}, values)
}

func TestParseTimestamp(t *testing.T) {
	assert.Nil(t, parseTimestamp(""))
	assert.Nil(t, parseTimestamp("0001-01-01T00:00:00Z"))
	assert.Nil(t, parseTimestamp("not a time"))

	got := parseTimestamp("2026-03-01T10:30:00.123456789Z")
	require.NotNil(t, got)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.March, got.Month())
}

func TestSplitLogLines(t *testing.T) {
	lines := splitLogLines("listening on :8080\nready\r\n\nshutting down\n")
	assert.Equal(t, []string{"listening on :8080", "ready", "shutting down"}, lines)

	assert.Nil(t, splitLogLines(""))
}

// =============================================================================
// Build Stream Tests
// =============================================================================

func TestConsumeBuildStream_CollectsLinesAndImageID(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/2 : FROM alpine\n"}`,
		`{"status":"Downloading","id":"a1b2c3","progress":"[===>      ]"}`,
		`{"stream":" ---> 4f8a1c2\n"}`,
		`{"aux":{"ID":"sha256:deadbeefcafe"}}`,
		`{"stream":"Successfully built deadbeefcafe\n"}`,
	}, "\n")

	var lines []string
	imageID, err := consumeBuildStream(strings.NewReader(stream), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)

	assert.Equal(t, "sha256:deadbeefcafe", imageID)
	assert.Contains(t, lines, "Step 1/2 : FROM alpine")
	assert.Contains(t, lines, "a1b2c3 Downloading [===>      ]")
	assert.Contains(t, lines, "Successfully built deadbeefcafe")
}

func TestConsumeBuildStream_DaemonError(t *testing.T) {
	stream := `{"stream":"Step 1/1 : RUN false\n"}` + "\n" +
		`{"errorDetail":{"message":"The command '/bin/sh -c false' returned a non-zero code: 1"},"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}`

	_, err := consumeBuildStream(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-zero code: 1")
}

func TestConsumeBuildStream_NilCallback(t *testing.T) {
	imageID, err := consumeBuildStream(strings.NewReader(`{"stream":"ok\n"}`), nil)
	require.NoError(t, err)
	assert.Empty(t, imageID)
}

func TestConsumeBuildStream_MalformedJSON(t *testing.T) {
	_, err := consumeBuildStream(strings.NewReader("{not json"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode build output")
}

func TestBuildMessage_Render(t *testing.T) {
	tests := []struct {
		name string
		msg  buildMessage
		want string
	}{
		{
			name: "stream line keeps content, drops trailing newline",
			msg:  buildMessage{Stream: "Step 2/4 : COPY . .\n"},
			want: "Step 2/4 : COPY . .",
		},
		{
			name: "status with id and progress",
			msg:  buildMessage{Status: "Extracting", ID: "f00", Progress: "[=>  ]"},
			want: "f00 Extracting [=>  ]",
		},
		{
			name: "status alone",
			msg:  buildMessage{Status: "Pulling fs layer"},
			want: "Pulling fs layer",
		},
		{
			name: "empty message renders nothing",
			msg:  buildMessage{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.render())
		})
	}
}

func TestReadDockerignore(t *testing.T) {
	dir := t.TempDir()
	content := "node_modules\n# build output\ndist\n\n.git\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(content), 0644))

	patterns := readDockerignore(dir)
	assert.Equal(t, []string{"node_modules", "dist", ".git"}, patterns)
}

func TestReadDockerignore_Missing(t *testing.T) {
	assert.Nil(t, readDockerignore(t.TempDir()))
}

func TestBuildImage_RejectsBadContext(t *testing.T) {
	cli := &Client{}

	_, err := cli.BuildImage(context.Background(), BuildOptions{}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = cli.BuildImage(context.Background(), BuildOptions{ContextDir: "/does/not/exist"}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = cli.BuildImage(context.Background(), BuildOptions{ContextDir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext) // no tags
}

// =============================================================================
// Integration Tests (require a reachable daemon)
// =============================================================================

func TestContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	info, err := cli.RunContainer(ctx, ContainerSpec{
		Name:    testPrefix + "lifecycle",
		Image:   testImage,
		Command: []string{"sleep", "30"},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: testPrefix + "lifecycle",
		},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, info.ID)

	assert.Equal(t, ContainerStatusRunning, info.Status)
	assert.Equal(t, testPrefix+"lifecycle", info.Name)

	listed, err := cli.ListContainers(ctx, ListOptions{
		Labels: map[string]string{LabelService: testPrefix + "lifecycle"},
	})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, info.ID, listed[0].ID)

	timeout := 2 * time.Second
	require.NoError(t, cli.StopContainer(ctx, info.ID, &timeout))
	require.NoError(t, cli.RemoveContainer(ctx, info.ID, RemoveOptions{Force: true}))

	_, err = cli.InspectContainer(ctx, info.ID)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestRunContainer_DuplicateName(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	spec := ContainerSpec{
		Name:    testPrefix + "duplicate",
		Image:   testImage,
		Command: []string{"sleep", "30"},
	}

	info, err := cli.RunContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, info.ID)

	_, err = cli.RunContainer(ctx, spec)
	assert.ErrorIs(t, err, ErrContainerAlreadyExists)
}

func TestEnsureNetwork_Idempotent(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	spec := NetworkSpec{
		Name:   testPrefix + "network",
		Labels: map[string]string{LabelManaged: "true"},
	}

	first, err := cli.EnsureNetwork(ctx, spec)
	require.NoError(t, err)
	defer func() { _ = cli.RemoveNetwork(ctx, first) }()

	second, err := cli.EnsureNetwork(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsureVolume_AndRemove(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	name, err := cli.EnsureVolume(ctx, VolumeSpec{
		Name:   testPrefix + "volume",
		Labels: map[string]string{LabelManaged: "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"volume", name)

	// Second ensure is an upsert.
	again, err := cli.EnsureVolume(ctx, VolumeSpec{Name: testPrefix + "volume"})
	require.NoError(t, err)
	assert.Equal(t, name, again)

	require.NoError(t, cli.RemoveVolume(ctx, name, true))
}

func TestCheckHealth_RunningContainer(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	info, err := cli.RunContainer(ctx, ContainerSpec{
		Name:    testPrefix + "healthy",
		Image:   testImage,
		Command: []string{"sleep", "30"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, info.ID)

	err = cli.CheckHealth(ctx, info.ID, HealthProbeOptions{
		Timeout:  10 * time.Second,
		Interval: 200 * time.Millisecond,
	})
	assert.NoError(t, err)
}

func TestCheckHealth_ExitedContainer(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	info, err := cli.RunContainer(ctx, ContainerSpec{
		Name:    testPrefix + "exited",
		Image:   testImage,
		Command: []string{"true"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, info.ID)

	err = cli.CheckHealth(ctx, info.ID, HealthProbeOptions{
		Timeout:  5 * time.Second,
		Interval: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrUnhealthy)
}

func TestBuildImage_FromWorkspace(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	dir := t.TempDir()
	dockerfile := "FROM " + testImage + "\nRUN echo built-by-test\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644))

	tag := testPrefix + "build:latest"
	var lines []string
	result, err := cli.BuildImage(ctx, BuildOptions{
		ContextDir: dir,
		Tags:       []string{tag},
	}, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	defer func() {
		_, _ = cli.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true})
	}()

	assert.NotEmpty(t, lines)
	assert.Equal(t, []string{tag}, result.Tags)

	exists, err := cli.ImageExists(ctx, tag)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuildImage_FailingStep(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	requireTestImage(t, cli)
	ctx := context.Background()

	dir := t.TempDir()
	dockerfile := "FROM " + testImage + "\nRUN false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644))

	_, err := cli.BuildImage(ctx, BuildOptions{
		ContextDir: dir,
		Tags:       []string{testPrefix + "build-fail:latest"},
	}, nil)
	assert.ErrorIs(t, err, ErrBuildFailed)
}

// =============================================================================
// Error Type Tests
// =============================================================================

func TestRuntimeError_Format(t *testing.T) {
	err := NewRuntimeError("RunContainer", "container", "slipway-app-1234", "boom", ErrContainerNotFound)
	assert.Equal(t, "RunContainer container slipway-app-1234: boom", err.Error())
	assert.ErrorIs(t, err, ErrContainerNotFound)

	err = NewRuntimeError("Ping", "", "", "daemon gone", ErrConnectionFailed)
	assert.Equal(t, "Ping: daemon gone", err.Error())
}

func mustPort(t *testing.T, s string) nat.Port {
	t.Helper()
	proto, port := nat.SplitProtoPort(s)
	p, err := nat.NewPort(proto, port)
	require.NoError(t, err)
	return p
}
