package builders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Fake Runtime
// =============================================================================

type healthCall struct {
	containerID string
	opts        docker.HealthProbeOptions
}

// fakeRuntime records every runtime call and answers from scripted state.
type fakeRuntime struct {
	mu sync.Mutex

	builds     []docker.BuildOptions
	buildLines []string
	buildErr   error

	pulled        []string
	pullErr       error
	missingImages map[string]bool // ImageExists answers false for these

	runSpecs []docker.ContainerSpec
	runErr   error
	runErrOn string // container name the error fires for, all when empty

	stopped   []string
	removed   []string
	inspected map[string]*docker.ContainerInfo

	listed  []docker.ContainerInfo
	listErr error

	networks   []docker.NetworkSpec
	networkErr error
	volumes    []docker.VolumeSpec

	healthCalls []healthCall
	healthErr   error
	healthErrOn string // container id the error fires for, all when empty

	tailLines []string

	nextIP int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		missingImages: map[string]bool{},
		inspected:     map[string]*docker.ContainerInfo{},
	}
}

func (f *fakeRuntime) BuildImage(ctx context.Context, opts docker.BuildOptions, onOutput docker.BuildOutput) (*docker.BuildResult, error) {
	f.mu.Lock()
	f.builds = append(f.builds, opts)
	lines := f.buildLines
	err := f.buildErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if onOutput != nil {
			onOutput(line)
		}
	}
	return &docker.BuildResult{ImageID: "sha256:fake", Tags: opts.Tags, Duration: 42 * time.Millisecond}, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string, opts docker.PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return f.pullErr
}

func (f *fakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missingImages[ref], nil
}

func (f *fakeRuntime) RunContainer(ctx context.Context, spec docker.ContainerSpec) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runErr != nil && (f.runErrOn == "" || f.runErrOn == spec.Name) {
		return nil, f.runErr
	}
	f.runSpecs = append(f.runSpecs, spec)

	f.nextIP++
	ips := make(map[string]string, len(spec.Networks))
	for _, net := range spec.Networks {
		ips[net] = fmt.Sprintf("172.28.0.%d", f.nextIP+1)
	}
	return &docker.ContainerInfo{
		ID:          "cid-" + spec.Name,
		Name:        spec.Name,
		Image:       spec.Image,
		Status:      docker.ContainerStatusRunning,
		Labels:      spec.Labels,
		IPAddresses: ips,
	}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.inspected[containerID]; ok {
		return info, nil
	}
	return nil, docker.NewRuntimeError("InspectContainer", "container", containerID, "container not found", docker.ErrContainerNotFound)
}

func (f *fakeRuntime) ListContainers(ctx context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, f.listErr
}

func (f *fakeRuntime) TailLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tailLines, nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networkErr != nil {
		return "", f.networkErr
	}
	f.networks = append(f.networks, spec)
	return spec.Name, nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, networkID string) error { return nil }

func (f *fakeRuntime) EnsureVolume(ctx context.Context, spec docker.VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, spec)
	return spec.Name, nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	return nil
}

func (f *fakeRuntime) CheckHealth(ctx context.Context, containerID string, opts docker.HealthProbeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls = append(f.healthCalls, healthCall{containerID: containerID, opts: opts})
	if f.healthErr != nil && (f.healthErrOn == "" || f.healthErrOn == containerID) {
		return f.healthErr
	}
	return nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close() error                   { return nil }

func (f *fakeRuntime) ensuredNetworkNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.networks))
	for _, spec := range f.networks {
		names = append(names, spec.Name)
	}
	return names
}

func (f *fakeRuntime) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.runSpecs))
	for _, spec := range f.runSpecs {
		names = append(names, spec.Name)
	}
	return names
}

// =============================================================================
// Fake Command Runner
// =============================================================================

type runnerCall struct {
	dir  string
	env  []string
	name string
	args []string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	lines []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, onLine func(string), name string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{dir: dir, env: env, name: name, args: args})
	lines := f.lines
	err := f.err
	f.mu.Unlock()

	for _, line := range lines {
		if onLine != nil {
			onLine(line)
		}
	}
	return err
}

// =============================================================================
// Callback Recorder
// =============================================================================

var errCallbackStop = fmt.Errorf("callback aborted")

// recorder captures phase updates and log lines the way the orchestrator
// would, optionally erroring at a chosen phase to exercise aborts.
type recorder struct {
	mu     sync.Mutex
	phases []domain.PhaseUpdate
	logs   []builder.LogLine
	failAt domain.Phase
}

func (r *recorder) onPhase(ctx context.Context, update domain.PhaseUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, update)
	if r.failAt != "" && update.Phase == r.failAt {
		return errCallbackStop
	}
	return nil
}

func (r *recorder) onLog(ctx context.Context, line builder.LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func (r *recorder) phaseSequence() []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Phase, len(r.phases))
	for i, u := range r.phases {
		out[i] = u.Phase
	}
	return out
}

func (r *recorder) lastPhase() domain.PhaseUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 {
		return domain.PhaseUpdate{}
	}
	return r.phases[len(r.phases)-1]
}

func (r *recorder) phaseByName(phase domain.Phase) (domain.PhaseUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.phases {
		if u.Phase == phase {
			return u, true
		}
	}
	return domain.PhaseUpdate{}, false
}

func (r *recorder) logMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.logs))
	for i, l := range r.logs {
		out[i] = l.Message
	}
	return out
}

// =============================================================================
// Request Fixture
// =============================================================================

const fixtureDeploymentID = "d290f1ee-6c54-4b01-90e6-d701748f0851"

func testDeployRequest(rec *recorder, workspace string, cfg map[string]any) builder.DeployRequest {
	return builder.DeployRequest{
		Service: domain.Service{
			ID:              "svc-1",
			Name:            "My App",
			AppName:         "my-app",
			BuilderID:       "dockerfile",
			ContainerPort:   3000,
			HealthCheckPath: "/healthz",
		},
		Deployment: domain.Deployment{
			ID:        fixtureDeploymentID,
			ServiceID: "svc-1",
			Status:    domain.StatusBuilding,
		},
		Workspace: workspace,
		Config:    cfg,
		Env:       map[string]string{"PORT": "3000"},
		OnPhase:   rec.onPhase,
		OnLog:     rec.onLog,
	}
}
