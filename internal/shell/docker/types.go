// Package docker implements the container runtime collaborator used by the
// build strategies and the deployment orchestrator, backed by the Docker
// Engine API. A Client speaks to the local daemon by default; services with a
// RuntimeHost get a client pointed at the remote daemon instead.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Labels
// =============================================================================

// Labels stamped on every container, network and volume the platform creates.
// Listing by label is how the platform finds its own resources again.
const (
	LabelManaged        = "sh.slipway.managed"
	LabelService        = "sh.slipway.service"
	LabelDeployment     = "sh.slipway.deployment"
	LabelBuilder        = "sh.slipway.builder"
	LabelComposeService = "sh.slipway.compose-service"
)

// =============================================================================
// Build Types
// =============================================================================

// BuildOptions describes an image build from a workspace directory.
type BuildOptions struct {
	ContextDir string
	Dockerfile string // relative to ContextDir, "Dockerfile" when empty
	Tags       []string
	BuildArgs  map[string]*string // nil value keeps the Dockerfile ARG default
	Target     string
	Labels     map[string]string
	NoCache    bool
	Pull       bool
	Platform   string // e.g. "linux/amd64"
}

// BuildResult reports what an image build produced.
type BuildResult struct {
	ImageID  string
	Tags     []string
	Duration time.Duration
}

// BuildOutput receives incremental build log lines.
type BuildOutput func(line string)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the container to create and start.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Entrypoint     []string
	WorkingDir     string
	User           string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Mounts         []Mount
	Networks       []string
	NetworkAliases map[string][]string // network name to DNS aliases on it
	RestartPolicy  RestartPolicy
	Resources      ResourceLimits
	HealthCheck    *HealthCheck
}

// PortBinding maps a container port to the host.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 lets the daemon pick
	Protocol      string // "tcp" when empty
	HostIP        string // "" binds 0.0.0.0
}

// Mount attaches a named volume or a host path into the container.
type Mount struct {
	Source   string // volume name, or host path when absolute
	Target   string
	ReadOnly bool
}

// RestartPolicy controls daemon-side restarts.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits caps container resources.
type ResourceLimits struct {
	CPULimit    float64 // cores
	MemoryLimit int64   // bytes
}

// HealthCheck configures the daemon-native container health check.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus is the daemon-reported container state.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo describes an existing container.
type ContainerInfo struct {
	ID          string
	Name        string
	Image       string
	Status      ContainerStatus
	Health      string // "healthy", "unhealthy", "starting", "" when no check
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Ports       []PortBinding
	Labels      map[string]string
	IPAddresses map[string]string // network name -> container IP
	ExitCode    int
}

// =============================================================================
// Network and Volume Types
// =============================================================================

// NetworkSpec defines a network to ensure.
type NetworkSpec struct {
	Name   string
	Driver string // "bridge" when empty
	Labels map[string]string
}

// VolumeSpec defines a volume to ensure.
type VolumeSpec struct {
	Name   string
	Driver string // "local" when empty
	Labels map[string]string
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions controls container removal.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions filters container listings. Each Labels entry becomes a
// key=value label filter; multiple entries are ANDed.
type ListOptions struct {
	All    bool
	Labels map[string]string
}

// PullOptions controls image pulls.
type PullOptions struct {
	Platform string
}

// HealthProbeOptions configures a post-start health probe.
type HealthProbeOptions struct {
	URL      string        // probed with GET when non-empty
	Timeout  time.Duration // total budget, 60s when zero
	Interval time.Duration // poll interval, 3s when zero
}

// =============================================================================
// Runtime Interface
// =============================================================================

// Runtime is the container runtime surface the build strategies and the
// orchestrator depend on. *Client implements it against a Docker daemon;
// tests substitute fakes.
type Runtime interface {
	// Image operations
	BuildImage(ctx context.Context, opts BuildOptions, onOutput BuildOutput) (*BuildResult, error)
	PullImage(ctx context.Context, ref string, opts PullOptions) error
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Container operations
	RunContainer(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error)
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	TailLogs(ctx context.Context, containerID string, tail int) ([]string, error)

	// Network and volume operations
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	EnsureVolume(ctx context.Context, spec VolumeSpec) (string, error)
	RemoveVolume(ctx context.Context, volumeName string, force bool) error

	// Health operations
	CheckHealth(ctx context.Context, containerID string, opts HealthProbeOptions) error
	Ping(ctx context.Context) error
	Close() error
}
