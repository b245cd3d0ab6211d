package docker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Client
// =============================================================================

// Client implements Runtime against a Docker daemon.
type Client struct {
	cli   *client.Client
	probe *http.Client
}

// NewClient creates a client for the daemon at host. An empty host uses the
// environment defaults (DOCKER_HOST or the local socket); a provisioned
// service passes its RuntimeHost, e.g. "tcp://10.0.0.5:2376".
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewRuntimeError("NewClient", "", host, "failed to create client", ErrConnectionFailed)
	}
	return &Client{
		cli:   cli,
		probe: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return NewRuntimeError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// RunContainer creates, connects and starts a container from the spec. The
// created container is removed again when the start fails, so a failed run
// never leaves a half-configured container behind.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Env:        envSlice(spec.Env),
		Labels:     spec.Labels,
	}

	hostConfig := &container.HostConfig{
		Mounts: containerMounts(spec.Mounts),
	}

	exposed, bindings, err := natPortMappings(spec.Ports)
	if err != nil {
		return nil, NewRuntimeError("RunContainer", "container", spec.Name, err.Error(), err)
	}
	config.ExposedPorts = exposed
	hostConfig.PortBindings = bindings

	if spec.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		hostConfig.Memory = spec.Resources.MemoryLimit
	}
	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}
	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{},
		}
		for _, n := range spec.Networks {
			endpoint := &network.EndpointSettings{}
			if aliases := spec.NetworkAliases[n]; len(aliases) > 0 {
				endpoint.Aliases = aliases
			}
			networkConfig.EndpointsConfig[n] = endpoint
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return nil, NewRuntimeError("RunContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return nil, NewRuntimeError("RunContainer", "container", spec.Name, err.Error(), ErrPortAllocated)
		}
		return nil, NewRuntimeError("RunContainer", "container", spec.Name, err.Error(), err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, NewRuntimeError("RunContainer", "container", spec.Name, err.Error(), err)
	}

	return c.InspectContainer(ctx, resp.ID)
}

// StopContainer stops a running container. A nil timeout uses the daemon
// default grace period.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := c.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewRuntimeError("StopContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewRuntimeError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewRuntimeError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewRuntimeError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewRuntimeError("InspectContainer", "container", containerID, err.Error(), err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)

	var ports []PortBinding
	for containerPort, bindings := range resp.NetworkSettings.Ports {
		target, _ := strconv.Atoi(containerPort.Port())
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, PortBinding{
				ContainerPort: target,
				HostPort:      hostPort,
				Protocol:      containerPort.Proto(),
				HostIP:        binding.HostIP,
			})
		}
	}

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	ips := make(map[string]string)
	for name, endpoint := range resp.NetworkSettings.Networks {
		if endpoint != nil && endpoint.IPAddress != "" {
			ips[name] = endpoint.IPAddress
		}
	}

	return &ContainerInfo{
		ID:          resp.ID,
		Name:        strings.TrimPrefix(resp.Name, "/"),
		Image:       resp.Config.Image,
		Status:      ContainerStatus(resp.State.Status),
		Health:      health,
		CreatedAt:   createdAt,
		StartedAt:   parseTimestamp(resp.State.StartedAt),
		FinishedAt:  parseTimestamp(resp.State.FinishedAt),
		Ports:       ports,
		Labels:      resp.Config.Labels,
		IPAddresses: ips,
		ExitCode:    resp.State.ExitCode,
	}, nil
}

// ListContainers returns containers matching the given options.
func (c *Client) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	listOpts := container.ListOptions{All: opts.All}
	if len(opts.Labels) > 0 {
		listOpts.Filters = labelFilterArgs(opts.Labels)
	}

	containers, err := c.cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, NewRuntimeError("ListContainers", "container", "", err.Error(), err)
	}

	var result []ContainerInfo
	for _, item := range containers {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range item.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}

		result = append(result, ContainerInfo{
			ID:        item.ID,
			Name:      name,
			Image:     item.Image,
			Status:    ContainerStatus(item.State),
			CreatedAt: time.Unix(item.Created, 0),
			Ports:     ports,
			Labels:    item.Labels,
		})
	}

	return result, nil
}

// TailLogs returns the last tail lines of a container's output, stdout and
// stderr interleaved in arrival order.
func (c *Client) TailLogs(ctx context.Context, containerID string, tail int) ([]string, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewRuntimeError("TailLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewRuntimeError("TailLogs", "container", containerID, err.Error(), err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewRuntimeError("TailLogs", "container", containerID, err.Error(), err)
	}

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, bytes.NewReader(raw)); err != nil {
		// A tty container emits an unframed stream.
		buf.Reset()
		buf.Write(raw)
	}

	return splitLogLines(buf.String()), nil
}

// =============================================================================
// Network Operations
// =============================================================================

// EnsureNetwork creates the network if it does not exist and returns its id.
func (c *Client) EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	if existing, err := c.cli.NetworkInspect(ctx, spec.Name, network.InspectOptions{}); err == nil {
		return existing.ID, nil
	}

	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := c.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		// Lost a create race; the network is there now.
		if strings.Contains(err.Error(), "already exists") {
			return spec.Name, nil
		}
		return "", NewRuntimeError("EnsureNetwork", "network", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network.
func (c *Client) RemoveNetwork(ctx context.Context, networkID string) error {
	err := c.cli.NetworkRemove(ctx, networkID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveNetwork", "network", networkID, "network not found", ErrNetworkNotFound)
		}
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewRuntimeError("RemoveNetwork", "network", networkID, "network has active endpoints", ErrNetworkInUse)
		}
		return NewRuntimeError("RemoveNetwork", "network", networkID, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// EnsureVolume creates the volume if it does not exist and returns its name.
// Volume creation is an upsert on the daemon side, so an existing volume with
// the same name is simply reused.
func (c *Client) EnsureVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	resp, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return "", NewRuntimeError("EnsureVolume", "volume", spec.Name, err.Error(), err)
	}
	return resp.Name, nil
}

// RemoveVolume removes a volume.
func (c *Client) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	err := c.cli.VolumeRemove(ctx, volumeName, force)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveVolume", "volume", volumeName, "volume not found", ErrVolumeNotFound)
		}
		if strings.Contains(err.Error(), "in use") {
			return NewRuntimeError("RemoveVolume", "volume", volumeName, "volume is in use", ErrVolumeInUse)
		}
		return NewRuntimeError("RemoveVolume", "volume", volumeName, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from its registry.
func (c *Client) PullImage(ctx context.Context, ref string, opts PullOptions) error {
	pullOpts := image.PullOptions{}
	if opts.Platform != "" {
		pullOpts.Platform = opts.Platform
	}

	reader, err := c.cli.ImagePull(ctx, ref, pullOpts)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewRuntimeError("PullImage", "image", ref, "image not found", ErrImageNotFound)
		}
		return NewRuntimeError("PullImage", "image", ref, err.Error(), ErrPullFailed)
	}
	defer reader.Close()

	// The pull completes when the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewRuntimeError("PullImage", "image", ref, err.Error(), ErrPullFailed)
	}
	return nil
}

// ImageExists checks whether an image is present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := c.cli.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewRuntimeError("ImageExists", "image", ref, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

// envSlice renders an environment map as KEY=value pairs in key order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// natPortMappings converts port bindings into the exposed-port set and the
// host bindings the daemon expects.
func natPortMappings(ports []PortBinding) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}

		hostPort := ""
		if p.HostPort != 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: hostPort,
		})
	}
	return exposed, bindings, nil
}

// containerMounts converts mounts, binding absolute sources and treating
// everything else as a named volume.
func containerMounts(mounts []Mount) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		mountType := mount.TypeVolume
		if strings.HasPrefix(m.Source, "/") {
			mountType = mount.TypeBind
		}
		out = append(out, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

// labelFilterArgs builds a label filter, one key=value term per entry.
func labelFilterArgs(labels map[string]string) filters.Args {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := filters.NewArgs()
	for _, k := range keys {
		args.Add("label", k+"="+labels[k])
	}
	return args
}

// parseTimestamp parses a daemon timestamp, mapping the zero value to nil.
func parseTimestamp(s string) *time.Time {
	if s == "" || s == "0001-01-01T00:00:00Z" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// splitLogLines splits raw log output into trimmed non-empty lines.
func splitLogLines(raw string) []string {
	if raw == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
