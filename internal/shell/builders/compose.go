package builders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/compose"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Compose Strategy
// =============================================================================

const defaultComposeFile = "docker-compose.yml"

// Compose deploys a multi-service stack from a compose file. Images are
// built or pulled per service, networks and volumes are created app-scoped,
// services start in dependency order, and the first published service is
// wired into the proxy network.
type Compose struct {
	pipeline *pipeline
}

// NewCompose creates the compose strategy.
func NewCompose(p *pipeline) *Compose {
	return &Compose{pipeline: p}
}

func (c *Compose) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:          "compose",
		Name:        "Docker Compose",
		Description: "Deploys every service of a compose file, dependency-ordered.",
		Icon:        "boxes",
		Tags:        []builder.Tag{builder.TagContainer, builder.TagMultiService},
		ConfigSchema: schema.Schema{
			ID:      "builder.compose",
			Version: "1",
			Fields: []schema.Field{
				{Key: "compose_file", Label: "Compose file", Type: schema.FieldText, Default: defaultComposeFile, Validator: "relative_path", Transformer: "trim", Order: 1},
				{Key: "service", Label: "Routed service", Type: schema.FieldText, Transformer: "trim", Description: "Which service receives external traffic. Defaults to the first one publishing a port.", Order: 2},
			},
		},
		Defaults: map[string]any{
			"compose_file": defaultComposeFile,
		},
	}
}

func (c *Compose) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	p := c.pipeline
	app := req.Service.AppName

	composeFile := configString(req.Config, "compose_file", defaultComposeFile)
	raw, err := os.ReadFile(filepath.Join(req.Workspace, composeFile))
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("read %s: %w", composeFile, err))
	}
	spec, err := compose.ParseComposeSpec(string(raw))
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("parse %s: %w", composeFile, err))
	}

	routed, err := routedService(spec, configString(req.Config, "service", ""))
	if err != nil {
		return p.fail(ctx, req, err)
	}

	building := domain.NewPhaseUpdate(domain.PhaseBuilding, "Building images").
		WithMetadata("builder", "compose").
		WithMetadata("compose_file", composeFile).
		WithMetadata("services", len(spec.Services))
	if err := req.Phase(ctx, building); err != nil {
		return nil, err
	}

	req.Log(ctx, "info", fmt.Sprintf("preparing images for %d services", len(spec.Services)))
	images, err := c.prepareImages(ctx, req, spec)
	if err != nil {
		return p.fail(ctx, req, err)
	}
	req.Log(ctx, "info", "images ready")

	copying := domain.NewPhaseUpdate(domain.PhaseCopyingFiles, "Preparing networks and volumes")
	if err := req.Phase(ctx, copying); err != nil {
		return nil, err
	}

	networks, err := c.prepareTopology(ctx, req, spec)
	if err != nil {
		return p.fail(ctx, req, err)
	}

	previous, err := p.runtime.ListContainers(ctx, docker.ListOptions{
		All:    true,
		Labels: map[string]string{docker.LabelService: req.Service.ID},
	})
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("list previous containers: %w", err))
	}

	ordered, err := compose.StartOrder(spec)
	if err != nil {
		return p.fail(ctx, req, err)
	}

	routedName, routedPort := "", req.Service.ContainerPort
	if routed != nil {
		routedName = composeContainerName(app, req.Deployment.ID, routed.Name)
		if port := routed.FirstTargetPort(); port != 0 {
			routedPort = int(port)
		}
	}

	updating := domain.NewPhaseUpdate(domain.PhaseUpdatingRoutes, "Starting services")
	if routed != nil {
		updating = updating.
			WithMetadata("routed_service", routed.Name).
			WithMetadata("backend_url", domain.BackendURL(routedName, routedPort))
	}
	if err := req.Phase(ctx, updating); err != nil {
		return nil, err
	}

	started, err := c.startServices(ctx, req, ordered, images, networks, routed)
	if err != nil {
		c.removeAll(ctx, started)
		return p.fail(ctx, req, err)
	}

	health := domain.NewPhaseUpdate(domain.PhaseHealthCheck, "Verifying health")
	if err := req.Phase(ctx, health); err != nil {
		return nil, err
	}

	if unhealthy, herr := c.verify(ctx, req, started, routedName, routedPort); herr != nil {
		if !errors.Is(herr, docker.ErrUnhealthy) {
			return p.fail(ctx, req, fmt.Errorf("health check: %w", herr))
		}
		return c.unhealthyStack(ctx, req, started, unhealthy, herr)
	}

	active := domain.NewPhaseUpdate(domain.PhaseActive, "Deployment active").
		WithMetadata("containers", len(started)).
		WithMetadata("completed_at", time.Now().UTC().Format(time.RFC3339))
	if err := req.Phase(ctx, active); err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(started))
	ids := make([]string, 0, len(started))
	for _, info := range started {
		keep[info.ID] = true
		ids = append(ids, info.ID)
	}
	p.retire(ctx, req, previous, keep)

	result := &builder.DeployResult{
		ContainerIDs: ids,
		Status:       domain.ResultSuccess,
		Message:      fmt.Sprintf("Deployed %d services", len(started)),
		Metadata:     map[string]string{"compose_file": composeFile},
	}
	if routed != nil {
		result.Metadata["routed_service"] = routed.Name
		result.Metadata["backend_url"] = domain.BackendURL(routedName, routedPort)
	}
	return result, nil
}

// =============================================================================
// Stack Preparation
// =============================================================================

// prepareImages builds every service with a build context and pulls the
// rest. Returns the image reference each service runs.
func (c *Compose) prepareImages(ctx context.Context, req builder.DeployRequest, spec *compose.ParsedSpec) (map[string]string, error) {
	images := make(map[string]string, len(spec.Services))

	for _, svc := range spec.Services {
		if svc.Build != nil {
			tag := composeImageTag(req.Service.AppName, req.Deployment.ID, svc.Name)
			req.Log(ctx, "info", fmt.Sprintf("building %s for service %s", tag, svc.Name))

			dockerfile := svc.Build.Dockerfile
			if dockerfile == "" {
				dockerfile = "Dockerfile"
			}
			_, err := c.pipeline.runtime.BuildImage(ctx, docker.BuildOptions{
				ContextDir: filepath.Join(req.Workspace, svc.Build.Context),
				Dockerfile: dockerfile,
				Tags:       []string{tag},
				Labels: map[string]string{
					docker.LabelManaged:        "true",
					docker.LabelService:        req.Service.ID,
					docker.LabelDeployment:     req.Deployment.ID,
					docker.LabelComposeService: svc.Name,
				},
			}, func(line string) {
				req.Log(ctx, "info", line)
			})
			if err != nil {
				return nil, fmt.Errorf("build service %s: %w", svc.Name, err)
			}
			images[svc.Name] = tag
			continue
		}

		exists, err := c.pipeline.runtime.ImageExists(ctx, svc.Image)
		if err != nil {
			return nil, err
		}
		if !exists {
			req.Log(ctx, "info", fmt.Sprintf("pulling %s for service %s", svc.Image, svc.Name))
			if err := c.pipeline.runtime.PullImage(ctx, svc.Image, docker.PullOptions{}); err != nil {
				return nil, fmt.Errorf("pull %s: %w", svc.Image, err)
			}
		}
		images[svc.Name] = svc.Image
	}
	return images, nil
}

// prepareTopology ensures the app's networks and named volumes exist.
// Returns the compose network key to runtime network name mapping.
func (c *Compose) prepareTopology(ctx context.Context, req builder.DeployRequest, spec *compose.ParsedSpec) (map[string]string, error) {
	app := req.Service.AppName
	labels := map[string]string{
		docker.LabelManaged: "true",
		docker.LabelService: req.Service.ID,
	}

	networks := map[string]string{
		"default": domain.ComposeNetworkName(app, "default"),
	}
	external := map[string]bool{}
	for _, net := range spec.Networks {
		if net.External {
			networks[net.Name] = net.Name
			external[net.Name] = true
			continue
		}
		networks[net.Name] = domain.ComposeNetworkName(app, net.Name)
	}

	keys := make([]string, 0, len(networks))
	for key := range networks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if external[key] {
			continue
		}
		if _, err := c.pipeline.runtime.EnsureNetwork(ctx, docker.NetworkSpec{Name: networks[key], Labels: labels}); err != nil {
			return nil, fmt.Errorf("ensure network %s: %w", networks[key], err)
		}
	}

	if _, err := c.pipeline.runtime.EnsureNetwork(ctx, docker.NetworkSpec{
		Name:   c.pipeline.network,
		Labels: map[string]string{docker.LabelManaged: "true"},
	}); err != nil {
		return nil, fmt.Errorf("ensure network %s: %w", c.pipeline.network, err)
	}

	for _, vol := range spec.Volumes {
		if vol.External {
			continue
		}
		name := domain.ComposeVolumeName(app, vol.Name)
		if _, err := c.pipeline.runtime.EnsureVolume(ctx, docker.VolumeSpec{Name: name, Labels: labels}); err != nil {
			return nil, fmt.Errorf("ensure volume %s: %w", name, err)
		}
	}
	return networks, nil
}

// startServices runs the ordered services. The routed service additionally
// joins the shared proxy network under its container name.
func (c *Compose) startServices(ctx context.Context, req builder.DeployRequest, ordered []compose.Service, images, networks map[string]string, routed *compose.Service) ([]docker.ContainerInfo, error) {
	app := req.Service.AppName
	var started []docker.ContainerInfo

	for _, svc := range ordered {
		name := composeContainerName(app, req.Deployment.ID, svc.Name)

		mounts, err := serviceMounts(req.Workspace, app, svc)
		if err != nil {
			return started, err
		}

		svcNetworks, aliases := serviceNetworks(name, svc, networks)
		if routed != nil && svc.Name == routed.Name {
			svcNetworks = append(svcNetworks, c.pipeline.network)
			aliases[c.pipeline.network] = []string{name, domain.RouterName(req.Service.AppName)}
		}

		env := make(map[string]string, len(svc.Environment)+len(req.Env))
		for k, v := range svc.Environment {
			env[k] = v
		}
		for k, v := range req.Env {
			env[k] = v
		}

		var ports []docker.PortBinding
		for _, port := range svc.Ports {
			ports = append(ports, docker.PortBinding{
				ContainerPort: int(port.Target),
				HostPort:      int(port.Published),
				Protocol:      port.Protocol,
				HostIP:        port.HostIP,
			})
		}

		restart := string(svc.Restart)
		if restart == "" {
			restart = "unless-stopped"
		}

		if existing, err := c.pipeline.runtime.InspectContainer(ctx, name); err == nil {
			_ = c.pipeline.runtime.RemoveContainer(ctx, existing.ID, docker.RemoveOptions{Force: true})
		}

		info, err := c.pipeline.runtime.RunContainer(ctx, docker.ContainerSpec{
			Name:       name,
			Image:      images[svc.Name],
			Command:    svc.Command,
			Entrypoint: svc.Entrypoint,
			Env:        env,
			Labels: map[string]string{
				docker.LabelManaged:        "true",
				docker.LabelService:        req.Service.ID,
				docker.LabelDeployment:     req.Deployment.ID,
				docker.LabelBuilder:        "compose",
				docker.LabelComposeService: svc.Name,
			},
			Ports:          ports,
			Mounts:         mounts,
			Networks:       svcNetworks,
			NetworkAliases: aliases,
			RestartPolicy:  docker.RestartPolicy{Name: restart},
			Resources: docker.ResourceLimits{
				CPULimit:    svc.Resources.CPULimit,
				MemoryLimit: svc.Resources.MemoryLimit,
			},
			HealthCheck: composeHealthCheck(svc.HealthCheck),
		})
		if err != nil {
			return started, fmt.Errorf("start service %s: %w", svc.Name, err)
		}
		started = append(started, *info)
		req.Log(ctx, "info", fmt.Sprintf("started %s", name))
	}
	return started, nil
}

// verify probes the routed container over HTTP when one exists and falls
// back to daemon state for the rest of the stack. Returns the container
// that failed alongside the error.
func (c *Compose) verify(ctx context.Context, req builder.DeployRequest, started []docker.ContainerInfo, routedName string, routedPort int) (*docker.ContainerInfo, error) {
	probe := docker.HealthProbeOptions{
		Timeout:  c.pipeline.probeTimeout,
		Interval: c.pipeline.probeInterval,
	}

	for i := range started {
		info := &started[i]
		opts := probe
		if info.Name == routedName {
			if ip := info.IPAddresses[c.pipeline.network]; ip != "" {
				opts.URL = domain.HealthCheckURL(ip, routedPort, req.Service.HealthCheckPath)
			}
		}
		if err := c.pipeline.runtime.CheckHealth(ctx, info.ID, opts); err != nil {
			return info, err
		}
	}
	return nil, nil
}

// unhealthyStack reports the partial outcome and tears the new stack down.
func (c *Compose) unhealthyStack(ctx context.Context, req builder.DeployRequest, started []docker.ContainerInfo, failed *docker.ContainerInfo, healthErr error) (*builder.DeployResult, error) {
	req.Log(ctx, "error", fmt.Sprintf("health check failed for %s: %v", failed.Name, healthErr))
	if lines, err := c.pipeline.runtime.TailLogs(ctx, failed.ID, 40); err == nil {
		for _, line := range lines {
			req.Log(ctx, "error", line)
		}
	}

	if err := req.Phase(ctx, domain.NewFailedUpdate("Health check failed")); err != nil {
		return nil, err
	}

	c.removeAll(ctx, started)

	ids := make([]string, 0, len(started))
	for _, info := range started {
		ids = append(ids, info.ID)
	}
	return &builder.DeployResult{
		ContainerIDs: ids,
		Status:       domain.ResultPartial,
		Message:      "Health check failed",
	}, nil
}

// removeAll force-removes the given containers, best effort.
func (c *Compose) removeAll(ctx context.Context, containers []docker.ContainerInfo) {
	for _, info := range containers {
		if err := c.pipeline.runtime.RemoveContainer(ctx, info.ID, docker.RemoveOptions{Force: true}); err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			c.pipeline.logger.Warn("could not remove container", "container", info.Name, "error", err)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// routedService picks the service external traffic lands on: the override
// when configured, otherwise the first service publishing a port. nil when
// nothing is routable.
func routedService(spec *compose.ParsedSpec, override string) (*compose.Service, error) {
	if override != "" {
		svc := spec.ServiceByName(override)
		if svc == nil {
			return nil, fmt.Errorf("routed service %q is not defined in the compose file", override)
		}
		return svc, nil
	}
	web := spec.WebServices()
	if len(web) == 0 {
		return nil, nil
	}
	return &web[0], nil
}

func composeImageTag(appName, deploymentID, service string) string {
	return domain.ImageTag(appName+"-"+service, deploymentID)
}

func composeContainerName(appName, deploymentID, service string) string {
	return domain.ContainerName(appName, deploymentID) + "-" + service
}

// serviceNetworks maps a service's compose network keys to runtime network
// names, defaulting to the app's default network, and aliases the service
// name on each so compose-style DNS keeps working between services.
func serviceNetworks(containerName string, svc compose.Service, networks map[string]string) ([]string, map[string][]string) {
	keys := svc.Networks
	if len(keys) == 0 {
		keys = []string{"default"}
	}

	names := make([]string, 0, len(keys))
	aliases := make(map[string][]string, len(keys)+1)
	for _, key := range keys {
		name, ok := networks[key]
		if !ok {
			name = key
		}
		names = append(names, name)
		aliases[name] = []string{svc.Name, containerName}
	}
	return names, aliases
}

// serviceMounts converts compose volume mounts. Named volumes are
// app-scoped; relative bind sources resolve inside the workspace.
func serviceMounts(workspace, appName string, svc compose.Service) ([]docker.Mount, error) {
	var mounts []docker.Mount
	for _, m := range svc.Volumes {
		switch m.Type {
		case compose.VolumeMountTypeVolume:
			mounts = append(mounts, docker.Mount{
				Source:   domain.ComposeVolumeName(appName, m.Source),
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			})
		case compose.VolumeMountTypeBind:
			src, err := resolveBindSource(workspace, m.Source)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, docker.Mount{Source: src, Target: m.Target, ReadOnly: m.ReadOnly})
		default:
			// tmpfs mounts are not carried to the runtime
		}
	}
	return mounts, nil
}

func resolveBindSource(workspace, source string) (string, error) {
	if filepath.IsAbs(source) {
		return source, nil
	}
	abs := filepath.Join(workspace, source)
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bind mount %q escapes the workspace", source)
	}
	return abs, nil
}

func composeHealthCheck(hc *compose.HealthCheck) *docker.HealthCheck {
	if hc == nil || len(hc.Test) == 0 {
		return nil
	}
	out := &docker.HealthCheck{Test: hc.Test, Retries: hc.Retries}
	if d, err := time.ParseDuration(hc.Interval); err == nil {
		out.Interval = d
	}
	if d, err := time.ParseDuration(hc.Timeout); err == nil {
		out.Timeout = d
	}
	if d, err := time.ParseDuration(hc.StartPeriod); err == nil {
		out.StartPeriod = d
	}
	return out
}
