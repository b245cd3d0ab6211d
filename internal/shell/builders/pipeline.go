// Package builders contains the concrete build strategies the registry
// serves: dockerfile, nixpacks, buildpacks, static and compose. Each
// strategy turns a fetched workspace into a running container; the shared
// pipeline owns the phase flow so every builder reports progress the same
// way.
package builders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// DefaultNetwork is the shared bridge network deployed containers join.
// The proxy resolves container names on it, so backends need no published
// host ports.
const DefaultNetwork = "slipway-proxy"

const stopTimeout = 15 * time.Second

// =============================================================================
// Pipeline
// =============================================================================

// buildFunc produces the image for a deployment. The pipeline owns naming
// and phase reporting; strategies supply only this step.
type buildFunc func(ctx context.Context, imageTag string) error

// pipeline drives the common deployment flow: BUILDING, COPYING_FILES,
// UPDATING_ROUTES, HEALTH_CHECK, then ACTIVE or FAILED. Build and runtime
// errors emit a FAILED update before they propagate; a failed health probe
// is reported as a partial result with no error.
type pipeline struct {
	runtime       docker.Runtime
	network       string
	probeTimeout  time.Duration
	probeInterval time.Duration
	logger        *slog.Logger
}

func newPipeline(runtime docker.Runtime, network string, probeTimeout, probeInterval time.Duration, logger *slog.Logger) *pipeline {
	if network == "" {
		network = DefaultNetwork
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &pipeline{
		runtime:       runtime,
		network:       network,
		probeTimeout:  probeTimeout,
		probeInterval: probeInterval,
		logger:        logger.With("component", "build-pipeline"),
	}
}

// run executes one single-container deployment. containerPort is the port
// the built image listens on; it becomes the backend and health probe
// target.
func (p *pipeline) run(ctx context.Context, req builder.DeployRequest, builderID string, containerPort int, build buildFunc) (*builder.DeployResult, error) {
	app := req.Service.AppName
	imageTag := domain.ImageTag(app, req.Deployment.ID)
	containerName := domain.ContainerName(app, req.Deployment.ID)

	building := domain.NewPhaseUpdate(domain.PhaseBuilding, "Building image").
		WithMetadata("image_tag", imageTag).
		WithMetadata("builder", builderID)
	if err := req.Phase(ctx, building); err != nil {
		return nil, err
	}

	req.Log(ctx, "info", fmt.Sprintf("building %s with %s", imageTag, builderID))
	if err := build(ctx, imageTag); err != nil {
		return p.fail(ctx, req, fmt.Errorf("build image: %w", err))
	}
	req.Log(ctx, "info", fmt.Sprintf("image %s ready", imageTag))

	copying := domain.NewPhaseUpdate(domain.PhaseCopyingFiles, "Preparing runtime")
	if err := req.Phase(ctx, copying); err != nil {
		return nil, err
	}

	if _, err := p.runtime.EnsureNetwork(ctx, docker.NetworkSpec{
		Name:   p.network,
		Labels: map[string]string{docker.LabelManaged: "true"},
	}); err != nil {
		return p.fail(ctx, req, fmt.Errorf("ensure network %s: %w", p.network, err))
	}

	previous, err := p.runtime.ListContainers(ctx, docker.ListOptions{
		All:    true,
		Labels: map[string]string{docker.LabelService: req.Service.ID},
	})
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("list previous containers: %w", err))
	}

	backendURL := domain.BackendURL(containerName, containerPort)
	updating := domain.NewPhaseUpdate(domain.PhaseUpdatingRoutes, "Starting container").
		WithMetadata("container_name", containerName).
		WithMetadata("backend_url", backendURL)
	if err := req.Phase(ctx, updating); err != nil {
		return nil, err
	}

	// A re-run of the same deployment reuses the container name; clear any
	// leftover before creating.
	if existing, err := p.runtime.InspectContainer(ctx, containerName); err == nil {
		_ = p.runtime.RemoveContainer(ctx, existing.ID, docker.RemoveOptions{Force: true})
	}

	// The router name doubles as a stable DNS alias so other services can
	// reach this one across redeployments.
	info, err := p.runtime.RunContainer(ctx, docker.ContainerSpec{
		Name:  containerName,
		Image: imageTag,
		Env:   req.Env,
		Labels: map[string]string{
			docker.LabelManaged:    "true",
			docker.LabelService:    req.Service.ID,
			docker.LabelDeployment: req.Deployment.ID,
			docker.LabelBuilder:    builderID,
		},
		Networks: []string{p.network},
		NetworkAliases: map[string][]string{
			p.network: {containerName, domain.RouterName(req.Service.AppName)},
		},
		RestartPolicy: docker.RestartPolicy{Name: "unless-stopped"},
	})
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("start container %s: %w", containerName, err))
	}
	req.Log(ctx, "info", fmt.Sprintf("container %s started", containerName))

	probe := docker.HealthProbeOptions{
		Timeout:  p.probeTimeout,
		Interval: p.probeInterval,
	}
	if ip := info.IPAddresses[p.network]; ip != "" {
		probe.URL = domain.HealthCheckURL(ip, containerPort, req.Service.HealthCheckPath)
	}

	health := domain.NewPhaseUpdate(domain.PhaseHealthCheck, "Verifying health").
		WithMetadata("container_id", info.ID)
	if probe.URL != "" {
		health = health.WithMetadata("health_url", probe.URL)
	}
	if err := req.Phase(ctx, health); err != nil {
		return nil, err
	}

	if err := p.runtime.CheckHealth(ctx, info.ID, probe); err != nil {
		if !errors.Is(err, docker.ErrUnhealthy) {
			return p.fail(ctx, req, fmt.Errorf("health check: %w", err))
		}
		return p.unhealthy(ctx, req, info.ID, containerName, err)
	}

	active := domain.NewPhaseUpdate(domain.PhaseActive, "Deployment active").
		WithMetadata("container_id", info.ID).
		WithMetadata("completed_at", time.Now().UTC().Format(time.RFC3339))
	if err := req.Phase(ctx, active); err != nil {
		return nil, err
	}

	p.retire(ctx, req, previous, map[string]bool{info.ID: true})

	return &builder.DeployResult{
		ContainerIDs: []string{info.ID},
		Status:       domain.ResultSuccess,
		Message:      fmt.Sprintf("Deployed %s", containerName),
		Metadata: map[string]string{
			"image_tag":      imageTag,
			"container_name": containerName,
			"backend_url":    backendURL,
		},
	}, nil
}

// fail reports the FAILED phase, then returns the original error. The
// update goes out first so observers always see the terminal phase even
// when the caller only inspects the error.
func (p *pipeline) fail(ctx context.Context, req builder.DeployRequest, err error) (*builder.DeployResult, error) {
	if phaseErr := req.Phase(ctx, domain.NewFailedUpdate(err.Error())); phaseErr != nil {
		p.logger.Warn("could not report failed phase", "error", phaseErr)
	}
	return nil, err
}

// unhealthy handles a container that started but did not pass its health
// probe. The container's recent logs are surfaced for diagnosis, the
// container is removed, and the run reports partial with no error: the
// previous deployment keeps serving.
func (p *pipeline) unhealthy(ctx context.Context, req builder.DeployRequest, containerID, containerName string, healthErr error) (*builder.DeployResult, error) {
	req.Log(ctx, "error", fmt.Sprintf("health check failed for %s: %v", containerName, healthErr))
	if lines, err := p.runtime.TailLogs(ctx, containerID, 40); err == nil {
		for _, line := range lines {
			req.Log(ctx, "error", line)
		}
	}

	if err := req.Phase(ctx, domain.NewFailedUpdate("Health check failed")); err != nil {
		return nil, err
	}

	if err := p.runtime.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("could not remove unhealthy container", "container", containerName, "error", err)
	}

	return &builder.DeployResult{
		ContainerIDs: []string{containerID},
		Status:       domain.ResultPartial,
		Message:      "Health check failed",
	}, nil
}

// retire stops and removes the containers a successful deployment replaced.
// Failures are logged, not propagated: the new containers are already live.
func (p *pipeline) retire(ctx context.Context, req builder.DeployRequest, previous []docker.ContainerInfo, keep map[string]bool) {
	for _, old := range previous {
		if keep[old.ID] {
			continue
		}
		req.Log(ctx, "info", fmt.Sprintf("retiring previous container %s", old.Name))

		timeout := stopTimeout
		if err := p.runtime.StopContainer(ctx, old.ID, &timeout); err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			p.logger.Warn("could not stop previous container", "container", old.Name, "error", err)
		}
		if err := p.runtime.RemoveContainer(ctx, old.ID, docker.RemoveOptions{Force: true}); err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
			p.logger.Warn("could not remove previous container", "container", old.Name, "error", err)
		}
	}
}
