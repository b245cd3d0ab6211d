package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// Health Probing
// =============================================================================

// CheckHealth waits until a started container is healthy or the probe budget
// runs out. A container that exits, or whose daemon-native health check
// reports unhealthy, fails immediately; everything else is polled until the
// deadline. When a URL is configured it must answer a GET with a non-error
// status before the container counts as healthy.
func (c *Client) CheckHealth(ctx context.Context, containerID string, opts HealthProbeOptions) error {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	interval := opts.Interval
	if interval == 0 {
		interval = 3 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ready, err := c.probeOnce(ctx, containerID, opts.URL)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return NewRuntimeError("CheckHealth", "container", containerID,
				fmt.Sprintf("health check timed out after %s", timeout), ErrUnhealthy)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// probeOnce runs a single readiness check. It returns (false, nil) while the
// container may still become healthy, and an error for states it never
// recovers from.
func (c *Client) probeOnce(ctx context.Context, containerID, url string) (bool, error) {
	info, err := c.InspectContainer(ctx, containerID)
	if err != nil {
		return false, err
	}

	switch info.Status {
	case ContainerStatusExited, ContainerStatusDead:
		return false, NewRuntimeError("CheckHealth", "container", containerID,
			fmt.Sprintf("container exited with code %d", info.ExitCode), ErrUnhealthy)
	}

	if info.Health == "unhealthy" {
		return false, NewRuntimeError("CheckHealth", "container", containerID,
			"daemon health check reports unhealthy", ErrUnhealthy)
	}
	if info.Health != "" && info.Health != "healthy" {
		return false, nil
	}

	if url == "" {
		return info.Status == ContainerStatusRunning, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, NewRuntimeError("CheckHealth", "container", containerID, err.Error(), ErrUnhealthy)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		// Not listening yet.
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 400, nil
}
