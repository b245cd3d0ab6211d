package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// Deterministic Naming
// =============================================================================

// Names for images and containers are derived from the service's app name
// plus the deployment id. Re-running the same deployment reproduces the same
// names; distinct deployments never collide (the id prefix is unique).

const containerPrefix = "slipway"

// shortID strips uuid dashes and truncates to n characters.
func shortID(id string, n int) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// ImageTag returns the image reference for a deployment build.
//
// Example:
//
//	ImageTag("my-app", "d290f1ee-6c54-4b01-90e6-d701748f0851")
//	// returns "slipway/my-app:d290f1ee6c54"
func ImageTag(appName, deploymentID string) string {
	return fmt.Sprintf("%s/%s:%s", containerPrefix, Slugify(appName), shortID(deploymentID, 12))
}

// ContainerName returns the container name for a deployment.
//
// Example:
//
//	ContainerName("my-app", "d290f1ee-6c54-4b01-90e6-d701748f0851")
//	// returns "slipway-my-app-d290f1ee"
func ContainerName(appName, deploymentID string) string {
	return fmt.Sprintf("%s-%s-%s", containerPrefix, Slugify(appName), shortID(deploymentID, 8))
}

// RouterName returns the proxy router name for a service. One router per
// service keeps route updates idempotent across deployments.
func RouterName(appName string) string {
	return fmt.Sprintf("%s-%s", containerPrefix, Slugify(appName))
}

// HealthCheckURL computes the URL the orchestrator probes after start.
func HealthCheckURL(host string, port int, path string) string {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", host, port, path)
}

// BackendURL computes the address the proxy forwards traffic to. Containers
// are reachable by name on the shared proxy network, so the backend uses the
// container name plus the container port.
func BackendURL(containerName string, containerPort int) string {
	return fmt.Sprintf("http://%s:%d", containerName, containerPort)
}

// ComposeNetworkName returns the name of a compose-defined network for a
// service. Scoped by app, not by deployment, so redeploys reuse it.
func ComposeNetworkName(appName, network string) string {
	return fmt.Sprintf("%s-%s-%s", containerPrefix, Slugify(appName), network)
}

// ComposeVolumeName returns the name of a compose-defined named volume.
// Scoped by app so data survives redeployments.
func ComposeVolumeName(appName, volume string) string {
	return fmt.Sprintf("%s-%s-%s", containerPrefix, Slugify(appName), volume)
}
