// Package provider implements cloud infrastructure provider clients.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package provider

import (
	"context"
	"fmt"

	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
)

// ProvisionRequest contains parameters for creating a cloud instance.
type ProvisionRequest struct {
	InstanceName string
	Region       string
	Size         string
	SSHPublicKey string // Public key to install on the instance
}

// ProvisionResult contains the result of creating a cloud instance.
type ProvisionResult struct {
	ProviderInstanceID string
	PublicIP           string
}

// DestroyRequest contains parameters for destroying a cloud instance.
type DestroyRequest struct {
	ProviderInstanceID string
	InstanceName       string // derives the SSH key name uploaded at create time
	Region             string // AWS needs this to target the correct region
}

// Provider defines the interface for cloud infrastructure providers.
type Provider interface {
	// CreateInstance provisions a new cloud instance.
	CreateInstance(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)

	// DestroyInstance terminates a cloud instance and cleans up associated resources.
	DestroyInstance(ctx context.Context, req DestroyRequest) error

	// ListRegions returns available regions (live from API).
	ListRegions(ctx context.Context) ([]coreprovider.Region, error)

	// ListSizes returns available instance sizes for a region (live from API).
	ListSizes(ctx context.Context, region string) ([]coreprovider.InstanceSize, error)
}

// managedName returns the name under which provider-side resources for an
// instance (SSH keys, security groups) are registered. Create and destroy
// must agree on it.
func managedName(instanceName string) string {
	return fmt.Sprintf("slipway-%s", instanceName)
}

// dockerInstallScript returns the cloud-init script run on every new
// instance. It installs Docker and binds the daemon to tcp://0.0.0.0:2376
// so the control plane can drive it remotely; the port must match the
// DockerHost address derived when the instance is assigned.
func dockerInstallScript() string {
	return `#!/bin/bash
set -e
apt-get update -y
apt-get install -y ca-certificates curl gnupg
install -m 0755 -d /etc/apt/keyrings
curl -fsSL https://download.docker.com/linux/ubuntu/gpg | gpg --dearmor -o /etc/apt/keyrings/docker.gpg
chmod a+r /etc/apt/keyrings/docker.gpg
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.gpg] https://download.docker.com/linux/ubuntu $(. /etc/os-release && echo "$VERSION_CODENAME") stable" | tee /etc/apt/sources.list.d/docker.list > /dev/null
apt-get update -y
apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin
mkdir -p /etc/systemd/system/docker.service.d
cat > /etc/systemd/system/docker.service.d/listen.conf <<'EOF'
[Service]
ExecStart=
ExecStart=/usr/bin/dockerd -H fd:// -H tcp://0.0.0.0:2376
EOF
systemctl daemon-reload
systemctl enable docker
systemctl restart docker
`
}
