package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Provision Errors
// =============================================================================

var (
	ErrProvisionNameRequired      = errors.New("provision name is required")
	ErrProvisionRegionRequired    = errors.New("region is required")
	ErrProvisionSizeRequired      = errors.New("size is required")
	ErrInvalidProviderType        = errors.New("invalid provider type: must be hetzner, digitalocean, or aws")
	ErrInvalidProvisionTransition = errors.New("invalid provision status transition")
)

// =============================================================================
// Provider Types
// =============================================================================

// ProviderType represents a cloud infrastructure provider.
type ProviderType string

const (
	ProviderHetzner      ProviderType = "hetzner"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderAWS          ProviderType = "aws"
)

// IsValid checks if the provider type is supported.
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderHetzner, ProviderDigitalOcean, ProviderAWS:
		return true
	default:
		return false
	}
}

// =============================================================================
// Provision Status
// =============================================================================

// ProvisionStatus represents the lifecycle of a capacity provisioning job.
type ProvisionStatus string

const (
	ProvisionPending      ProvisionStatus = "pending"
	ProvisionProvisioning ProvisionStatus = "provisioning"
	ProvisionActive       ProvisionStatus = "active"
	ProvisionFailed       ProvisionStatus = "failed"
	ProvisionDestroying   ProvisionStatus = "destroying"
	ProvisionDestroyed    ProvisionStatus = "destroyed"
)

// IsTerminal returns true if no further transitions are possible.
func (s ProvisionStatus) IsTerminal() bool {
	return s == ProvisionDestroyed
}

// validProvisionTransitions defines the allowed state transitions.
var validProvisionTransitions = map[ProvisionStatus][]ProvisionStatus{
	ProvisionPending:      {ProvisionProvisioning, ProvisionFailed},
	ProvisionProvisioning: {ProvisionActive, ProvisionFailed},
	ProvisionActive:       {ProvisionDestroying},
	ProvisionFailed:       {ProvisionPending, ProvisionDestroying}, // retry or destroy
	ProvisionDestroying:   {ProvisionDestroyed, ProvisionFailed},
	ProvisionDestroyed:    {}, // Terminal
}

// ValidateProvisionTransition checks if a provision status transition is valid.
func ValidateProvisionTransition(from, to ProvisionStatus) error {
	allowed, exists := validProvisionTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidProvisionTransition, string(from))
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidProvisionTransition, string(from), string(to))
}

// =============================================================================
// Resource Requirements
// =============================================================================

// Resources describes aggregate compute requirements, used to size
// provisioned capacity against what a workload declares.
type Resources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int64   `json:"memory_mb"`
	DiskMB   int64   `json:"disk_mb"`
}

// =============================================================================
// Capacity Provision
// =============================================================================

// CapacityProvision is an asynchronous job that creates a cloud instance
// running a Docker daemon the control plane can deploy to. The resulting
// DockerHost can be assigned to services as their RuntimeHost.
type CapacityProvision struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Provider            ProviderType    `json:"provider"`
	Status              ProvisionStatus `json:"status"`
	Region              string          `json:"region"`
	Size                string          `json:"size"`
	ProviderInstanceID  string          `json:"provider_instance_id,omitempty"`
	PublicIP            string          `json:"public_ip,omitempty"`
	DockerHost          string          `json:"docker_host,omitempty"`
	SSHPublicKey        string          `json:"ssh_public_key,omitempty"`
	SSHPrivateKeySealed []byte          `json:"-"` // encrypted at rest, never serialized
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// NewCapacityProvision creates a pending provision with validation.
func NewCapacityProvision(name string, provider ProviderType, region, size string) (*CapacityProvision, error) {
	if name == "" {
		return nil, ErrProvisionNameRequired
	}
	if !provider.IsValid() {
		return nil, ErrInvalidProviderType
	}
	if region == "" {
		return nil, ErrProvisionRegionRequired
	}
	if size == "" {
		return nil, ErrProvisionSizeRequired
	}

	now := time.Now().UTC()
	return &CapacityProvision{
		ID:        uuid.New().String(),
		Name:      name,
		Provider:  provider,
		Status:    ProvisionPending,
		Region:    region,
		Size:      size,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Transition attempts to transition the provision to a new status.
func (p *CapacityProvision) Transition(to ProvisionStatus) error {
	if err := ValidateProvisionTransition(p.Status, to); err != nil {
		return err
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()

	if to == ProvisionActive || to == ProvisionDestroyed {
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
	if to == ProvisionPending {
		// Retry clears the previous failure
		p.ErrorMessage = ""
	}
	return nil
}

// TransitionToFailed sets failed status with an error message.
func (p *CapacityProvision) TransitionToFailed(errorMessage string) error {
	if err := ValidateProvisionTransition(p.Status, ProvisionFailed); err != nil {
		return err
	}
	p.Status = ProvisionFailed
	p.ErrorMessage = errorMessage
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignInstance records the created instance and derives the docker host
// address the control plane will connect to.
func (p *CapacityProvision) AssignInstance(providerInstanceID, publicIP string) {
	p.ProviderInstanceID = providerInstanceID
	p.PublicIP = publicIP
	p.DockerHost = fmt.Sprintf("tcp://%s:2376", publicIP)
	p.UpdatedAt = time.Now().UTC()
}
