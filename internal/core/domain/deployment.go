package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrDeploymentImmutable = errors.New("deployment is in a terminal status")
)

// =============================================================================
// Deployment Status
// =============================================================================

// DeploymentStatus is the externally persisted summary of a deployment run.
// The finer-grained Phase drives orchestration; status is what list views
// and API consumers see.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusQueued    DeploymentStatus = "queued"
	StatusBuilding  DeploymentStatus = "building"
	StatusDeploying DeploymentStatus = "deploying"
	StatusSuccess   DeploymentStatus = "success"
	StatusFailed    DeploymentStatus = "failed"
	StatusCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
// Terminal deployments are immutable.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// =============================================================================
// Result Status
// =============================================================================

// ResultStatus is the outcome a build strategy reports. A partial result
// means the container was built and started but failed its health probe.
// Partial is a business outcome, not an error.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
)

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one run of building and starting a service. Created pending
// at trigger time, mutated only by the orchestrator, immutable once terminal.
type Deployment struct {
	ID                string            `json:"id"`
	ServiceID         string            `json:"service_id"`
	Status            DeploymentStatus  `json:"status"`
	Environment       Environment       `json:"environment"`
	SourceType        SourceProvider    `json:"source_type"`
	SourceConfig      SourceConfig      `json:"source_config"` // snapshot at trigger time
	ImageTag          string            `json:"image_tag,omitempty"`
	ContainerName     string            `json:"container_name,omitempty"`
	HealthCheckURL    string            `json:"health_check_url,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	BuildStartedAt    *time.Time        `json:"build_started_at,omitempty"`
	BuildCompletedAt  *time.Time        `json:"build_completed_at,omitempty"`
	DeployStartedAt   *time.Time        `json:"deploy_started_at,omitempty"`
	DeployCompletedAt *time.Time        `json:"deploy_completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewDeployment creates a pending deployment for a service, snapshotting the
// source configuration so later edits to the service do not affect an
// in-flight run.
func NewDeployment(service Service) *Deployment {
	now := time.Now().UTC()
	return &Deployment{
		ID:           uuid.New().String(),
		ServiceID:    service.ID,
		Status:       StatusPending,
		Environment:  service.Environment,
		SourceType:   service.Source.Provider,
		SourceConfig: service.Source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition attempts to move the deployment to a new status, stamping the
// build/deploy timestamps as the run crosses those boundaries.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrDeploymentImmutable, string(d.Status))
	}
	if err := ValidateStatusTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch to {
	case StatusBuilding:
		d.BuildStartedAt = &now
	case StatusDeploying:
		d.BuildCompletedAt = &now
		d.DeployStartedAt = &now
	case StatusSuccess:
		d.DeployCompletedAt = &now
	case StatusFailed, StatusCancelled:
		if d.BuildStartedAt != nil && d.BuildCompletedAt == nil {
			d.BuildCompletedAt = &now
		}
		if d.DeployStartedAt != nil && d.DeployCompletedAt == nil {
			d.DeployCompletedAt = &now
		}
	}

	d.Status = to
	d.UpdatedAt = now
	return nil
}

// TransitionToFailed moves the deployment to failed with an error message.
func (d *Deployment) TransitionToFailed(errorMessage string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.ErrorMessage = errorMessage
	return nil
}

// SetMetadata records a metadata entry, allocating the map on first use.
func (d *Deployment) SetMetadata(key, value string) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
}

// =============================================================================
// Status State Machine
// =============================================================================

// validStatusTransitions defines the allowed status transitions.
// Cancellation is cooperative: it is reachable from every non-terminal
// status and observed by the orchestrator at phase boundaries.
var validStatusTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:   {StatusQueued, StatusCancelled},
	StatusQueued:    {StatusBuilding, StatusCancelled},
	StatusBuilding:  {StatusDeploying, StatusFailed, StatusCancelled},
	StatusDeploying: {StatusSuccess, StatusFailed, StatusCancelled},
	StatusSuccess:   {}, // Terminal
	StatusFailed:    {}, // Terminal
	StatusCancelled: {}, // Terminal
}

// ValidateStatusTransition checks if a status transition is valid.
func ValidateStatusTransition(from, to DeploymentStatus) error {
	allowed, exists := validStatusTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, string(from))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, string(from), string(to))
}
