package store

import (
	"context"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/core/traefik"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for control plane entities.
type Store interface {
	// Service operations. Definitions are ingested from an external system
	// of record, so writes are upserts keyed by ID.
	UpsertService(ctx context.Context, service *domain.Service) error
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error) // matches name or app name
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context, opts ListOptions) ([]domain.Service, error)

	// Deployment operations. UpdateDeployment leaves rows that are already
	// terminal in the store unchanged, so a cancel written by the API cannot
	// be overwritten by an orchestrator that has not observed it yet.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByService(ctx context.Context, serviceID string, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error)

	// Deployment history. AppendEvent assigns the event's sequence on insert;
	// ListEvents returns events after the given sequence in order, so callers
	// can page or resume a live stream without gaps.
	AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error
	ListEvents(ctx context.Context, deploymentID string, afterSequence int64) ([]domain.DeploymentEvent, error)

	// Environment variable operations. ReplaceVariables swaps a service's
	// whole variable set atomically.
	ReplaceVariables(ctx context.Context, serviceID string, variables []envvar.Variable) error
	ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error)
	SaveVariableResolution(ctx context.Context, variable envvar.Variable) error

	// RouteTargets returns every routable service paired with the backend
	// address of its most recent successful deployment.
	RouteTargets(ctx context.Context) ([]traefik.RouteTarget, error)

	// Capacity provision operations
	CreateProvision(ctx context.Context, provision *domain.CapacityProvision) error
	GetProvision(ctx context.Context, id string) (*domain.CapacityProvision, error)
	UpdateProvision(ctx context.Context, provision *domain.CapacityProvision) error
	DeleteProvision(ctx context.Context, id string) error
	ListProvisions(ctx context.Context, opts ListOptions) ([]domain.CapacityProvision, error)
	ListProvisionsByStatus(ctx context.Context, status domain.ProvisionStatus, opts ListOptions) ([]domain.CapacityProvision, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
