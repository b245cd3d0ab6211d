// Package deploy runs deployments end to end: it claims a pending
// deployment, resolves its environment, fetches its source, hands the
// workspace to the configured build strategy and records every phase and
// log line along the way. Cancellation is cooperative: the orchestrator
// re-reads the deployment status at each phase boundary and stops the run
// when it finds the row cancelled.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/shell/source"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrCancelled            = errors.New("deployment cancelled")
	ErrInvalidBuilderConfig = errors.New("invalid builder configuration")
)

// =============================================================================
// Collaborators
// =============================================================================

// Store is the persistence surface the orchestrator needs. The full store
// implements it.
type Store interface {
	GetService(ctx context.Context, id string) (*domain.Service, error)

	// GetServiceByName matches a service by name or app name.
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)

	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)

	// UpdateDeployment persists the deployment row. Rows already terminal
	// in the store stay unchanged, so a cancel request cannot be overwritten
	// by a run that has not observed it yet.
	UpdateDeployment(ctx context.Context, dep *domain.Deployment) error

	// AppendEvent persists one history entry and assigns its sequence.
	AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error

	ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error)
	SaveVariableResolution(ctx context.Context, variable envvar.Variable) error
}

// Fetcher materializes a deployment's source into a workspace directory and
// returns the directory the build runs from.
type Fetcher interface {
	Fetch(ctx context.Context, cfg domain.SourceConfig, dest string) (string, error)
}

// Publisher regenerates the routing document after a successful deployment
// of a routable service.
type Publisher interface {
	Publish(ctx context.Context) error
}

// Notifier receives deployment events after they are persisted, in order.
// Implementations must not block.
type Notifier interface {
	Notify(event domain.DeploymentEvent)
}

// =============================================================================
// Orchestrator
// =============================================================================

const defaultResolveConcurrency = 4

// Options carries the orchestrator's collaborators. Publisher and Notifier
// are optional.
type Options struct {
	Store      Store
	Registry   *builder.Registry
	Fetcher    Fetcher
	Workspaces *source.Workspaces
	Publisher  Publisher
	Notifier   Notifier

	// ResolveConcurrency bounds concurrent variable resolution. Zero uses
	// the default.
	ResolveConcurrency int

	Logger *slog.Logger
}

// Orchestrator drives single deployment runs. One orchestrator serves all
// deployments; per-run state lives on the stack of Run.
type Orchestrator struct {
	store              Store
	registry           *builder.Registry
	fetcher            Fetcher
	workspaces         *source.Workspaces
	publisher          Publisher
	notifier           Notifier
	resolveConcurrency int
	logger             *slog.Logger
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("deploy: store is required")
	case opts.Registry == nil:
		return nil, errors.New("deploy: registry is required")
	case opts.Fetcher == nil:
		return nil, errors.New("deploy: fetcher is required")
	case opts.Workspaces == nil:
		return nil, errors.New("deploy: workspaces is required")
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = defaultResolveConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:              opts.Store,
		registry:           opts.Registry,
		fetcher:            opts.Fetcher,
		workspaces:         opts.Workspaces,
		publisher:          opts.Publisher,
		notifier:           opts.Notifier,
		resolveConcurrency: opts.ResolveConcurrency,
		logger:             opts.Logger.With("component", "orchestrator"),
	}, nil
}

// Run executes one deployment to a terminal status. Failures of the run are
// persisted on the deployment before they are returned; a cancelled run
// returns nil. Run never retries.
func (o *Orchestrator) Run(ctx context.Context, deploymentID string) error {
	dep, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment %s: %w", deploymentID, err)
	}
	if dep.Status.Terminal() {
		o.logger.Info("skipping terminal deployment", "deployment_id", dep.ID, "status", dep.Status)
		return nil
	}

	svc, err := o.store.GetService(ctx, dep.ServiceID)
	if err != nil {
		return o.failEarly(ctx, dep, fmt.Errorf("load service %s: %w", dep.ServiceID, err))
	}
	svc.Normalize()

	// A deployment handed over while still pending is claimed first.
	if dep.Status == domain.StatusPending {
		if err := o.advance(ctx, dep, domain.StatusQueued); err != nil {
			return err
		}
	}
	if err := o.advance(ctx, dep, domain.StatusBuilding); err != nil {
		return err
	}

	ev := domain.PhaseEvent(dep.ID, domain.NewPhaseUpdate(domain.PhasePending, "Preparing deployment"))
	o.record(ctx, &ev)

	strategy, err := o.registry.Resolve(svc.BuilderID)
	if err != nil {
		return o.failEarly(ctx, dep, err)
	}

	cfg, err := o.builderConfig(svc)
	if err != nil {
		return o.failEarly(ctx, dep, err)
	}

	env := o.resolveEnvironment(ctx, svc, dep)

	workspace, err := o.workspaces.Create(dep.ID)
	if err != nil {
		return o.failEarly(ctx, dep, fmt.Errorf("create workspace: %w", err))
	}
	defer func() {
		if err := o.workspaces.Remove(dep.ID); err != nil {
			o.logger.Warn("workspace cleanup failed", "deployment_id", dep.ID, "error", err)
		}
	}()

	appDir, err := o.fetcher.Fetch(ctx, dep.SourceConfig, workspace)
	if err != nil {
		return o.failEarly(ctx, dep, fmt.Errorf("fetch source: %w", err))
	}

	o.logger.Info("deploying",
		"deployment_id", dep.ID,
		"service", svc.Name,
		"builder", svc.BuilderID,
		"environment", dep.Environment)

	result, err := strategy.Deploy(ctx, builder.DeployRequest{
		Service:    *svc,
		Deployment: *dep,
		Workspace:  appDir,
		Config:     cfg,
		Env:        env,
		OnPhase:    o.phaseSink(dep),
		OnLog:      o.logSink(dep),
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return o.finishCancelled(ctx, dep)
		}
		return o.finishFailed(ctx, dep, err)
	}

	return o.finish(ctx, dep, svc, result)
}

// =============================================================================
// Phase and Log Sinks
// =============================================================================

// phaseSink persists phase updates, mirrors their metadata onto the
// deployment row and aborts the run when the deployment was cancelled.
// Callbacks run on the strategy's goroutine, so events stay ordered.
func (o *Orchestrator) phaseSink(dep *domain.Deployment) builder.PhaseCallback {
	return func(ctx context.Context, update domain.PhaseUpdate) error {
		if o.cancelled(ctx, dep.ID) {
			return ErrCancelled
		}

		ev := domain.PhaseEvent(dep.ID, update)
		o.record(ctx, &ev)
		o.applyPhase(ctx, dep, update)
		return nil
	}
}

func (o *Orchestrator) logSink(dep *domain.Deployment) builder.LogCallback {
	return func(ctx context.Context, line builder.LogLine) {
		ev := domain.LogEvent(dep.ID, line.Level, line.Message, line.Timestamp)
		o.record(ctx, &ev)
	}
}

// cancelled reads the deployment status back from the store. Read failures
// do not cancel a run.
func (o *Orchestrator) cancelled(ctx context.Context, deploymentID string) bool {
	current, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		o.logger.Warn("cancellation check failed", "deployment_id", deploymentID, "error", err)
		return false
	}
	return current.Status == domain.StatusCancelled
}

// applyPhase mirrors the well-known metadata keys strategies report onto
// the deployment row so listings do not need the event history.
func (o *Orchestrator) applyPhase(ctx context.Context, dep *domain.Deployment, update domain.PhaseUpdate) {
	if v, ok := metaString(update.Metadata, "image_tag"); ok {
		dep.ImageTag = v
	}
	if v, ok := metaString(update.Metadata, "container_name"); ok {
		dep.ContainerName = v
	}
	if v, ok := metaString(update.Metadata, "health_url"); ok {
		dep.HealthCheckURL = v
	}
	if v, ok := metaString(update.Metadata, "backend_url"); ok {
		dep.SetMetadata("backend_url", v)
	}

	// The first phase past the build marks the switch to deploying.
	if update.Phase == domain.PhaseCopyingFiles && dep.Status == domain.StatusBuilding {
		if err := dep.Transition(domain.StatusDeploying); err != nil {
			o.logger.Warn("status transition rejected", "deployment_id", dep.ID, "error", err)
		}
	}
	dep.UpdatedAt = time.Now().UTC()

	if err := o.store.UpdateDeployment(ctx, dep); err != nil {
		o.logger.Warn("persisting deployment state", "deployment_id", dep.ID, "error", err)
	}
}

// record appends one event and fans it out. Persistence failures are logged,
// not fatal: a deployment must not die because its history could not be
// written.
func (o *Orchestrator) record(ctx context.Context, event *domain.DeploymentEvent) {
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Warn("appending deployment event",
			"deployment_id", event.DeploymentID,
			"kind", event.Kind,
			"error", err)
	}
	if o.notifier != nil {
		o.notifier.Notify(*event)
	}
}

// =============================================================================
// Outcomes
// =============================================================================

// finish maps a strategy result to the deployment's terminal status and, for
// routable services, republishes the routing document.
func (o *Orchestrator) finish(ctx context.Context, dep *domain.Deployment, svc *domain.Service, result *builder.DeployResult) error {
	for k, v := range result.Metadata {
		dep.SetMetadata(k, v)
	}

	if result.Status != domain.ResultSuccess {
		message := result.Message
		if message == "" {
			message = "deployment did not complete"
		}
		if err := dep.TransitionToFailed(message); err != nil {
			o.logger.Warn("could not mark deployment failed", "deployment_id", dep.ID, "error", err)
		} else if err := o.store.UpdateDeployment(ctx, dep); err != nil {
			o.logger.Error("persisting failed deployment", "deployment_id", dep.ID, "error", err)
		}
		o.logger.Warn("deployment failed", "deployment_id", dep.ID, "message", message)
		return nil
	}

	if err := dep.Transition(domain.StatusSuccess); err != nil {
		o.logger.Warn("could not mark deployment successful", "deployment_id", dep.ID, "error", err)
	} else if err := o.store.UpdateDeployment(ctx, dep); err != nil {
		o.logger.Error("persisting successful deployment", "deployment_id", dep.ID, "error", err)
	}

	o.logger.Info("deployment complete",
		"deployment_id", dep.ID,
		"service", svc.Name,
		"containers", len(result.ContainerIDs))

	if svc.Routable() && o.publisher != nil {
		if err := o.publisher.Publish(ctx); err != nil {
			// The containers are live; the next publish picks the routes up.
			o.logger.Error("routing publish failed", "deployment_id", dep.ID, "error", err)
			ev := domain.LogEvent(dep.ID, "error", fmt.Sprintf("routing update failed: %v", err), time.Time{})
			o.record(ctx, &ev)
		}
	}
	return nil
}

// failEarly records a failure that happened before the strategy took over,
// so the history still ends in a FAILED phase.
func (o *Orchestrator) failEarly(ctx context.Context, dep *domain.Deployment, cause error) error {
	ev := domain.PhaseEvent(dep.ID, domain.NewFailedUpdate(cause.Error()))
	o.record(ctx, &ev)
	return o.finishFailed(ctx, dep, cause)
}

// finishFailed persists the failed status and returns the cause. Strategies
// have already recorded their own FAILED phase by the time this runs.
func (o *Orchestrator) finishFailed(ctx context.Context, dep *domain.Deployment, cause error) error {
	if err := dep.TransitionToFailed(cause.Error()); err != nil {
		o.logger.Warn("could not mark deployment failed", "deployment_id", dep.ID, "error", err)
	} else if err := o.store.UpdateDeployment(ctx, dep); err != nil {
		o.logger.Error("persisting failed deployment", "deployment_id", dep.ID, "error", err)
	}
	o.logger.Warn("deployment failed", "deployment_id", dep.ID, "error", cause)
	return cause
}

// finishCancelled records where the run stopped. The cancel request already
// moved the row to its terminal status.
func (o *Orchestrator) finishCancelled(ctx context.Context, dep *domain.Deployment) error {
	ev := domain.LogEvent(dep.ID, "warn", "deployment cancelled, run stopped", time.Time{})
	o.record(ctx, &ev)
	o.logger.Info("deployment cancelled", "deployment_id", dep.ID)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) advance(ctx context.Context, dep *domain.Deployment, to domain.DeploymentStatus) error {
	if err := dep.Transition(to); err != nil {
		return fmt.Errorf("advance deployment %s: %w", dep.ID, err)
	}
	if err := o.store.UpdateDeployment(ctx, dep); err != nil {
		return fmt.Errorf("persist deployment %s: %w", dep.ID, err)
	}
	return nil
}

// builderConfig applies schema defaults, validates and transforms the
// service's raw builder configuration.
func (o *Orchestrator) builderConfig(svc *domain.Service) (map[string]any, error) {
	sch, err := o.registry.Schema(svc.BuilderID)
	if err != nil {
		return nil, err
	}

	merged := sch.ApplyDefaults(svc.BuilderConfig)
	if result := sch.Validate(merged); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBuilderConfig, strings.Join(result.Errors, "; "))
	}
	cfg, err := sch.Transform(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBuilderConfig, err)
	}
	return cfg, nil
}

func metaString(meta map[string]any, key string) (string, bool) {
	v, ok := meta[key].(string)
	return v, ok && v != ""
}
