// Package workers contains the control plane's background workers.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// Runner executes one deployment to a terminal status.
type Runner interface {
	Run(ctx context.Context, deploymentID string) error
}

// DeployerConfig configures the deploy queue worker.
type DeployerConfig struct {
	// Interval is the time between queue polls.
	// Default: 3 seconds.
	Interval time.Duration

	// MaxConcurrent bounds simultaneous deployment runs.
	// Default: 2.
	MaxConcurrent int

	// RunTimeout bounds a single deployment run.
	// Default: 30 minutes.
	RunTimeout time.Duration

	// SerializePerService runs at most one deployment per service at a
	// time. DefaultDeployerConfig enables it.
	SerializePerService bool
}

// DefaultDeployerConfig returns the default configuration.
func DefaultDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Interval:            3 * time.Second,
		MaxConcurrent:       2,
		RunTimeout:          30 * time.Minute,
		SerializePerService: true,
	}
}

// Deployer polls the deployment queue and hands pending work to the
// runner. Claiming a deployment means marking it queued, so a poll never
// picks it up twice; runs outlive the poll cycle that dispatched them.
type Deployer struct {
	store        store.Store
	runner       Runner
	config       DeployerConfig
	logger       *slog.Logger
	sem          chan struct{}
	serviceLocks *keyedMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDeployer creates a new deploy queue worker.
func NewDeployer(s store.Store, runner Runner, config DeployerConfig, logger *slog.Logger) *Deployer {
	if config.Interval == 0 {
		config.Interval = 3 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 2
	}
	if config.RunTimeout == 0 {
		config.RunTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Deployer{
		store:        s,
		runner:       runner,
		config:       config,
		logger:       logger.With("component", "deployer"),
		sem:          make(chan struct{}, config.MaxConcurrent),
		serviceLocks: newKeyedMutex(),
		inflight:     make(map[string]struct{}),
	}
}

// Start begins the deployer background goroutine.
func (d *Deployer) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.run()
	d.logger.Info("deployer started",
		"interval", d.config.Interval,
		"max_concurrent", d.config.MaxConcurrent,
		"serialize_per_service", d.config.SerializePerService,
	)
}

// Stop gracefully stops the deployer. In-progress runs observe the
// cancelled context and finish before Stop returns.
func (d *Deployer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("deployer stopped")
}

func (d *Deployer) run() {
	defer d.wg.Done()

	// Run immediately on start
	d.runCycle()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

func (d *Deployer) runCycle() {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	// Queued rows first: they were claimed by an earlier cycle or a
	// previous process and are ahead of new work.
	queued, err := d.store.ListDeploymentsByStatus(ctx, domain.StatusQueued, store.DefaultListOptions())
	if err != nil {
		d.logger.Error("failed to list queued deployments", "error", err)
		return
	}
	for i := range queued {
		d.dispatch(&queued[i])
	}

	pending, err := d.store.ListDeploymentsByStatus(ctx, domain.StatusPending, store.DefaultListOptions())
	if err != nil {
		d.logger.Error("failed to list pending deployments", "error", err)
		return
	}
	for i := range pending {
		dep := &pending[i]
		if err := dep.Transition(domain.StatusQueued); err != nil {
			continue
		}
		if err := d.store.UpdateDeployment(ctx, dep); err != nil {
			d.logger.Error("failed to claim deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		d.dispatch(dep)
	}
}

// dispatch hands one deployment to the runner on its own goroutine. The
// inflight set keeps later cycles from dispatching the same row while it
// waits for a pool slot or runs.
func (d *Deployer) dispatch(dep *domain.Deployment) {
	if !d.acquire(dep.ID) {
		return
	}

	d.wg.Add(1)
	go func(id, serviceID string) {
		defer d.wg.Done()
		defer d.release(id)

		select {
		case <-d.ctx.Done():
			return
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		}

		if d.config.SerializePerService {
			unlock := d.serviceLocks.lock(serviceID)
			defer unlock()
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.config.RunTimeout)
		defer cancel()

		if err := d.runner.Run(ctx, id); err != nil {
			d.logger.Error("deployment run failed", "deployment_id", id, "error", err)
		}
	}(dep.ID, dep.ServiceID)
}

func (d *Deployer) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Deployer) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// =============================================================================
// Keyed Lock
// =============================================================================

// keyedMutex serializes work per key. lock blocks until the key is free
// and returns the unlock function.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
