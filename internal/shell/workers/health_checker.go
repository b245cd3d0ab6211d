package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/docker"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// HealthCheckerConfig configures the capacity health checker worker.
type HealthCheckerConfig struct {
	// Interval is the time between health check cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// CheckTimeout is the timeout for checking a single provision.
	// Default: 10 seconds.
	CheckTimeout time.Duration

	// MaxConcurrent is the maximum number of provisions to check concurrently.
	// Default: 5.
	MaxConcurrent int
}

// DefaultHealthCheckerConfig returns the default configuration.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Interval:      60 * time.Second,
		CheckTimeout:  10 * time.Second,
		MaxConcurrent: 5,
	}
}

// =============================================================================
// Health Checker
// =============================================================================

// HealthChecker periodically pings the Docker daemon of every active
// capacity provision. Unreachable daemons are recorded on the provision's
// error message so operators can see dead capacity without the provision
// leaving the active state; a later successful check clears it.
type HealthChecker struct {
	store  store.Store
	config HealthCheckerConfig
	logger *slog.Logger

	// ping verifies the daemon at host responds. Tests substitute a fake.
	ping func(ctx context.Context, host string) error

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a new capacity health checker worker.
func NewHealthChecker(s store.Store, config HealthCheckerConfig, logger *slog.Logger) *HealthChecker {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{
		store:  s,
		config: config,
		logger: logger.With("component", "health_checker"),
		ping:   pingDockerHost,
	}
}

// Start begins the health checker background goroutine.
// It runs health checks periodically according to the configured interval.
func (h *HealthChecker) Start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go h.run()

	h.logger.Info("health checker started",
		"interval", h.config.Interval,
		"max_concurrent", h.config.MaxConcurrent,
	)
}

// Stop gracefully stops the health checker.
// It waits for any in-progress health checks to complete.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("health checker stopped")
}

// run is the main loop that runs health checks periodically.
func (h *HealthChecker) run() {
	defer h.wg.Done()

	// Run immediately on start
	h.runCycle()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runCycle()
		}
	}
}

// runCycle executes a single health check cycle across all active provisions.
func (h *HealthChecker) runCycle() {
	ctx, cancel := context.WithTimeout(h.ctx, h.config.Interval)
	defer cancel()

	provisions, err := h.store.ListProvisionsByStatus(ctx, domain.ProvisionActive, store.DefaultListOptions())
	if err != nil {
		h.logger.Error("failed to list active provisions", "error", err)
		return
	}

	if len(provisions) == 0 {
		h.logger.Debug("no active provisions to check")
		return
	}

	h.logger.Debug("starting health check cycle", "provision_count", len(provisions))

	// Use a semaphore to limit concurrent checks
	sem := make(chan struct{}, h.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range provisions {
		prov := &provisions[i]

		wg.Add(1)
		go func(p *domain.CapacityProvision) {
			defer wg.Done()

			// Acquire semaphore
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			h.checkProvision(ctx, p)
		}(prov)
	}

	wg.Wait()
	h.logger.Debug("completed health check cycle", "provision_count", len(provisions))
}

// checkProvision pings a single provision's Docker daemon and persists a
// reachability change. Provisions that did not change are not rewritten.
func (h *HealthChecker) checkProvision(ctx context.Context, prov *domain.CapacityProvision) {
	checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()

	logger := h.logger.With("provision_id", prov.ID, "provision_name", prov.Name)

	err := h.ping(checkCtx, prov.DockerHost)

	var message string
	if err != nil {
		message = "docker daemon unreachable: " + err.Error()
	}

	if message == prov.ErrorMessage {
		return
	}

	if err != nil {
		logger.Warn("provision unreachable", "docker_host", prov.DockerHost, "error", err)
	} else {
		logger.Info("provision reachable again", "docker_host", prov.DockerHost)
	}

	prov.ErrorMessage = message
	prov.UpdatedAt = time.Now().UTC()

	if updateErr := h.store.UpdateProvision(ctx, prov); updateErr != nil {
		logger.Error("failed to update provision", "error", updateErr)
	}
}

// CheckProvisionNow performs an immediate health check on a specific
// provision. Useful after a provision first becomes active.
func (h *HealthChecker) CheckProvisionNow(ctx context.Context, provisionID string) error {
	prov, err := h.store.GetProvision(ctx, provisionID)
	if err != nil {
		return err
	}

	// Only active provisions have a daemon to check
	if prov.Status != domain.ProvisionActive {
		return nil
	}

	h.checkProvision(ctx, prov)
	return nil
}

// pingDockerHost dials the daemon at host with a fresh client so the check
// verifies the connection rather than a cached one.
func pingDockerHost(ctx context.Context, host string) error {
	cli, err := docker.NewClient(host)
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.Ping(ctx)
}
