package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/internal/core/crypto"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/provider"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// ProviderSource resolves a cloud client for a provider type from
// configured credentials. *provider.Factory implements it.
type ProviderSource interface {
	Get(providerType domain.ProviderType) (provider.Provider, error)
}

// ProvisionerConfig configures the provisioner worker.
type ProvisionerConfig struct {
	// Interval is the time between queue polls.
	// Default: 5 seconds.
	Interval time.Duration

	// MaxConcurrent bounds simultaneous provider operations.
	// Default: 3.
	MaxConcurrent int
}

// DefaultProvisionerConfig returns the default configuration.
func DefaultProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		Interval:      5 * time.Second,
		MaxConcurrent: 3,
	}
}

// Provisioner drives capacity provisions: pending provisions get an SSH
// key pair and a cloud instance, provisions marked destroying get their
// instance terminated. Private keys are sealed before they are stored.
type Provisioner struct {
	store     store.Store
	providers ProviderSource
	sealKey   []byte
	config    ProvisionerConfig
	logger    *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvisioner creates a new provisioner worker.
func NewProvisioner(s store.Store, providers ProviderSource, sealKey []byte, config ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		store:     s,
		providers: providers,
		sealKey:   sealKey,
		config:    config,
		logger:    logger.With("component", "provisioner"),
	}
}

// Start begins the provisioner background goroutine.
func (p *Provisioner) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("provisioner started", "interval", p.config.Interval, "max_concurrent", p.config.MaxConcurrent)
}

// Stop gracefully stops the provisioner.
func (p *Provisioner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("provisioner stopped")
}

func (p *Provisioner) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.runCycle()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle()
		}
	}
}

// runCycle processes one batch of provisions and waits for it to finish.
// Cycles never overlap, so any provisioning row seen at the start of a
// cycle was interrupted by a previous process and is failed so it can be
// retried or destroyed.
func (p *Provisioner) runCycle() {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Minute)
	defer cancel()

	p.failInterrupted(ctx)

	pending, err := p.store.ListProvisionsByStatus(ctx, domain.ProvisionPending, store.DefaultListOptions())
	if err != nil {
		p.logger.Error("failed to list pending provisions", "error", err)
		return
	}
	destroying, err := p.store.ListProvisionsByStatus(ctx, domain.ProvisionDestroying, store.DefaultListOptions())
	if err != nil {
		p.logger.Error("failed to list destroying provisions", "error", err)
		return
	}
	if len(pending) == 0 && len(destroying) == 0 {
		return
	}

	p.logger.Debug("processing provisions", "pending", len(pending), "destroying", len(destroying))

	sem := make(chan struct{}, p.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range pending {
		prov := &pending[i]
		wg.Add(1)
		go func(pr *domain.CapacityProvision) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}
			p.provision(ctx, pr)
		}(prov)
	}

	for i := range destroying {
		prov := &destroying[i]
		wg.Add(1)
		go func(pr *domain.CapacityProvision) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}
			p.destroy(ctx, pr)
		}(prov)
	}

	wg.Wait()
}

// failInterrupted fails provisioning rows left behind by a dead process.
// Failed provisions can be retried to pending or marked for destroy.
func (p *Provisioner) failInterrupted(ctx context.Context) {
	stale, err := p.store.ListProvisionsByStatus(ctx, domain.ProvisionProvisioning, store.DefaultListOptions())
	if err != nil {
		p.logger.Error("failed to list interrupted provisions", "error", err)
		return
	}
	for i := range stale {
		prov := &stale[i]
		logger := p.logger.With("provision_id", prov.ID, "name", prov.Name)
		logger.Warn("failing provision interrupted before completion")
		p.fail(ctx, prov, "provisioning interrupted before completion", logger)
	}
}

// provision takes one pending provision to active: claim it, generate and
// seal its SSH key pair, create the instance and record the docker host.
func (p *Provisioner) provision(ctx context.Context, prov *domain.CapacityProvision) {
	logger := p.logger.With("provision_id", prov.ID, "name", prov.Name, "provider", prov.Provider)

	if err := prov.Transition(domain.ProvisionProvisioning); err != nil {
		logger.Warn("failed to claim provision", "error", err)
		return
	}
	if err := p.store.UpdateProvision(ctx, prov); err != nil {
		logger.Error("failed to persist provision claim", "error", err)
		return
	}

	logger.Info("provisioning instance", "region", prov.Region, "size", prov.Size)

	privKeyPEM, pubKey, err := crypto.GenerateSSHKeyPair()
	if err != nil {
		p.fail(ctx, prov, "failed to generate SSH key: "+err.Error(), logger)
		return
	}
	sealed, err := crypto.EncryptSSHKey(privKeyPEM, p.sealKey)
	if err != nil {
		p.fail(ctx, prov, "failed to encrypt SSH key: "+err.Error(), logger)
		return
	}
	prov.SSHPublicKey = pubKey
	prov.SSHPrivateKeySealed = sealed
	if err := p.store.UpdateProvision(ctx, prov); err != nil {
		logger.Error("failed to persist SSH key", "error", err)
		return
	}

	client, err := p.providers.Get(prov.Provider)
	if err != nil {
		p.fail(ctx, prov, "failed to create provider client: "+err.Error(), logger)
		return
	}

	result, err := client.CreateInstance(ctx, provider.ProvisionRequest{
		InstanceName: prov.Name,
		Region:       prov.Region,
		Size:         prov.Size,
		SSHPublicKey: prov.SSHPublicKey,
	})
	if err != nil {
		p.fail(ctx, prov, "failed to create instance: "+err.Error(), logger)
		return
	}

	prov.AssignInstance(result.ProviderInstanceID, result.PublicIP)
	if err := prov.Transition(domain.ProvisionActive); err != nil {
		logger.Error("failed to activate provision", "error", err)
		return
	}
	if err := p.store.UpdateProvision(ctx, prov); err != nil {
		logger.Error("failed to persist active provision", "error", err)
		return
	}

	logger.Info("provision active",
		"instance_id", prov.ProviderInstanceID,
		"public_ip", prov.PublicIP,
		"docker_host", prov.DockerHost,
	)
}

// destroy terminates the instance behind a provision marked destroying.
func (p *Provisioner) destroy(ctx context.Context, prov *domain.CapacityProvision) {
	logger := p.logger.With("provision_id", prov.ID, "name", prov.Name, "provider", prov.Provider)

	// A provision that failed before reaching the provider has nothing to
	// clean up.
	if prov.ProviderInstanceID != "" {
		client, err := p.providers.Get(prov.Provider)
		if err != nil {
			p.fail(ctx, prov, "failed to create provider client: "+err.Error(), logger)
			return
		}
		err = client.DestroyInstance(ctx, provider.DestroyRequest{
			ProviderInstanceID: prov.ProviderInstanceID,
			InstanceName:       prov.Name,
			Region:             prov.Region,
		})
		if err != nil {
			p.fail(ctx, prov, "failed to destroy instance: "+err.Error(), logger)
			return
		}
	}

	if err := prov.Transition(domain.ProvisionDestroyed); err != nil {
		logger.Error("failed to finish destroy", "error", err)
		return
	}
	if err := p.store.UpdateProvision(ctx, prov); err != nil {
		logger.Error("failed to persist destroyed provision", "error", err)
		return
	}
	logger.Info("provision destroyed", "instance_id", prov.ProviderInstanceID)
}

func (p *Provisioner) fail(ctx context.Context, prov *domain.CapacityProvision, errMsg string, logger *slog.Logger) {
	logger.Error("provision failed", "error", errMsg)
	if err := prov.TransitionToFailed(errMsg); err != nil {
		logger.Error("failed transition rejected", "error", err)
		return
	}
	if err := p.store.UpdateProvision(ctx, prov); err != nil {
		logger.Error("failed to persist provision failure", "error", err)
	}
}
