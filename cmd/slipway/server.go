package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/crypto"
	"github.com/slipway-sh/slipway/internal/core/domain"
	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
	"github.com/slipway-sh/slipway/internal/core/traefik"
	"github.com/slipway-sh/slipway/internal/shell/api"
	"github.com/slipway-sh/slipway/internal/shell/builders"
	"github.com/slipway-sh/slipway/internal/shell/deploy"
	"github.com/slipway-sh/slipway/internal/shell/docker"
	"github.com/slipway-sh/slipway/internal/shell/provider"
	"github.com/slipway-sh/slipway/internal/shell/proxy"
	"github.com/slipway-sh/slipway/internal/shell/source"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Slipway control plane.
type Server struct {
	config         *Config
	httpServer     *http.Server
	providerServer *http.Server
	store          store.Store
	docker         *docker.Client
	publisher      *proxy.Publisher
	deployer       *workers.Deployer
	provisioner    *workers.Provisioner
	healthChecker  *workers.HealthChecker
	logger         *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Secrets.Master == "" {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      errors.New("secrets.master is required (SLIPWAY_SECRETS_MASTER)"),
			ExitCode: ExitConfigError,
		}
	}
	sealKey := crypto.DeriveKey(cfg.Secrets.Master)

	// Connect to database
	if cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitDatabaseError,
			}
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN, sealKey)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	d, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = d.Ping(pingCtx)
	cancel()
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Register build strategies
	registry := builder.NewRegistry(logger)
	builders.RegisterAll(registry, builders.Deps{
		Runtime:       d,
		Network:       cfg.Docker.Network,
		ProbeTimeout:  cfg.Docker.ProbeTimeout,
		ProbeInterval: cfg.Docker.ProbeInterval,
		Logger:        logger,
	})

	// Routing document publisher
	trigger, err := proxy.NewTrigger(cfg.Routing.SyncMode, cfg.Routing.SyncTarget)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}
	routingOpts := traefik.DocumentOptions{
		HTTPEntryPoint:  cfg.Routing.HTTPEntryPoint,
		HTTPSEntryPoint: cfg.Routing.HTTPSEntryPoint,
		CertResolver:    cfg.Routing.CertResolver,
	}
	publisher := proxy.NewPublisher(s, cfg.Routing.DocumentPath, routingOpts, trigger, logger)

	// Source fetching and build workspaces
	workspaces, err := source.NewWorkspaces(cfg.Source.WorkspaceDir)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}
	fetcher := source.NewFetcher(cfg.Source.GitToken, logger)

	// Deployment orchestration
	hub := api.NewHub(logger)
	orchestrator, err := deploy.NewOrchestrator(deploy.Options{
		Store:              s,
		Registry:           registry,
		Fetcher:            fetcher,
		Workspaces:         workspaces,
		Publisher:          publisher,
		Notifier:           hub,
		ResolveConcurrency: cfg.Workers.ResolveConcurrency,
		Logger:             logger,
	})
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	deployer := workers.NewDeployer(s, orchestrator, workers.DeployerConfig{
		Interval:            cfg.Workers.DeployInterval,
		MaxConcurrent:       cfg.Workers.DeployMaxConcurrent,
		RunTimeout:          cfg.Workers.DeployRunTimeout,
		SerializePerService: cfg.Workers.SerializePerService,
	}, logger)

	// Capacity provisioning
	factory := provider.NewFactory(providerCredentials(cfg.Providers, logger), logger)
	provisioner := workers.NewProvisioner(s, factory, sealKey, workers.ProvisionerConfig{
		Interval:      cfg.Workers.ProvisionInterval,
		MaxConcurrent: cfg.Workers.ProvisionMaxConcurrent,
	}, logger)
	healthChecker := workers.NewHealthChecker(s, workers.HealthCheckerConfig{
		Interval:      cfg.Workers.HealthInterval,
		CheckTimeout:  cfg.Workers.HealthTimeout,
		MaxConcurrent: cfg.Workers.HealthMaxConcurrent,
	}, logger)

	// HTTP API
	handler := api.NewHandler(api.Options{
		Store:     s,
		Registry:  registry,
		Publisher: publisher,
		Providers: factory,
		Docker:    d,
		Stream:    hub,
		Routing:   routingOpts,
		Version:   Version,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Routing provider endpoint for proxy daemons polling over HTTP
	var providerServer *http.Server
	if cfg.Routing.ProviderListen != "" {
		providerServer = &http.Server{
			Addr:         cfg.Routing.ProviderListen,
			Handler:      proxy.NewProviderServer(publisher, logger),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		logger.Info("routing provider endpoint enabled",
			"address", cfg.Routing.ProviderListen,
		)
	}

	return &Server{
		config:         cfg,
		httpServer:     httpServer,
		providerServer: providerServer,
		store:          s,
		docker:         d,
		publisher:      publisher,
		deployer:       deployer,
		provisioner:    provisioner,
		healthChecker:  healthChecker,
		logger:         logger,
	}, nil
}

// providerCredentials assembles the factory's credential set from config.
// Providers without credentials are left out, so provisioning against them
// fails with a clear error while their catalogs keep working.
func providerCredentials(cfg ProvidersConfig, logger *slog.Logger) provider.Credentials {
	if logger == nil {
		logger = slog.Default()
	}
	creds := provider.Credentials{}
	if cfg.HetznerToken != "" {
		data, _ := json.Marshal(coreprovider.HetznerCredentials{APIToken: cfg.HetznerToken})
		creds[domain.ProviderHetzner] = data
	}
	if cfg.DigitalOceanToken != "" {
		data, _ := json.Marshal(coreprovider.DigitalOceanCredentials{APIToken: cfg.DigitalOceanToken})
		creds[domain.ProviderDigitalOcean] = data
	}
	switch {
	case cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "":
		data, _ := json.Marshal(coreprovider.AWSCredentials{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		creds[domain.ProviderAWS] = data
	case cfg.AWSAccessKeyID != "" || cfg.AWSSecretAccessKey != "":
		logger.Warn("incomplete aws credentials ignored; both access key id and secret are required")
	}
	return creds
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Publish the routing document once so a freshly started proxy daemon
	// sees current routes even before the first deployment.
	pubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := s.publisher.Publish(pubCtx); err != nil {
		s.logger.Warn("initial routing publish failed", "error", err)
	}
	cancel()

	// Start background workers
	s.deployer.Start()
	s.provisioner.Start()
	s.healthChecker.Start()

	// Start routing provider endpoint in goroutine
	errCh := make(chan error, 2)
	if s.providerServer != nil {
		go func() {
			s.logger.Info("starting routing provider server",
				"address", s.providerServer.Addr)
			if err := s.providerServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Start HTTP server in goroutine
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown routing provider server
	if s.providerServer != nil {
		if err := s.providerServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("routing provider server shutdown error", "error", err)
		}
	}

	// Stop background workers; running deployments finish their phase and
	// observe the cancelled context at the next boundary.
	s.deployer.Stop()
	s.provisioner.Stop()
	s.healthChecker.Stop()

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
