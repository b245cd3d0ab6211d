package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	// DataDir is the base directory for everything the control plane
	// writes: the database, build workspaces and the routing document.
	// Individual paths below override the derived locations.
	DataDir string `mapstructure:"data_dir"`

	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Log       LogConfig       `mapstructure:"log"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Source    SourceConfig    `mapstructure:"source"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds container runtime configuration.
type DockerConfig struct {
	// Host is the daemon address. Empty uses DOCKER_HOST or the local
	// socket.
	Host string `mapstructure:"host"`

	// Network is the shared proxy network containers join. Empty uses
	// the built-in default.
	Network string `mapstructure:"network"`

	// ProbeTimeout and ProbeInterval bound the post-start health probe.
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecretsConfig holds the master secret everything else is sealed under.
type SecretsConfig struct {
	// Master is the passphrase the seal key is derived from. Required.
	// Set via SLIPWAY_SECRETS_MASTER; losing it means losing every
	// sealed value in the database.
	Master string `mapstructure:"master"`
}

// SourceConfig holds source fetching configuration.
type SourceConfig struct {
	// GitToken authenticates clones from hosted providers. Empty means
	// public repositories only.
	GitToken string `mapstructure:"git_token"`

	// WorkspaceDir is the base directory for per-deployment build
	// workspaces.
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// RoutingConfig holds routing document publication configuration.
type RoutingConfig struct {
	// DocumentPath is where the dynamic configuration file is written
	// for a file-provider proxy daemon.
	DocumentPath string `mapstructure:"document_path"`

	HTTPEntryPoint  string `mapstructure:"http_entrypoint"`
	HTTPSEntryPoint string `mapstructure:"https_entrypoint"`
	CertResolver    string `mapstructure:"cert_resolver"`

	// SyncMode selects how the daemon is nudged after a publish:
	// "none", "file" or "http". SyncTarget is the marker path or URL.
	SyncMode   string `mapstructure:"sync_mode"`
	SyncTarget string `mapstructure:"sync_target"`

	// ProviderListen, when set, serves the routing document over HTTP
	// on this address for daemons using an http provider.
	ProviderListen string `mapstructure:"provider_listen"`
}

// WorkersConfig holds background worker configuration.
type WorkersConfig struct {
	DeployInterval      time.Duration `mapstructure:"deploy_interval"`
	DeployMaxConcurrent int           `mapstructure:"deploy_max_concurrent"`
	DeployRunTimeout    time.Duration `mapstructure:"deploy_run_timeout"`

	// SerializePerService runs at most one deployment per service at a
	// time.
	SerializePerService bool `mapstructure:"serialize_per_service"`

	ProvisionInterval      time.Duration `mapstructure:"provision_interval"`
	ProvisionMaxConcurrent int           `mapstructure:"provision_max_concurrent"`

	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	HealthMaxConcurrent int           `mapstructure:"health_max_concurrent"`

	// ResolveConcurrency bounds concurrent variable resolution inside a
	// deployment run.
	ResolveConcurrency int `mapstructure:"resolve_concurrency"`
}

// ProvidersConfig holds cloud provider credentials. A provider with no
// credentials simply cannot be provisioned against; catalogs still work.
type ProvidersConfig struct {
	HetznerToken       string `mapstructure:"hetzner_token"`
	DigitalOceanToken  string `mapstructure:"digitalocean_token"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.probe_timeout", "60s")
	v.SetDefault("docker.probe_interval", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("secrets.master", "")
	v.SetDefault("source.git_token", "")
	v.SetDefault("source.workspace_dir", "")
	v.SetDefault("routing.document_path", "")
	v.SetDefault("routing.http_entrypoint", "web")
	v.SetDefault("routing.https_entrypoint", "websecure")
	v.SetDefault("routing.cert_resolver", "letsencrypt")
	v.SetDefault("routing.sync_mode", "none")
	v.SetDefault("routing.sync_target", "")
	v.SetDefault("routing.provider_listen", "")
	v.SetDefault("workers.deploy_interval", "3s")
	v.SetDefault("workers.deploy_max_concurrent", 2)
	v.SetDefault("workers.deploy_run_timeout", "30m")
	v.SetDefault("workers.serialize_per_service", true)
	v.SetDefault("workers.provision_interval", "5s")
	v.SetDefault("workers.provision_max_concurrent", 3)
	v.SetDefault("workers.health_interval", "60s")
	v.SetDefault("workers.health_timeout", "10s")
	v.SetDefault("workers.health_max_concurrent", 5)
	v.SetDefault("workers.resolve_concurrency", 4)
	v.SetDefault("providers.hetzner_token", "")
	v.SetDefault("providers.digitalocean_token", "")
	v.SetDefault("providers.aws_access_key_id", "")
	v.SetDefault("providers.aws_secret_access_key", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Derive unset paths from the data directory.
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "slipway.db")
	}
	if cfg.Source.WorkspaceDir == "" {
		cfg.Source.WorkspaceDir = filepath.Join(cfg.DataDir, "workspaces")
	}
	if cfg.Routing.DocumentPath == "" {
		cfg.Routing.DocumentPath = filepath.Join(cfg.DataDir, "routing", "dynamic.yml")
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
