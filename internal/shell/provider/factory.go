package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slipway-sh/slipway/internal/core/domain"
	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
)

// ErrNoCredentials is returned when a provider has no configured credentials.
var ErrNoCredentials = errors.New("no credentials configured for provider")

// NewProvider creates a cloud provider client from credentials JSON.
func NewProvider(providerType domain.ProviderType, credJSON []byte, logger *slog.Logger) (Provider, error) {
	switch providerType {
	case domain.ProviderAWS:
		creds, err := coreprovider.ParseAWSCredentials(credJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid AWS credentials: %w", err)
		}
		return NewAWSProvider(creds.AccessKeyID, creds.SecretAccessKey, logger), nil

	case domain.ProviderDigitalOcean:
		creds, err := coreprovider.ParseDigitalOceanCredentials(credJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid DigitalOcean credentials: %w", err)
		}
		return NewDigitalOceanProvider(creds.APIToken, logger), nil

	case domain.ProviderHetzner:
		creds, err := coreprovider.ParseHetznerCredentials(credJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid Hetzner credentials: %w", err)
		}
		return NewHetznerProvider(creds.APIToken, logger), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
}

// Credentials holds per-provider credential JSON as loaded from config.
type Credentials map[domain.ProviderType][]byte

// Factory builds provider clients from configured credentials and caches
// them per provider type.
type Factory struct {
	creds  Credentials
	logger *slog.Logger

	mu      sync.Mutex
	clients map[domain.ProviderType]Provider
}

// NewFactory creates a factory over the given credentials.
func NewFactory(creds Credentials, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		creds:   creds,
		logger:  logger,
		clients: make(map[domain.ProviderType]Provider),
	}
}

// Get returns the client for a provider type, building it on first use.
func (f *Factory) Get(providerType domain.ProviderType) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[providerType]; ok {
		return client, nil
	}

	credJSON, ok := f.creds[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, providerType)
	}

	client, err := NewProvider(providerType, credJSON, f.logger)
	if err != nil {
		return nil, err
	}
	f.clients[providerType] = client
	return client, nil
}
