package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Environment
// =============================================================================

var ErrInvalidEnvironment = errors.New("invalid environment")

// Environment classifies where a deployment runs.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvPreview     Environment = "preview"
	EnvDevelopment Environment = "development"
)

// Validate checks that the environment is one of the known values.
func (e Environment) Validate() error {
	switch e {
	case EnvProduction, EnvStaging, EnvPreview, EnvDevelopment:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, string(e))
	}
}

// ParseEnvironment converts a raw string into an Environment.
// An empty string defaults to production.
func ParseEnvironment(raw string) (Environment, error) {
	if raw == "" {
		return EnvProduction, nil
	}
	e := Environment(raw)
	if err := e.Validate(); err != nil {
		return "", err
	}
	return e, nil
}
