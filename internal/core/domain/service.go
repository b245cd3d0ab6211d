package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	ErrServiceNameRequired   = errors.New("service name is required")
	ErrBuilderRequired       = errors.New("builder id is required")
	ErrSourceInvalid         = errors.New("source configuration is invalid")
	ErrContainerPortInvalid  = errors.New("container port must be between 1 and 65535")
	ErrDomainHostRequired    = errors.New("domain host is required")
	ErrUnknownSourceProvider = errors.New("unknown source provider")
)

// =============================================================================
// Source Configuration
// =============================================================================

// SourceProvider identifies where deployable source code comes from.
type SourceProvider string

const (
	SourceGitHub SourceProvider = "github"
	SourceGitLab SourceProvider = "gitlab"
	SourceGit    SourceProvider = "git"
	SourceLocal  SourceProvider = "local"
)

// SourceConfig describes how to obtain the code for a service. For git-backed
// providers Repo/Branch identify the checkout; Path optionally narrows the
// build context to a subdirectory. Local sources point at a directory that is
// already on disk.
type SourceConfig struct {
	Provider  SourceProvider `json:"provider"`
	Repo      string         `json:"repo,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Path      string         `json:"path,omitempty"`
	LocalPath string         `json:"local_path,omitempty"`
}

// Validate checks that the source configuration is internally consistent.
func (s SourceConfig) Validate() error {
	switch s.Provider {
	case SourceGitHub, SourceGitLab, SourceGit:
		if s.Repo == "" {
			return fmt.Errorf("%w: repo is required for provider %q", ErrSourceInvalid, s.Provider)
		}
	case SourceLocal:
		if s.LocalPath == "" {
			return fmt.Errorf("%w: local_path is required for provider %q", ErrSourceInvalid, s.Provider)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceProvider, s.Provider)
	}
	return nil
}

// CloneURL returns the URL a git client should clone for this source.
// Hosted providers expand the "owner/name" shorthand; the generic git
// provider uses Repo verbatim.
func (s SourceConfig) CloneURL() string {
	switch s.Provider {
	case SourceGitHub:
		return fmt.Sprintf("https://github.com/%s.git", s.Repo)
	case SourceGitLab:
		return fmt.Sprintf("https://gitlab.com/%s.git", s.Repo)
	default:
		return s.Repo
	}
}

// =============================================================================
// Routing
// =============================================================================

// DomainRoute binds a hostname (and optional path prefix) to a service.
type DomainRoute struct {
	Host         string `json:"host"`
	PathPrefix   string `json:"path_prefix,omitempty"`
	HTTPS        bool   `json:"https"`
	CertResolver string `json:"cert_resolver,omitempty"`
	StripPrefix  bool   `json:"strip_prefix,omitempty"`
}

// RouteMiddleware holds per-service middleware toggles that the routing
// document builder turns into proxy middleware definitions.
type RouteMiddleware struct {
	BasicAuthUsers  []string          `json:"basic_auth_users,omitempty"` // htpasswd-format entries
	RateLimitRPS    int               `json:"rate_limit_rps,omitempty"`
	RateLimitBurst  int               `json:"rate_limit_burst,omitempty"`
	Compress        bool              `json:"compress,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	IPAllowList     []string          `json:"ip_allow_list,omitempty"`
}

// Empty reports whether no middleware is configured.
func (m RouteMiddleware) Empty() bool {
	return len(m.BasicAuthUsers) == 0 &&
		m.RateLimitRPS == 0 &&
		!m.Compress &&
		len(m.RequestHeaders) == 0 &&
		len(m.ResponseHeaders) == 0 &&
		len(m.IPAllowList) == 0
}

// =============================================================================
// Service
// =============================================================================

// Service is the deployable unit. Definitions are ingested from an external
// system of record via the sync endpoint; the control plane persists the
// subset it needs to build, run and route the workload.
type Service struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	AppName         string          `json:"app_name"` // slug used in image/container/router names
	Environment     Environment     `json:"environment"`
	Source          SourceConfig    `json:"source"`
	BuilderID       string          `json:"builder_id"`
	BuilderConfig   map[string]any  `json:"builder_config,omitempty"`
	ContainerPort   int             `json:"container_port"`
	HealthCheckPath string          `json:"health_check_path,omitempty"`
	Domains         []DomainRoute   `json:"domains,omitempty"`
	Middleware      RouteMiddleware `json:"middleware,omitempty"`
	RuntimeHost     string          `json:"runtime_host,omitempty"` // remote docker host, empty = local
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Normalize fills derived fields that ingestion may omit.
func (s *Service) Normalize() {
	if s.AppName == "" {
		s.AppName = Slugify(s.Name)
	}
	if s.HealthCheckPath == "" {
		s.HealthCheckPath = "/"
	}
	if s.Environment == "" {
		s.Environment = EnvProduction
	}
}

// Validate checks the invariants an ingested definition must satisfy before
// it is persisted. Returns the first violation found.
func (s *Service) Validate() error {
	if s.Name == "" {
		return ErrServiceNameRequired
	}
	if s.BuilderID == "" {
		return ErrBuilderRequired
	}
	if s.ContainerPort < 1 || s.ContainerPort > 65535 {
		return ErrContainerPortInvalid
	}
	if err := s.Source.Validate(); err != nil {
		return err
	}
	if err := s.Environment.Validate(); err != nil {
		return err
	}
	for _, d := range s.Domains {
		if d.Host == "" {
			return ErrDomainHostRequired
		}
	}
	return nil
}

// Routable reports whether the service should appear in the routing document.
func (s *Service) Routable() bool {
	return len(s.Domains) > 0
}
