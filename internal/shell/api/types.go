package api

import (
	"time"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
)

// =============================================================================
// Request Types
// =============================================================================

// UpsertServiceRequest is the declarative service definition accepted by
// PUT /api/v1/services/{id}. The nested source, domain and middleware
// shapes are the domain wire types.
type UpsertServiceRequest struct {
	Name            string                 `json:"name"`
	AppName         string                 `json:"app_name,omitempty"`
	Environment     string                 `json:"environment,omitempty"`
	Source          domain.SourceConfig    `json:"source"`
	BuilderID       string                 `json:"builder_id"`
	BuilderConfig   map[string]any         `json:"builder_config,omitempty"`
	ContainerPort   int                    `json:"container_port"`
	HealthCheckPath string                 `json:"health_check_path,omitempty"`
	Domains         []domain.DomainRoute   `json:"domains,omitempty"`
	Middleware      domain.RouteMiddleware `json:"middleware,omitempty"`
	RuntimeHost     string                 `json:"runtime_host,omitempty"`
}

// VariableRequest is one environment variable entry in a replace request.
type VariableRequest struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"is_secret,omitempty"`
}

// ReplaceVariablesRequest swaps a service's full variable set.
type ReplaceVariablesRequest struct {
	Variables []VariableRequest `json:"variables"`
}

// ValidateConfigRequest carries a raw builder configuration to validate.
type ValidateConfigRequest struct {
	Config map[string]any `json:"config"`
}

// CreateProvisionRequest requests a new cloud capacity provision.
type CreateProvisionRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Region   string `json:"region"`
	Size     string `json:"size"`
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse reports readiness with per-dependency check results.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// StatusResponse acknowledges an action with no other payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// ServiceResponse is the API view of a service.
type ServiceResponse struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	AppName         string                 `json:"app_name"`
	Environment     string                 `json:"environment"`
	Source          domain.SourceConfig    `json:"source"`
	BuilderID       string                 `json:"builder_id"`
	BuilderConfig   map[string]any         `json:"builder_config,omitempty"`
	ContainerPort   int                    `json:"container_port"`
	HealthCheckPath string                 `json:"health_check_path"`
	Domains         []domain.DomainRoute   `json:"domains,omitempty"`
	Middleware      domain.RouteMiddleware `json:"middleware"`
	RuntimeHost     string                 `json:"runtime_host,omitempty"`
	Routable        bool                   `json:"routable"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ListServicesResponse wraps a service page.
type ListServicesResponse struct {
	Services []ServiceResponse `json:"services"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// DeploymentResponse is the API view of a deployment run.
type DeploymentResponse struct {
	ID                string              `json:"id"`
	ServiceID         string              `json:"service_id"`
	Status            string              `json:"status"`
	Environment       string              `json:"environment"`
	SourceType        string              `json:"source_type"`
	SourceConfig      domain.SourceConfig `json:"source_config"`
	ImageTag          string              `json:"image_tag,omitempty"`
	ContainerName     string              `json:"container_name,omitempty"`
	HealthCheckURL    string              `json:"health_check_url,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	BuildStartedAt    *time.Time          `json:"build_started_at,omitempty"`
	BuildCompletedAt  *time.Time          `json:"build_completed_at,omitempty"`
	DeployStartedAt   *time.Time          `json:"deploy_started_at,omitempty"`
	DeployCompletedAt *time.Time          `json:"deploy_completed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ListDeploymentsResponse wraps a deployment page.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// EventsResponse carries a deployment's history. Events use the same wire
// shape as the streaming endpoint, so a client can page history and then
// continue live from the last sequence.
type EventsResponse struct {
	Events []domain.DeploymentEvent `json:"events"`
	Total  int                      `json:"total"`
}

// VariableResponse is the API view of one environment variable. Secret
// values are masked; the stored value never leaves the server.
type VariableResponse struct {
	ID               string             `json:"id"`
	ServiceID        string             `json:"service_id"`
	Key              string             `json:"key"`
	Value            string             `json:"value"`
	IsDynamic        bool               `json:"is_dynamic"`
	IsSecret         bool               `json:"is_secret"`
	References       []envvar.Reference `json:"references,omitempty"`
	ResolvedValue    string             `json:"resolved_value,omitempty"`
	ResolutionStatus string             `json:"resolution_status"`
	ResolutionError  string             `json:"resolution_error,omitempty"`
	LastResolved     *time.Time         `json:"last_resolved,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// VariablesResponse wraps a service's variable set.
type VariablesResponse struct {
	Variables []VariableResponse `json:"variables"`
	Total     int                `json:"total"`
}

// ResolveVariablesResponse is the outcome of a resolution preview: the
// environment a container would receive plus per-variable status.
type ResolveVariablesResponse struct {
	Environment map[string]string  `json:"environment"`
	Variables   []VariableResponse `json:"variables"`
}

// ListBuildersResponse wraps the builder catalog.
type ListBuildersResponse struct {
	Builders []builder.Descriptor `json:"builders"`
	Total    int                  `json:"total"`
}

// ProvisionResponse is the API view of a capacity provision. Sealed key
// material is never serialized.
type ProvisionResponse struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Provider           string     `json:"provider"`
	Status             string     `json:"status"`
	Region             string     `json:"region"`
	Size               string     `json:"size"`
	ProviderInstanceID string     `json:"provider_instance_id,omitempty"`
	PublicIP           string     `json:"public_ip,omitempty"`
	DockerHost         string     `json:"docker_host,omitempty"`
	SSHPublicKey       string     `json:"ssh_public_key,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ListProvisionsResponse wraps a provision page.
type ListProvisionsResponse struct {
	Provisions []ProvisionResponse `json:"provisions"`
	Total      int                 `json:"total"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

// RegionsResponse lists a provider's regions. Source is "live" when the
// provider API answered, "catalog" when serving the built-in catalog.
type RegionsResponse struct {
	Provider string                `json:"provider"`
	Source   string                `json:"source"`
	Regions  []coreprovider.Region `json:"regions"`
}

// SizesResponse lists a provider's instance sizes.
type SizesResponse struct {
	Provider string                      `json:"provider"`
	Region   string                      `json:"region,omitempty"`
	Source   string                      `json:"source"`
	Sizes    []coreprovider.InstanceSize `json:"sizes"`
}

// =============================================================================
// Converters
// =============================================================================

// maskedSecret replaces secret values in API responses.
const maskedSecret = "********"

func serviceToResponse(svc *domain.Service) ServiceResponse {
	return ServiceResponse{
		ID:              svc.ID,
		Name:            svc.Name,
		AppName:         svc.AppName,
		Environment:     string(svc.Environment),
		Source:          svc.Source,
		BuilderID:       svc.BuilderID,
		BuilderConfig:   svc.BuilderConfig,
		ContainerPort:   svc.ContainerPort,
		HealthCheckPath: svc.HealthCheckPath,
		Domains:         svc.Domains,
		Middleware:      svc.Middleware,
		RuntimeHost:     svc.RuntimeHost,
		Routable:        svc.Routable(),
		CreatedAt:       svc.CreatedAt,
		UpdatedAt:       svc.UpdatedAt,
	}
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:                d.ID,
		ServiceID:         d.ServiceID,
		Status:            string(d.Status),
		Environment:       string(d.Environment),
		SourceType:        string(d.SourceType),
		SourceConfig:      d.SourceConfig,
		ImageTag:          d.ImageTag,
		ContainerName:     d.ContainerName,
		HealthCheckURL:    d.HealthCheckURL,
		ErrorMessage:      d.ErrorMessage,
		Metadata:          d.Metadata,
		BuildStartedAt:    d.BuildStartedAt,
		BuildCompletedAt:  d.BuildCompletedAt,
		DeployStartedAt:   d.DeployStartedAt,
		DeployCompletedAt: d.DeployCompletedAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func variableToResponse(v envvar.Variable) VariableResponse {
	resp := VariableResponse{
		ID:               v.ID,
		ServiceID:        v.ServiceID,
		Key:              v.Key,
		Value:            v.Value,
		IsDynamic:        v.IsDynamic,
		IsSecret:         v.IsSecret,
		References:       v.References,
		ResolvedValue:    v.ResolvedValue,
		ResolutionStatus: string(v.ResolutionStatus),
		ResolutionError:  v.ResolutionError,
		LastResolved:     v.LastResolved,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
	if v.IsSecret {
		resp.Value = maskedSecret
		if resp.ResolvedValue != "" {
			resp.ResolvedValue = maskedSecret
		}
	}
	return resp
}

// maskEnvironment hides values of secret variables in a resolved
// environment map.
func maskEnvironment(env map[string]string, vars []envvar.Variable) map[string]string {
	secret := make(map[string]bool, len(vars))
	for _, v := range vars {
		if v.IsSecret {
			secret[v.Key] = true
		}
	}
	masked := make(map[string]string, len(env))
	for k, v := range env {
		if secret[k] {
			masked[k] = maskedSecret
			continue
		}
		masked[k] = v
	}
	return masked
}

func provisionToResponse(p *domain.CapacityProvision) ProvisionResponse {
	return ProvisionResponse{
		ID:                 p.ID,
		Name:               p.Name,
		Provider:           string(p.Provider),
		Status:             string(p.Status),
		Region:             p.Region,
		Size:               p.Size,
		ProviderInstanceID: p.ProviderInstanceID,
		PublicIP:           p.PublicIP,
		DockerHost:         p.DockerHost,
		SSHPublicKey:       p.SSHPublicKey,
		ErrorMessage:       p.ErrorMessage,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		CompletedAt:        p.CompletedAt,
	}
}
