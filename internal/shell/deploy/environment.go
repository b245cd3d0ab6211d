package deploy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
)

// =============================================================================
// Environment Resolution
// =============================================================================

// resolveEnvironment resolves the service's variables into the environment
// injected into built containers. Resolution failures stay isolated to their
// variable: each failed one is logged onto the deployment and skipped.
func (o *Orchestrator) resolveEnvironment(ctx context.Context, svc *domain.Service, dep *domain.Deployment) map[string]string {
	vars, err := o.store.ListVariables(ctx, svc.ID)
	if err != nil {
		o.logger.Warn("loading variables", "service_id", svc.ID, "error", err)
		return nil
	}
	if len(vars) == 0 {
		return nil
	}

	resolver := envvar.NewResolver(o.referenceSource(svc, dep), o.resolveConcurrency, o.logger)
	env, resolved, err := resolver.ResolveEnvironment(ctx, vars)
	if err != nil {
		o.logger.Warn("environment resolution incomplete", "service_id", svc.ID, "error", err)
	}

	for _, v := range resolved {
		if v.ResolutionStatus == envvar.ResolutionFailed {
			message := fmt.Sprintf("variable %s skipped: %s", v.Key, v.ResolutionError)
			ev := domain.LogEvent(dep.ID, "warn", message, time.Time{})
			o.record(ctx, &ev)
		}
		if err := o.store.SaveVariableResolution(ctx, v); err != nil {
			o.logger.Warn("persisting variable resolution", "variable", v.Key, "error", err)
		}
	}
	return env
}

func (o *Orchestrator) referenceSource(svc *domain.Service, dep *domain.Deployment) envvar.ReferenceSource {
	return NewReferenceSource(o.store, svc, dep)
}

// =============================================================================
// Reference Source
// =============================================================================

// NewReferenceSource answers service and deployment references against live
// records, scoped to one service. A nil deployment is allowed for previews
// outside a deploy; deployment references then fail resolution instead of
// resolving against a guessed row.
func NewReferenceSource(store Store, svc *domain.Service, dep *domain.Deployment) envvar.ReferenceSource {
	return &referenceSource{store: store, service: svc, deployment: dep}
}

// referenceSource resolves references for one service. Service hosts resolve
// to the router name, which containers also carry as a DNS alias on the
// shared network, so resolved values survive redeployments of the target.
type referenceSource struct {
	store      Store
	service    *domain.Service
	deployment *domain.Deployment
}

func (s *referenceSource) Lookup(ctx context.Context, ref envvar.Reference) (string, error) {
	if len(ref.Path) > 0 {
		return "", fmt.Errorf("%w: %s has no nested properties", envvar.ErrInvalidReference, ref.Property)
	}

	switch ref.Type {
	case envvar.RefService:
		return s.serviceProperty(ctx, ref)
	case envvar.RefDeployment:
		return s.deploymentProperty(ref)
	default:
		return "", fmt.Errorf("%w: %s", envvar.ErrUnknownRefType, ref.Type)
	}
}

func (s *referenceSource) serviceProperty(ctx context.Context, ref envvar.Reference) (string, error) {
	target, err := s.targetService(ctx, ref.Target)
	if err != nil {
		return "", err
	}

	switch ref.Property {
	case "host":
		return domain.RouterName(target.AppName), nil
	case "port":
		if target.ContainerPort == 0 {
			return "", fmt.Errorf("%w: service %q exposes no port", envvar.ErrUnknownReference, ref.Target)
		}
		return strconv.Itoa(target.ContainerPort), nil
	case "url":
		if target.ContainerPort == 0 {
			return "", fmt.Errorf("%w: service %q exposes no port", envvar.ErrUnknownReference, ref.Target)
		}
		return fmt.Sprintf("http://%s:%d", domain.RouterName(target.AppName), target.ContainerPort), nil
	case "name":
		return target.Name, nil
	case "id":
		return target.ID, nil
	case "environment":
		return string(target.Environment), nil
	default:
		return "", fmt.Errorf("%w: unknown service property %q", envvar.ErrInvalidReference, ref.Property)
	}
}

// targetService resolves a reference target to a service record. The
// deploying service matches without a store round trip.
func (s *referenceSource) targetService(ctx context.Context, target string) (*domain.Service, error) {
	if target == "self" || target == s.service.ID || domain.Slugify(target) == s.service.AppName {
		return s.service, nil
	}
	if svc, err := s.store.GetServiceByName(ctx, target); err == nil {
		return svc, nil
	}
	svc, err := s.store.GetService(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: service %q", envvar.ErrUnknownReference, target)
	}
	return svc, nil
}

func (s *referenceSource) deploymentProperty(ref envvar.Reference) (string, error) {
	if s.deployment == nil {
		return "", fmt.Errorf("%w: no deployment in scope", envvar.ErrUnknownReference)
	}
	if ref.Target != "self" && ref.Target != s.deployment.ID {
		return "", fmt.Errorf("%w: deployment %q", envvar.ErrUnknownReference, ref.Target)
	}

	switch ref.Property {
	case "id":
		return s.deployment.ID, nil
	case "service_id":
		return s.deployment.ServiceID, nil
	case "environment":
		return string(s.deployment.Environment), nil
	case "status":
		return string(s.deployment.Status), nil
	// Image tag and container name are derived, not read from the row:
	// resolution runs before the build stamps them.
	case "image_tag":
		return domain.ImageTag(s.service.AppName, s.deployment.ID), nil
	case "container_name":
		return domain.ContainerName(s.service.AppName, s.deployment.ID), nil
	case "created_at":
		return s.deployment.CreatedAt.UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("%w: unknown deployment property %q", envvar.ErrInvalidReference, ref.Property)
	}
}
