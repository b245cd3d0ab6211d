package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/shell/deploy"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// =============================================================================
// Service Handlers
// =============================================================================

// handleUpsertService creates or replaces a service definition. The request
// is the desired state; normalization fills derived fields and validation
// rejects definitions the builders or router could not serve.
func (h *Handler) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpsertServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_json")
		return
	}

	svc := domain.Service{
		ID:              id,
		Name:            req.Name,
		AppName:         req.AppName,
		Environment:     domain.Environment(req.Environment),
		Source:          req.Source,
		BuilderID:       req.BuilderID,
		BuilderConfig:   req.BuilderConfig,
		ContainerPort:   req.ContainerPort,
		HealthCheckPath: req.HealthCheckPath,
		Domains:         req.Domains,
		Middleware:      req.Middleware,
		RuntimeHost:     req.RuntimeHost,
	}
	svc.Normalize()

	if err := svc.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_service")
		return
	}
	if _, ok := h.registry.Get(svc.BuilderID); !ok {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown builder %q", svc.BuilderID), "builder_not_found")
		return
	}
	if result := h.registry.ValidateConfig(svc.BuilderID, svc.BuilderConfig); !result.Valid {
		h.writeError(w, http.StatusUnprocessableEntity, strings.Join(result.Errors, "; "), "invalid_builder_config")
		return
	}

	created := false
	prior, err := h.store.GetService(r.Context(), id)
	switch {
	case err == nil:
		svc.CreatedAt = prior.CreatedAt
	case isNotFound(err):
		created = true
	default:
		h.logger.Error("loading service", "service_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load service", "store_error")
		return
	}
	svc.UpdatedAt = time.Now().UTC()

	if err := h.store.UpsertService(r.Context(), &svc); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			h.writeError(w, http.StatusConflict, "a service with this app name already exists", "duplicate_app_name")
			return
		}
		h.logger.Error("upserting service", "service_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to save service", "store_error")
		return
	}

	h.logger.Info("service upserted",
		"service_id", svc.ID,
		"app_name", svc.AppName,
		"created", created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, serviceToResponse(&svc))
}

func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, serviceToResponse(svc))
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	services, err := h.store.ListServices(r.Context(), opts)
	if err != nil {
		h.logger.Error("listing services", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list services", "store_error")
		return
	}

	out := make([]ServiceResponse, 0, len(services))
	for i := range services {
		out = append(out, serviceToResponse(&services[i]))
	}
	h.writeJSON(w, http.StatusOK, ListServicesResponse{
		Services: out,
		Total:    len(out),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteService(r.Context(), id); err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "service not found", "not_found")
			return
		}
		h.logger.Error("deleting service", "service_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete service", "store_error")
		return
	}

	h.logger.Info("service deleted", "service_id", id)

	// Removing a service removes its routes; republish so the proxy stops
	// forwarding traffic to a container that will disappear.
	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context()); err != nil {
			h.logger.Warn("republishing routes after delete", "service_id", id, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// lookupService resolves the path id to a service, falling back to app name
// lookup so CLI invocations can use either. Writes the 404 itself.
func (h *Handler) lookupService(w http.ResponseWriter, r *http.Request) (*domain.Service, bool) {
	id := chi.URLParam(r, "id")

	svc, err := h.store.GetService(r.Context(), id)
	if err == nil {
		return svc, true
	}
	if !isNotFound(err) {
		h.logger.Error("loading service", "service_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load service", "store_error")
		return nil, false
	}

	svc, err = h.store.GetServiceByName(r.Context(), id)
	if err == nil {
		return svc, true
	}
	h.writeError(w, http.StatusNotFound, "service not found", "not_found")
	return nil, false
}

// =============================================================================
// Environment Variable Handlers
// =============================================================================

// handleReplaceVariables swaps the service's variable set atomically. Each
// value is parsed for references on the way in, so dynamism is derived from
// content rather than declared by the caller.
func (h *Handler) handleReplaceVariables(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}

	var req ReplaceVariablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_json")
		return
	}

	vars := make([]envvar.Variable, 0, len(req.Variables))
	for _, entry := range req.Variables {
		if entry.Key == "" {
			h.writeError(w, http.StatusBadRequest, "variable key is required", "invalid_variable")
			return
		}
		v, err := envvar.NewVariable(svc.ID, entry.Key, entry.Value)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_variable")
			return
		}
		v.IsSecret = entry.IsSecret
		vars = append(vars, v)
	}

	if err := h.store.ReplaceVariables(r.Context(), svc.ID, vars); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			h.writeError(w, http.StatusBadRequest, "variable key repeats within the service", "duplicate_key")
			return
		}
		h.logger.Error("replacing variables", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to save variables", "store_error")
		return
	}

	h.logger.Info("variables replaced", "service_id", svc.ID, "count", len(vars))

	stored, err := h.store.ListVariables(r.Context(), svc.ID)
	if err != nil {
		h.logger.Error("listing variables", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load variables", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, variablesResponse(stored))
}

func (h *Handler) handleListVariables(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}

	vars, err := h.store.ListVariables(r.Context(), svc.ID)
	if err != nil {
		h.logger.Error("listing variables", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load variables", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, variablesResponse(vars))
}

// handleResolveVariables previews resolution of the stored variable set
// against live records and the latest deployment. Nothing is persisted:
// stored resolutions are written by deploy runs.
func (h *Handler) handleResolveVariables(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}

	vars, err := h.store.ListVariables(r.Context(), svc.ID)
	if err != nil {
		h.logger.Error("listing variables", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load variables", "store_error")
		return
	}
	if len(vars) == 0 {
		h.writeJSON(w, http.StatusOK, ResolveVariablesResponse{
			Environment: map[string]string{},
			Variables:   []VariableResponse{},
		})
		return
	}

	// Deployment references resolve against the newest run when one exists.
	var latest *domain.Deployment
	recent, err := h.store.ListDeploymentsByService(r.Context(), svc.ID, store.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Warn("loading latest deployment", "service_id", svc.ID, "error", err)
	} else if len(recent) > 0 {
		latest = &recent[0]
	}

	resolver := envvar.NewResolver(deploy.NewReferenceSource(h.store, svc, latest), 0, h.logger)
	env, resolved, err := resolver.ResolveEnvironment(r.Context(), vars)
	if err != nil && resolved == nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "resolution_failed")
		return
	}

	out := make([]VariableResponse, 0, len(resolved))
	for _, v := range resolved {
		out = append(out, variableToResponse(v))
	}
	h.writeJSON(w, http.StatusOK, ResolveVariablesResponse{
		Environment: maskEnvironment(env, vars),
		Variables:   out,
	})
}

func variablesResponse(vars []envvar.Variable) VariablesResponse {
	out := make([]VariableResponse, 0, len(vars))
	for _, v := range vars {
		out = append(out, variableToResponse(v))
	}
	return VariablesResponse{Variables: out, Total: len(out)}
}
