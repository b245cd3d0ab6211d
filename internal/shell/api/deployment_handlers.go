package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// =============================================================================
// Deployment Handlers
// =============================================================================

// handleTriggerDeployment creates a pending deployment for the service. The
// background deployer picks it up; 202 reflects that nothing has been built
// when the response goes out.
func (h *Handler) handleTriggerDeployment(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}

	dep := domain.NewDeployment(*svc)
	if err := h.store.CreateDeployment(r.Context(), dep); err != nil {
		h.logger.Error("creating deployment", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create deployment", "store_error")
		return
	}

	h.metrics.DeploymentAction("triggered")
	h.logger.Info("deployment triggered",
		"deployment_id", dep.ID,
		"service_id", svc.ID,
		"app_name", svc.AppName)

	h.writeJSON(w, http.StatusAccepted, deploymentToResponse(dep))
}

func (h *Handler) handleListServiceDeployments(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}
	opts := parseListOptions(r)

	deployments, err := h.store.ListDeploymentsByService(r.Context(), svc.ID, opts)
	if err != nil {
		h.logger.Error("listing deployments", "service_id", svc.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentsResponse(deployments, opts))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	var (
		deployments []domain.Deployment
		err         error
	)
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := parseDeploymentStatus(s)
		if !ok {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s), "invalid_status")
			return
		}
		deployments, err = h.store.ListDeploymentsByStatus(r.Context(), status, opts)
	} else {
		deployments, err = h.store.ListDeployments(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("listing deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentsResponse(deployments, opts))
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dep, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("loading deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load deployment", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, deploymentToResponse(dep))
}

// handleCancelDeployment requests cooperative cancellation. The orchestrator
// observes the cancelled status at its next phase boundary; an in-flight
// build finishes its current step before stopping.
func (h *Handler) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dep, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("loading deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load deployment", "store_error")
		return
	}

	if dep.Status.Terminal() {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("deployment is already %s", dep.Status), "deployment_terminal")
		return
	}
	if err := dep.Transition(domain.StatusCancelled); err != nil {
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.UpdateDeployment(r.Context(), dep); err != nil {
		h.logger.Error("cancelling deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to cancel deployment", "store_error")
		return
	}

	// Terminal rows win silently on update; re-read to learn whether the
	// cancellation actually landed or the run finished first.
	updated, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		updated = dep
	}
	if updated.Status != domain.StatusCancelled {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("deployment finished as %s before cancellation", updated.Status), "deployment_terminal")
		return
	}

	ev := domain.LogEvent(dep.ID, "warn", "deployment cancelled", time.Time{})
	if err := h.store.AppendEvent(r.Context(), &ev); err != nil {
		h.logger.Warn("recording cancel event", "deployment_id", dep.ID, "error", err)
	} else if h.stream != nil {
		h.stream.Notify(ev)
	}

	h.metrics.DeploymentAction("cancelled")
	h.logger.Info("deployment cancelled", "deployment_id", dep.ID)
	h.writeJSON(w, http.StatusOK, deploymentToResponse(updated))
}

// handleDeploymentEvents pages a deployment's history. after_sequence
// returns only newer events, so clients can poll or resume a stream
// without re-reading what they have.
func (h *Handler) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("loading deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load deployment", "store_error")
		return
	}

	var after int64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			after = n
		}
	}

	events, err := h.store.ListEvents(r.Context(), id, after)
	if err != nil {
		h.logger.Error("listing events", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list events", "store_error")
		return
	}
	if events == nil {
		events = []domain.DeploymentEvent{}
	}
	h.writeJSON(w, http.StatusOK, EventsResponse{Events: events, Total: len(events)})
}

func deploymentsResponse(deployments []domain.Deployment, opts store.ListOptions) ListDeploymentsResponse {
	out := make([]DeploymentResponse, 0, len(deployments))
	for i := range deployments {
		out = append(out, deploymentToResponse(&deployments[i]))
	}
	return ListDeploymentsResponse{
		Deployments: out,
		Total:       len(out),
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	}
}

func parseDeploymentStatus(s string) (domain.DeploymentStatus, bool) {
	switch status := domain.DeploymentStatus(s); status {
	case domain.StatusPending, domain.StatusQueued, domain.StatusBuilding,
		domain.StatusDeploying, domain.StatusSuccess, domain.StatusFailed,
		domain.StatusCancelled:
		return status, true
	}
	return "", false
}
