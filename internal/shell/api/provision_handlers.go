package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slipway-sh/slipway/internal/core/domain"
	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
	"github.com/slipway-sh/slipway/internal/shell/provider"
)

// =============================================================================
// Provision Handlers
// =============================================================================

// handleCreateProvision queues a capacity provision. The provisioner worker
// creates the instance; 202 reflects that no cloud call has happened yet.
func (h *Handler) handleCreateProvision(w http.ResponseWriter, r *http.Request) {
	var req CreateProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_json")
		return
	}

	prov, err := domain.NewCapacityProvision(req.Name, domain.ProviderType(req.Provider), req.Region, req.Size)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_provision")
		return
	}

	if err := h.store.CreateProvision(r.Context(), prov); err != nil {
		h.logger.Error("creating provision", "provision_name", req.Name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create provision", "store_error")
		return
	}

	h.logger.Info("provision requested",
		"provision_id", prov.ID,
		"provider", prov.Provider,
		"region", prov.Region,
		"size", prov.Size)

	h.writeJSON(w, http.StatusAccepted, provisionToResponse(prov))
}

func (h *Handler) handleListProvisions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	var (
		provisions []domain.CapacityProvision
		err        error
	)
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := parseProvisionStatus(s)
		if !ok {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s), "invalid_status")
			return
		}
		provisions, err = h.store.ListProvisionsByStatus(r.Context(), status, opts)
	} else {
		provisions, err = h.store.ListProvisions(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("listing provisions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list provisions", "store_error")
		return
	}

	out := make([]ProvisionResponse, 0, len(provisions))
	for i := range provisions {
		out = append(out, provisionToResponse(&provisions[i]))
	}
	h.writeJSON(w, http.StatusOK, ListProvisionsResponse{
		Provisions: out,
		Total:      len(out),
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

func (h *Handler) handleGetProvision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prov, err := h.store.GetProvision(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "provision not found", "not_found")
			return
		}
		h.logger.Error("loading provision", "provision_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load provision", "store_error")
		return
	}
	h.writeJSON(w, http.StatusOK, provisionToResponse(prov))
}

// handleDestroyProvision tears capacity down. Provisions that never reached
// the cloud are removed outright; ones with an instance move to destroying
// and the worker releases the provider resources.
func (h *Handler) handleDestroyProvision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prov, err := h.store.GetProvision(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "provision not found", "not_found")
			return
		}
		h.logger.Error("loading provision", "provision_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load provision", "store_error")
		return
	}

	switch prov.Status {
	case domain.ProvisionPending, domain.ProvisionDestroyed:
		if err := h.store.DeleteProvision(r.Context(), id); err != nil {
			h.logger.Error("deleting provision", "provision_id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to delete provision", "store_error")
			return
		}
		h.logger.Info("provision removed", "provision_id", id, "status", prov.Status)
		w.WriteHeader(http.StatusNoContent)

	case domain.ProvisionProvisioning:
		h.writeError(w, http.StatusConflict,
			"provision is still being created, wait for it to settle", "provision_busy")

	case domain.ProvisionDestroying:
		h.writeJSON(w, http.StatusAccepted, provisionToResponse(prov))

	default: // active, failed
		if err := prov.Transition(domain.ProvisionDestroying); err != nil {
			h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
			return
		}
		if err := h.store.UpdateProvision(r.Context(), prov); err != nil {
			h.logger.Error("updating provision", "provision_id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to update provision", "store_error")
			return
		}
		h.logger.Info("provision destruction requested", "provision_id", id)
		h.writeJSON(w, http.StatusAccepted, provisionToResponse(prov))
	}
}

// handleRetryProvision requeues a failed provision.
func (h *Handler) handleRetryProvision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prov, err := h.store.GetProvision(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "provision not found", "not_found")
			return
		}
		h.logger.Error("loading provision", "provision_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load provision", "store_error")
		return
	}

	if prov.Status != domain.ProvisionFailed {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("only failed provisions can be retried, this one is %s", prov.Status), "invalid_transition")
		return
	}
	if err := prov.Transition(domain.ProvisionPending); err != nil {
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.UpdateProvision(r.Context(), prov); err != nil {
		h.logger.Error("updating provision", "provision_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update provision", "store_error")
		return
	}

	h.logger.Info("provision retry requested", "provision_id", id)
	h.writeJSON(w, http.StatusOK, provisionToResponse(prov))
}

// =============================================================================
// Provider Catalog Handlers
// =============================================================================

// handleProviderRegions lists regions for a provider: live from its API
// when credentials are configured, from the built-in catalog otherwise.
func (h *Handler) handleProviderRegions(w http.ResponseWriter, r *http.Request) {
	pt, ok := h.providerParam(w, r)
	if !ok {
		return
	}

	if p := h.liveProvider(pt); p != nil {
		regions, err := p.ListRegions(r.Context())
		if err == nil {
			h.writeJSON(w, http.StatusOK, RegionsResponse{
				Provider: string(pt), Source: "live", Regions: regions,
			})
			return
		}
		h.logger.Warn("listing provider regions", "provider", pt, "error", err)
	}

	h.writeJSON(w, http.StatusOK, RegionsResponse{
		Provider: string(pt), Source: "catalog", Regions: coreprovider.StaticRegions(pt),
	})
}

func (h *Handler) handleProviderSizes(w http.ResponseWriter, r *http.Request) {
	pt, ok := h.providerParam(w, r)
	if !ok {
		return
	}
	region := r.URL.Query().Get("region")

	if p := h.liveProvider(pt); p != nil {
		sizes, err := p.ListSizes(r.Context(), region)
		if err == nil {
			h.writeJSON(w, http.StatusOK, SizesResponse{
				Provider: string(pt), Region: region, Source: "live", Sizes: sizes,
			})
			return
		}
		h.logger.Warn("listing provider sizes", "provider", pt, "region", region, "error", err)
	}

	h.writeJSON(w, http.StatusOK, SizesResponse{
		Provider: string(pt), Region: region, Source: "catalog", Sizes: coreprovider.StaticSizes(pt),
	})
}

func (h *Handler) providerParam(w http.ResponseWriter, r *http.Request) (domain.ProviderType, bool) {
	pt := domain.ProviderType(chi.URLParam(r, "provider"))
	if !pt.IsValid() {
		h.writeError(w, http.StatusNotFound,
			fmt.Sprintf("unknown provider %q", string(pt)), "provider_not_found")
		return "", false
	}
	return pt, true
}

// liveProvider returns a credentialed provider client, or nil when the
// catalog fallback should serve.
func (h *Handler) liveProvider(pt domain.ProviderType) provider.Provider {
	if h.providers == nil {
		return nil
	}
	p, err := h.providers.Get(pt)
	if err != nil {
		if !errors.Is(err, provider.ErrNoCredentials) {
			h.logger.Warn("building provider client", "provider", pt, "error", err)
		}
		return nil
	}
	return p
}

func parseProvisionStatus(s string) (domain.ProvisionStatus, bool) {
	switch status := domain.ProvisionStatus(s); status {
	case domain.ProvisionPending, domain.ProvisionProvisioning, domain.ProvisionActive,
		domain.ProvisionFailed, domain.ProvisionDestroying, domain.ProvisionDestroyed:
		return status, true
	}
	return "", false
}
