package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slipway-sh/slipway/internal/core/builder"
)

// =============================================================================
// Builder Catalog Handlers
// =============================================================================

// handleListBuilders returns the registered builder descriptors, optionally
// filtered by tag. Descriptors are serialized as-is: external form
// renderers consume the config schemas unchanged.
func (h *Handler) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	var descriptors []builder.Descriptor
	if tag := r.URL.Query().Get("tag"); tag != "" {
		descriptors = h.registry.ByTag(builder.Tag(tag))
	} else {
		descriptors = h.registry.List()
	}

	h.writeJSON(w, http.StatusOK, ListBuildersResponse{
		Builders: descriptors,
		Total:    len(descriptors),
	})
}

func (h *Handler) handleBuilderSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	configSchema, err := h.registry.Schema(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error(), "builder_not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, configSchema)
}

func (h *Handler) handleBuilderDefaults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	defaults, err := h.registry.Defaults(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error(), "builder_not_found")
		return
	}
	if defaults == nil {
		defaults = map[string]any{}
	}
	h.writeJSON(w, http.StatusOK, defaults)
}

// handleValidateBuilderConfig validates a raw configuration without
// persisting anything. An unknown builder id surfaces as a validation
// failure, matching registry semantics.
func (h *Handler) handleValidateBuilderConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ValidateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_json")
		return
	}

	result := h.registry.ValidateConfig(id, req.Config)
	h.writeJSON(w, http.StatusOK, result)
}
