package api

import (
	"context"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/traefik"
)

// =============================================================================
// Routing Handlers
// =============================================================================

// handleServiceRouting previews the routing entries one service contributes
// to the dynamic configuration. A service without domains yields an empty
// document, which is exactly what the proxy would receive for it.
func (h *Handler) handleServiceRouting(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.lookupService(w, r)
	if !ok {
		return
	}

	target := traefik.RouteTarget{Service: *svc, BackendURL: h.serviceBackend(r.Context(), svc)}
	doc := traefik.BuildDocument([]traefik.RouteTarget{target}, h.routing)
	h.writeDocument(w, r, doc)
}

// serviceBackend returns the backend URL the service's routes forward to:
// the live container when a successful deployment exists, the router-name
// network alias otherwise.
func (h *Handler) serviceBackend(ctx context.Context, svc *domain.Service) string {
	targets, err := h.store.RouteTargets(ctx)
	if err != nil {
		h.logger.Warn("loading route targets", "error", err)
	} else {
		for _, t := range targets {
			if t.Service.ID == svc.ID {
				return t.BackendURL
			}
		}
	}
	return domain.BackendURL(domain.RouterName(svc.AppName), svc.ContainerPort)
}

func (h *Handler) handleRoutingDocument(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "routing publisher not configured", "routing_unavailable")
		return
	}

	doc, err := h.publisher.Document(r.Context())
	if err != nil {
		h.logger.Error("building routing document", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to build routing document", "routing_error")
		return
	}
	h.writeDocument(w, r, doc)
}

func (h *Handler) handleRoutingSync(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "routing publisher not configured", "routing_unavailable")
		return
	}

	if err := h.publisher.Publish(r.Context()); err != nil {
		h.logger.Error("publishing routing document", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to publish routing document", "routing_error")
		return
	}

	h.logger.Info("routing document published")
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "published"})
}

// writeDocument renders a routing document as JSON, or in the YAML file
// form the proxy consumes when format=yaml is requested.
func (h *Handler) writeDocument(w http.ResponseWriter, r *http.Request, doc *traefik.Document) {
	if r.URL.Query().Get("format") == "yaml" {
		out, err := yaml.Marshal(doc)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "failed to render document", "encoding_error")
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(out)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}
