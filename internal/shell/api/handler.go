// Package api exposes the control plane over HTTP: service definitions,
// deployment triggers and history, environment variables, builder
// catalogs, routing documents and capacity provisions. Handlers decode,
// validate, act on the store and respond JSON; orchestration itself
// happens in the background workers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/core/traefik"
	"github.com/slipway-sh/slipway/internal/shell/api/openapi"
	"github.com/slipway-sh/slipway/internal/shell/provider"
	"github.com/slipway-sh/slipway/internal/shell/proxy"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// RuntimePinger reports whether the local container runtime responds.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// Options configures the API handler. Store and Registry are required;
// optional collaborators degrade their endpoints when absent instead of
// failing construction.
type Options struct {
	Store     store.Store
	Registry  *builder.Registry
	Publisher *proxy.Publisher
	Providers *provider.Factory
	Docker    RuntimePinger
	Stream    *Hub
	Routing   traefik.DocumentOptions
	Version   string
	Logger    *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	store     store.Store
	registry  *builder.Registry
	publisher *proxy.Publisher
	providers *provider.Factory
	docker    RuntimePinger
	stream    *Hub
	routing   traefik.DocumentOptions
	spec      *openapi.Generator
	metrics   *Metrics
	logger    *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stream := opts.Stream
	if stream == nil {
		stream = NewHub(logger)
	}

	h := &Handler{
		store:     opts.Store,
		registry:  opts.Registry,
		publisher: opts.Publisher,
		providers: opts.Providers,
		docker:    opts.Docker,
		stream:    stream,
		routing:   opts.Routing.Normalize(),
		metrics:   NewMetrics(),
		logger:    logger.With("component", "api"),
	}
	h.spec = h.buildSpec(opts.Version)
	return h
}

// =============================================================================
// Routes
// =============================================================================

// Routes returns the HTTP handler with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)
	r.Use(h.instrument)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/openapi.json", h.spec.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Route("/builders", func(r chi.Router) {
			r.Get("/", h.handleListBuilders)
			r.Get("/{id}/schema", h.handleBuilderSchema)
			r.Get("/{id}/defaults", h.handleBuilderDefaults)
			r.Post("/{id}/validate", h.handleValidateBuilderConfig)
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.handleListServices)
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", h.handleUpsertService)
				r.Get("/", h.handleGetService)
				r.Delete("/", h.handleDeleteService)
				r.Get("/routing", h.handleServiceRouting)

				r.Route("/variables", func(r chi.Router) {
					r.Put("/", h.handleReplaceVariables)
					r.Get("/", h.handleListVariables)
					r.Post("/resolve", h.handleResolveVariables)
				})

				r.Route("/deployments", func(r chi.Router) {
					r.Post("/", h.handleTriggerDeployment)
					r.Get("/", h.handleListServiceDeployments)
				})
			})
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Post("/{id}/cancel", h.handleCancelDeployment)
			r.Get("/{id}/events", h.handleDeploymentEvents)
		})

		r.Route("/provisions", func(r chi.Router) {
			r.Post("/", h.handleCreateProvision)
			r.Get("/", h.handleListProvisions)
			r.Get("/{id}", h.handleGetProvision)
			r.Delete("/{id}", h.handleDestroyProvision)
			r.Post("/{id}/retry", h.handleRetryProvision)
		})

		r.Route("/providers/{provider}", func(r chi.Router) {
			r.Get("/regions", h.handleProviderRegions)
			r.Get("/sizes", h.handleProviderSizes)
		})

		r.Get("/routing", h.handleRoutingDocument)
		r.Post("/routing/sync", h.handleRoutingSync)
	})

	r.Get("/ws/deployments/{id}", h.handleDeploymentStream)

	return r
}

// =============================================================================
// Middleware
// =============================================================================

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := http.StatusOK

	if _, err := h.store.ListServices(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// The local daemon check only applies when one is configured; a control
	// plane deploying exclusively to provisioned hosts runs without it.
	if h.docker != nil {
		if err := h.docker.Ping(r.Context()); err != nil {
			checks["docker"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["docker"] = "ok"
		}
	}

	resp := ReadyResponse{Status: "ready", Checks: checks}
	if status != http.StatusOK {
		resp.Status = "not_ready"
	}
	h.writeJSON(w, status, resp)
}

// =============================================================================
// Respond Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func parseListOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			opts.Limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			opts.Offset = n
		}
	}
	return opts.Normalize()
}

// =============================================================================
// OpenAPI Specification
// =============================================================================

// buildSpec assembles the OpenAPI document served at /openapi.json. Builder
// config schemas come from the live registry, so the document always
// matches what the catalog endpoints report.
func (h *Handler) buildSpec(version string) *openapi.Generator {
	if version == "" {
		version = "dev"
	}

	gen := openapi.NewGenerator(
		openapi.WithTitle("Slipway API"),
		openapi.WithVersion(version),
		openapi.WithDescription("Deployment control plane: services, builds, routing and capacity."),
	)

	gen.RegisterSchema("Error", ErrorResponse{})
	gen.RegisterSchema("Health", HealthResponse{})
	gen.RegisterSchema("Ready", ReadyResponse{})
	gen.RegisterSchema("Status", StatusResponse{})
	gen.RegisterSchema("Service", ServiceResponse{})
	gen.RegisterSchema("ServiceList", ListServicesResponse{})
	gen.RegisterSchema("UpsertService", UpsertServiceRequest{})
	gen.RegisterSchema("Deployment", DeploymentResponse{})
	gen.RegisterSchema("DeploymentList", ListDeploymentsResponse{})
	gen.RegisterSchema("EventList", EventsResponse{})
	gen.RegisterSchema("Variable", VariableResponse{})
	gen.RegisterSchema("VariableList", VariablesResponse{})
	gen.RegisterSchema("ReplaceVariables", ReplaceVariablesRequest{})
	gen.RegisterSchema("ResolvePreview", ResolveVariablesResponse{})
	gen.RegisterSchema("BuilderList", ListBuildersResponse{})
	gen.RegisterSchema("BuilderSchema", schema.Schema{})
	gen.RegisterSchema("ValidateConfig", ValidateConfigRequest{})
	gen.RegisterSchema("ValidationResult", schema.ValidationResult{})
	gen.RegisterSchema("Provision", ProvisionResponse{})
	gen.RegisterSchema("ProvisionList", ListProvisionsResponse{})
	gen.RegisterSchema("CreateProvision", CreateProvisionRequest{})
	gen.RegisterSchema("RegionList", RegionsResponse{})
	gen.RegisterSchema("SizeList", SizesResponse{})

	if h.registry != nil {
		for _, desc := range h.registry.List() {
			gen.RegisterBuilderConfig(desc)
		}
	}

	ops := []openapi.Operation{
		{Method: http.MethodGet, Path: "/health", Tag: "system", Summary: "Liveness probe", Response: "Health"},
		{Method: http.MethodGet, Path: "/ready", Tag: "system", Summary: "Readiness probe", Response: "Ready"},

		{Method: http.MethodGet, Path: "/api/v1/builders", Tag: "builders", Summary: "List registered builders", Response: "BuilderList"},
		{Method: http.MethodGet, Path: "/api/v1/builders/{id}/schema", Tag: "builders", Summary: "Builder configuration schema", Response: "BuilderSchema"},
		{Method: http.MethodGet, Path: "/api/v1/builders/{id}/defaults", Tag: "builders", Summary: "Builder default configuration"},
		{Method: http.MethodPost, Path: "/api/v1/builders/{id}/validate", Tag: "builders", Summary: "Validate a builder configuration", Request: "ValidateConfig", Response: "ValidationResult"},

		{Method: http.MethodGet, Path: "/api/v1/services", Tag: "services", Summary: "List services", Response: "ServiceList"},
		{Method: http.MethodPut, Path: "/api/v1/services/{id}", Tag: "services", Summary: "Create or replace a service", Request: "UpsertService", Response: "Service"},
		{Method: http.MethodGet, Path: "/api/v1/services/{id}", Tag: "services", Summary: "Get a service", Response: "Service"},
		{Method: http.MethodDelete, Path: "/api/v1/services/{id}", Tag: "services", Summary: "Delete a service", Status: http.StatusNoContent},
		{Method: http.MethodGet, Path: "/api/v1/services/{id}/routing", Tag: "routing", Summary: "Preview the service's routing document"},

		{Method: http.MethodPut, Path: "/api/v1/services/{id}/variables", Tag: "variables", Summary: "Replace the service's environment variables", Request: "ReplaceVariables", Response: "VariableList"},
		{Method: http.MethodGet, Path: "/api/v1/services/{id}/variables", Tag: "variables", Summary: "List the service's environment variables", Response: "VariableList"},
		{Method: http.MethodPost, Path: "/api/v1/services/{id}/variables/resolve", Tag: "variables", Summary: "Preview variable resolution", Response: "ResolvePreview"},

		{Method: http.MethodPost, Path: "/api/v1/services/{id}/deployments", Tag: "deployments", Summary: "Trigger a deployment", Response: "Deployment", Status: http.StatusAccepted},
		{Method: http.MethodGet, Path: "/api/v1/services/{id}/deployments", Tag: "deployments", Summary: "List the service's deployments", Response: "DeploymentList"},
		{Method: http.MethodGet, Path: "/api/v1/deployments", Tag: "deployments", Summary: "List deployments", Response: "DeploymentList"},
		{Method: http.MethodGet, Path: "/api/v1/deployments/{id}", Tag: "deployments", Summary: "Get a deployment", Response: "Deployment"},
		{Method: http.MethodPost, Path: "/api/v1/deployments/{id}/cancel", Tag: "deployments", Summary: "Cancel a deployment", Response: "Deployment"},
		{Method: http.MethodGet, Path: "/api/v1/deployments/{id}/events", Tag: "deployments", Summary: "Deployment event history", Response: "EventList"},

		{Method: http.MethodPost, Path: "/api/v1/provisions", Tag: "provisions", Summary: "Provision cloud capacity", Request: "CreateProvision", Response: "Provision", Status: http.StatusAccepted},
		{Method: http.MethodGet, Path: "/api/v1/provisions", Tag: "provisions", Summary: "List provisions", Response: "ProvisionList"},
		{Method: http.MethodGet, Path: "/api/v1/provisions/{id}", Tag: "provisions", Summary: "Get a provision", Response: "Provision"},
		{Method: http.MethodDelete, Path: "/api/v1/provisions/{id}", Tag: "provisions", Summary: "Destroy a provision"},
		{Method: http.MethodPost, Path: "/api/v1/provisions/{id}/retry", Tag: "provisions", Summary: "Retry a failed provision", Response: "Provision"},

		{Method: http.MethodGet, Path: "/api/v1/providers/{provider}/regions", Tag: "providers", Summary: "List provider regions", Response: "RegionList"},
		{Method: http.MethodGet, Path: "/api/v1/providers/{provider}/sizes", Tag: "providers", Summary: "List provider instance sizes", Response: "SizeList"},

		{Method: http.MethodGet, Path: "/api/v1/routing", Tag: "routing", Summary: "Current routing document"},
		{Method: http.MethodPost, Path: "/api/v1/routing/sync", Tag: "routing", Summary: "Publish the routing document", Response: "Status"},
	}
	for _, op := range ops {
		gen.RegisterOperation(op)
	}

	return gen
}
