package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/core/traefik"
)

// =============================================================================
// Health
// =============================================================================

func TestHealth(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[HealthResponse](t, w.Body)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady_AllChecksPass(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "ok", resp.Checks["docker"])
}

func TestReady_DatabaseDown(t *testing.T) {
	h, s := newTestHandler()
	s.fail(errors.New("connection refused"))

	w := doRequest(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["database"])
}

func TestReady_DockerDown(t *testing.T) {
	s := newStubStore()
	h := NewHandler(Options{
		Store:    s,
		Registry: testRegistry(),
		Docker:   &stubPinger{err: errors.New("daemon unreachable")},
	})

	w := doRequest(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "daemon unreachable", resp.Checks["docker"])
}

func TestReady_NoLocalDaemonConfigured(t *testing.T) {
	s := newStubStore()
	h := NewHandler(Options{Store: s, Registry: testRegistry()})

	w := doRequest(h, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "ready", resp.Status)
	assert.NotContains(t, resp.Checks, "docker")
}

// =============================================================================
// Builder Catalog
// =============================================================================

func TestListBuilders(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListBuildersResponse](t, w.Body)
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "dockerfile", resp.Builders[0].ID)
	assert.Equal(t, "static", resp.Builders[1].ID)
}

func TestListBuilders_FilterByTag(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/?tag=static", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListBuildersResponse](t, w.Body)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "static", resp.Builders[0].ID)
}

func TestBuilderSchema(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/dockerfile/schema", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[schema.Schema](t, w.Body)
	assert.Equal(t, "builder.dockerfile", resp.ID)
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, "dockerfile_path", resp.Fields[0].Key)
}

func TestBuilderSchema_UnknownBuilder(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/bogus/schema", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "builder_not_found", resp.Code)
}

func TestBuilderDefaults(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/dockerfile/defaults", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[map[string]any](t, w.Body)
	assert.Equal(t, "Dockerfile", resp["dockerfile_path"])
}

func TestBuilderDefaults_EmptyWhenUnset(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/builders/static/defaults", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[map[string]any](t, w.Body)
	assert.Empty(t, resp)
}

func TestValidateBuilderConfig_Valid(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, ValidateConfigRequest{Config: map[string]any{"publish_dir": "dist"}})

	w := doRequest(h, http.MethodPost, "/api/v1/builders/static/validate", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[schema.ValidationResult](t, w.Body)
	assert.True(t, resp.Valid)
	assert.Empty(t, resp.Errors)
}

func TestValidateBuilderConfig_MissingRequiredField(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, ValidateConfigRequest{Config: map[string]any{}})

	w := doRequest(h, http.MethodPost, "/api/v1/builders/static/validate", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[schema.ValidationResult](t, w.Body)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "publish_dir")
}

func TestValidateBuilderConfig_UnknownBuilder(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, ValidateConfigRequest{Config: map[string]any{}})

	w := doRequest(h, http.MethodPost, "/api/v1/builders/bogus/validate", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[schema.ValidationResult](t, w.Body)
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "unknown builder: bogus", resp.Errors[0])
}

// =============================================================================
// Services
// =============================================================================

func upsertRequest(name string) UpsertServiceRequest {
	return UpsertServiceRequest{
		Name: name,
		Source: domain.SourceConfig{
			Provider: domain.SourceGitHub,
			Repo:     "acme/billing",
			Branch:   "main",
		},
		BuilderID:     "dockerfile",
		ContainerPort: 8080,
	}
}

func TestUpsertService_Creates(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, upsertRequest("Billing API"))

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := parseResponse[ServiceResponse](t, w.Body)
	assert.Equal(t, "svc-1", resp.ID)
	assert.Equal(t, "billing-api", resp.AppName)
	assert.Equal(t, "production", resp.Environment)
	assert.Equal(t, "/", resp.HealthCheckPath)
	assert.False(t, resp.Routable)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestUpsertService_UpdateKeepsCreationTime(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, upsertRequest("Billing API"))

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ServiceResponse](t, w.Body)
	assert.WithinDuration(t, svc.CreatedAt, resp.CreatedAt, time.Second)
	assert.True(t, resp.UpdatedAt.After(resp.CreatedAt))
}

func TestUpsertService_InvalidPort(t *testing.T) {
	h, _ := newTestHandler()
	req := upsertRequest("Billing API")
	req.ContainerPort = 0
	body := jsonBody(t, req)

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_service", resp.Code)
}

func TestUpsertService_UnknownBuilder(t *testing.T) {
	h, _ := newTestHandler()
	req := upsertRequest("Billing API")
	req.BuilderID = "bogus"
	body := jsonBody(t, req)

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "builder_not_found", resp.Code)
}

func TestUpsertService_BuilderConfigRejected(t *testing.T) {
	h, _ := newTestHandler()
	req := upsertRequest("Billing API")
	req.BuilderID = "static"
	req.BuilderConfig = map[string]any{}
	body := jsonBody(t, req)

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_builder_config", resp.Code)
	assert.Contains(t, resp.Error, "publish_dir")
}

func TestUpsertService_MalformedBody(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", strings.NewReader("{"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_json", resp.Code)
}

func TestUpsertService_DuplicateAppName(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-2", "Billing API")
	body := jsonBody(t, upsertRequest("Billing API"))

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1", body)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "duplicate_app_name", resp.Code)
}

func TestGetService_ByID(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ServiceResponse](t, w.Body)
	assert.Equal(t, "svc-1", resp.ID)
	assert.Equal(t, "Billing API", resp.Name)
}

func TestGetService_ByAppName(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")

	w := doRequest(h, http.MethodGet, "/api/v1/services/billing-api", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ServiceResponse](t, w.Body)
	assert.Equal(t, "svc-1", resp.ID)
}

func TestGetService_NotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/services/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "not_found", resp.Code)
}

func TestListServices(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	seedService(s, "svc-2", "Auth API")

	w := doRequest(h, http.MethodGet, "/api/v1/services/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListServicesResponse](t, w.Body)
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, "auth-api", resp.Services[0].AppName)
	assert.Equal(t, 100, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
}

func TestListServices_StoreError(t *testing.T) {
	h, s := newTestHandler()
	s.fail(errors.New("disk full"))

	w := doRequest(h, http.MethodGet, "/api/v1/services/", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "store_error", resp.Code)
}

func TestDeleteService(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")

	w := doRequest(h, http.MethodDelete, "/api/v1/services/svc-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(h, http.MethodGet, "/api/v1/services/svc-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteService_NotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodDelete, "/api/v1/services/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Environment Variables
// =============================================================================

func TestReplaceVariables(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "PORT", Value: "8080"},
		{Key: "DB_HOST", Value: "${service.self.host}"},
		{Key: "API_TOKEN", Value: "hunter2", IsSecret: true},
	}})

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[VariablesResponse](t, w.Body)
	require.Equal(t, 3, resp.Total)

	byKey := make(map[string]VariableResponse, resp.Total)
	for _, v := range resp.Variables {
		byKey[v.Key] = v
	}
	assert.Equal(t, "8080", byKey["PORT"].Value)
	assert.Equal(t, "resolved", byKey["PORT"].ResolutionStatus)
	assert.True(t, byKey["DB_HOST"].IsDynamic)
	assert.Equal(t, "pending", byKey["DB_HOST"].ResolutionStatus)
	assert.Equal(t, "********", byKey["API_TOKEN"].Value)
}

func TestReplaceVariables_BadTemplate(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "DB_HOST", Value: "${service.self}"},
	}})

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_variable", resp.Code)
}

func TestReplaceVariables_EmptyKey(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "", Value: "x"},
	}})

	w := doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_variable", resp.Code)
}

func TestReplaceVariables_ServiceNotFound(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, ReplaceVariablesRequest{})

	w := doRequest(h, http.MethodPut, "/api/v1/services/ghost/variables", body)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListVariables_MasksSecrets(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "API_TOKEN", Value: "hunter2", IsSecret: true},
	}})
	doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1/variables", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[VariablesResponse](t, w.Body)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "********", resp.Variables[0].Value)
	assert.True(t, resp.Variables[0].IsSecret)
}

func TestResolveVariables_EmptySet(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")

	w := doRequest(h, http.MethodPost, "/api/v1/services/svc-1/variables/resolve", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ResolveVariablesResponse](t, w.Body)
	assert.Empty(t, resp.Environment)
	assert.Empty(t, resp.Variables)
}

func TestResolveVariables_Preview(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "PORT", Value: "8080"},
		{Key: "DB_HOST", Value: "${service.self.host}"},
		{Key: "API_TOKEN", Value: "hunter2", IsSecret: true},
	}})
	doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	w := doRequest(h, http.MethodPost, "/api/v1/services/svc-1/variables/resolve", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ResolveVariablesResponse](t, w.Body)
	assert.Equal(t, "8080", resp.Environment["PORT"])
	assert.Equal(t, "slipway-billing-api", resp.Environment["DB_HOST"])
	assert.Equal(t, "********", resp.Environment["API_TOKEN"])
	for _, v := range resp.Variables {
		assert.Equal(t, "resolved", v.ResolutionStatus, v.Key)
	}
}

func TestResolveVariables_DeploymentReference(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	dep := seedDeployment(s, svc, domain.StatusSuccess)
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "RELEASE_ID", Value: "${deployment.self.id}"},
	}})
	doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	w := doRequest(h, http.MethodPost, "/api/v1/services/svc-1/variables/resolve", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ResolveVariablesResponse](t, w.Body)
	assert.Equal(t, dep.ID, resp.Environment["RELEASE_ID"])
}

func TestResolveVariables_DeploymentReferenceWithoutRun(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")
	body := jsonBody(t, ReplaceVariablesRequest{Variables: []VariableRequest{
		{Key: "PORT", Value: "8080"},
		{Key: "RELEASE_ID", Value: "${deployment.self.id}"},
	}})
	doRequest(h, http.MethodPut, "/api/v1/services/svc-1/variables", body)

	w := doRequest(h, http.MethodPost, "/api/v1/services/svc-1/variables/resolve", nil)

	// A failed reference degrades that one variable, not the preview.
	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ResolveVariablesResponse](t, w.Body)
	assert.Equal(t, "8080", resp.Environment["PORT"])
	assert.NotContains(t, resp.Environment, "RELEASE_ID")

	byKey := make(map[string]VariableResponse, len(resp.Variables))
	for _, v := range resp.Variables {
		byKey[v.Key] = v
	}
	assert.Equal(t, "failed", byKey["RELEASE_ID"].ResolutionStatus)
	assert.NotEmpty(t, byKey["RELEASE_ID"].ResolutionError)
}

// =============================================================================
// Deployments
// =============================================================================

func TestTriggerDeployment(t *testing.T) {
	h, s := newTestHandler()
	seedService(s, "svc-1", "Billing API")

	w := doRequest(h, http.MethodPost, "/api/v1/services/svc-1/deployments", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := parseResponse[DeploymentResponse](t, w.Body)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "svc-1", resp.ServiceID)
	assert.Equal(t, "acme/svc-1", resp.SourceConfig.Repo)

	w = doRequest(h, http.MethodGet, "/api/v1/deployments/"+resp.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerDeployment_ServiceNotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodPost, "/api/v1/services/ghost/deployments", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListServiceDeployments_NewestFirst(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")

	older := domain.NewDeployment(*svc)
	older.Status = domain.StatusSuccess
	older.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	s.addDeployment(older)

	newer := domain.NewDeployment(*svc)
	newer.Status = domain.StatusBuilding
	newer.CreatedAt = time.Now().UTC().Add(-time.Hour)
	s.addDeployment(newer)

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1/deployments", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListDeploymentsResponse](t, w.Body)
	require.Equal(t, 2, resp.Total)
	assert.Equal(t, newer.ID, resp.Deployments[0].ID)
	assert.Equal(t, older.ID, resp.Deployments[1].ID)
}

func TestListDeployments_StatusFilter(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	seedDeployment(s, svc, domain.StatusBuilding)
	seedDeployment(s, svc, domain.StatusSuccess)

	w := doRequest(h, http.MethodGet, "/api/v1/deployments?status=building", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListDeploymentsResponse](t, w.Body)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "building", resp.Deployments[0].Status)
}

func TestListDeployments_UnknownStatus(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/deployments?status=exploded", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_status", resp.Code)
}

func TestGetDeployment_NotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/deployments/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "not_found", resp.Code)
}

func TestCancelDeployment(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	dep := seedDeployment(s, svc, domain.StatusBuilding)

	w := doRequest(h, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%s/cancel", dep.ID), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[DeploymentResponse](t, w.Body)
	assert.Equal(t, "cancelled", resp.Status)

	// The cancellation lands in the run's history.
	w = doRequest(h, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/events", dep.ID), nil)
	events := parseResponse[EventsResponse](t, w.Body)
	require.Equal(t, 1, events.Total)
	assert.Equal(t, domain.EventLog, events.Events[0].Kind)
	assert.Equal(t, "deployment cancelled", events.Events[0].Message)
}

func TestCancelDeployment_AlreadyTerminal(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	dep := seedDeployment(s, svc, domain.StatusSuccess)

	w := doRequest(h, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%s/cancel", dep.ID), nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "deployment_terminal", resp.Code)
}

func TestDeploymentEvents(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	dep := seedDeployment(s, svc, domain.StatusBuilding)
	ctx := context.Background()
	for _, msg := range []string{"cloning source", "building image", "starting container"} {
		ev := domain.LogEvent(dep.ID, "info", msg, time.Time{})
		require.NoError(t, s.AppendEvent(ctx, &ev))
	}

	w := doRequest(h, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/events", dep.ID), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[EventsResponse](t, w.Body)
	require.Equal(t, 3, resp.Total)
	assert.Equal(t, int64(1), resp.Events[0].Sequence)
	assert.Equal(t, "cloning source", resp.Events[0].Message)
}

func TestDeploymentEvents_AfterSequence(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	dep := seedDeployment(s, svc, domain.StatusBuilding)
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		ev := domain.LogEvent(dep.ID, "info", msg, time.Time{})
		require.NoError(t, s.AppendEvent(ctx, &ev))
	}

	w := doRequest(h, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/events?after_sequence=2", dep.ID), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[EventsResponse](t, w.Body)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, int64(3), resp.Events[0].Sequence)
}

func TestDeploymentEvents_NotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/deployments/ghost/events", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Routing
// =============================================================================

func TestServiceRouting(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	svc.Domains = []domain.DomainRoute{{Host: "billing.example.com"}}
	s.addService(svc)

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1/routing", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	doc := parseResponse[traefik.Document](t, w.Body)
	router, ok := doc.HTTP.Routers["slipway-billing-api"]
	require.True(t, ok)
	assert.Equal(t, "Host(`billing.example.com`)", router.Rule)

	backend, ok := doc.HTTP.Services["slipway-billing-api"]
	require.True(t, ok)
	require.NotNil(t, backend.LoadBalancer)
	require.Len(t, backend.LoadBalancer.Servers, 1)
	assert.Equal(t, "http://slipway-billing-api:8080", backend.LoadBalancer.Servers[0].URL)
}

func TestServiceRouting_UsesLiveBackend(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	svc.Domains = []domain.DomainRoute{{Host: "billing.example.com"}}
	s.addService(svc)
	s.setTargets([]traefik.RouteTarget{
		{Service: *svc, BackendURL: "http://slipway-billing-api-1a2b3c4d:8080"},
	})

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1/routing", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	doc := parseResponse[traefik.Document](t, w.Body)
	backend := doc.HTTP.Services["slipway-billing-api"]
	require.NotNil(t, backend.LoadBalancer)
	require.Len(t, backend.LoadBalancer.Servers, 1)
	assert.Equal(t, "http://slipway-billing-api-1a2b3c4d:8080", backend.LoadBalancer.Servers[0].URL)
}

func TestServiceRouting_YAMLFormat(t *testing.T) {
	h, s := newTestHandler()
	svc := seedService(s, "svc-1", "Billing API")
	svc.Domains = []domain.DomainRoute{{Host: "billing.example.com"}}
	s.addService(svc)

	w := doRequest(h, http.MethodGet, "/api/v1/services/svc-1/routing?format=yaml", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "routers:")
	assert.Contains(t, w.Body.String(), "slipway-billing-api")
}

func TestRoutingDocument_NoPublisher(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/routing", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "routing_unavailable", resp.Code)
}

func TestRoutingSync_NoPublisher(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodPost, "/api/v1/routing/sync", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "routing_unavailable", resp.Code)
}

// =============================================================================
// Provisions
// =============================================================================

func TestCreateProvision(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, CreateProvisionRequest{
		Name:     "web-1",
		Provider: "hetzner",
		Region:   "nbg1",
		Size:     "cx22",
	})

	w := doRequest(h, http.MethodPost, "/api/v1/provisions/", body)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := parseResponse[ProvisionResponse](t, w.Body)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "hetzner", resp.Provider)
	assert.NotEmpty(t, resp.ID)
}

func TestCreateProvision_InvalidProvider(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, CreateProvisionRequest{
		Name:     "web-1",
		Provider: "rackspace",
		Region:   "dfw",
		Size:     "standard-1",
	})

	w := doRequest(h, http.MethodPost, "/api/v1/provisions/", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_provision", resp.Code)
}

func TestCreateProvision_MissingName(t *testing.T) {
	h, _ := newTestHandler()
	body := jsonBody(t, CreateProvisionRequest{Provider: "hetzner", Region: "nbg1", Size: "cx22"})

	w := doRequest(h, http.MethodPost, "/api/v1/provisions/", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_provision", resp.Code)
}

func TestListProvisions_StatusFilter(t *testing.T) {
	h, s := newTestHandler()
	seedProvision(s, "web-1", domain.ProvisionActive)
	seedProvision(s, "web-2", domain.ProvisionFailed)

	w := doRequest(h, http.MethodGet, "/api/v1/provisions/?status=failed", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListProvisionsResponse](t, w.Body)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "web-2", resp.Provisions[0].Name)
}

func TestListProvisions_UnknownStatus(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/provisions/?status=melted", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_status", resp.Code)
}

func TestGetProvision_NotFound(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/provisions/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDestroyProvision_PendingIsRemoved(t *testing.T) {
	h, s := newTestHandler()
	p := seedProvision(s, "web-1", domain.ProvisionPending)

	w := doRequest(h, http.MethodDelete, "/api/v1/provisions/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(h, http.MethodGet, "/api/v1/provisions/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDestroyProvision_ActiveStartsDestruction(t *testing.T) {
	h, s := newTestHandler()
	p := seedProvision(s, "web-1", domain.ProvisionActive)

	w := doRequest(h, http.MethodDelete, "/api/v1/provisions/"+p.ID, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := parseResponse[ProvisionResponse](t, w.Body)
	assert.Equal(t, "destroying", resp.Status)
}

func TestDestroyProvision_WhileProvisioning(t *testing.T) {
	h, s := newTestHandler()
	p := seedProvision(s, "web-1", domain.ProvisionProvisioning)

	w := doRequest(h, http.MethodDelete, "/api/v1/provisions/"+p.ID, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "provision_busy", resp.Code)
}

func TestDestroyProvision_AlreadyDestroying(t *testing.T) {
	h, s := newTestHandler()
	p := seedProvision(s, "web-1", domain.ProvisionDestroying)

	w := doRequest(h, http.MethodDelete, "/api/v1/provisions/"+p.ID, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := parseResponse[ProvisionResponse](t, w.Body)
	assert.Equal(t, "destroying", resp.Status)
}

func TestRetryProvision(t *testing.T) {
	h, s := newTestHandler()
	p, err := domain.NewCapacityProvision("web-1", domain.ProviderHetzner, "nbg1", "cx22")
	require.NoError(t, err)
	p.Status = domain.ProvisionFailed
	p.ErrorMessage = "quota exceeded"
	s.addProvision(p)

	w := doRequest(h, http.MethodPost, fmt.Sprintf("/api/v1/provisions/%s/retry", p.ID), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ProvisionResponse](t, w.Body)
	assert.Equal(t, "pending", resp.Status)
	assert.Empty(t, resp.ErrorMessage)
}

func TestRetryProvision_NotFailed(t *testing.T) {
	h, s := newTestHandler()
	p := seedProvision(s, "web-1", domain.ProvisionActive)

	w := doRequest(h, http.MethodPost, fmt.Sprintf("/api/v1/provisions/%s/retry", p.ID), nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "invalid_transition", resp.Code)
}

// =============================================================================
// Provider Catalogs
// =============================================================================

func TestProviderRegions_Catalog(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/providers/hetzner/regions", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[RegionsResponse](t, w.Body)
	assert.Equal(t, "hetzner", resp.Provider)
	assert.Equal(t, "catalog", resp.Source)
	require.NotEmpty(t, resp.Regions)

	ids := make([]string, 0, len(resp.Regions))
	for _, r := range resp.Regions {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "nbg1")
}

func TestProviderRegions_UnknownProvider(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/providers/rackspace/regions", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := parseResponse[ErrorResponse](t, w.Body)
	assert.Equal(t, "provider_not_found", resp.Code)
}

func TestProviderSizes_Catalog(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/api/v1/providers/digitalocean/sizes?region=ams3", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[SizesResponse](t, w.Body)
	assert.Equal(t, "digitalocean", resp.Provider)
	assert.Equal(t, "ams3", resp.Region)
	assert.Equal(t, "catalog", resp.Source)
	assert.NotEmpty(t, resp.Sizes)
}

// =============================================================================
// OpenAPI and Metrics
// =============================================================================

func TestOpenAPIDocument(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/openapi.json", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var doc struct {
		OpenAPI string `json:"openapi"`
		Info    struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"info"`
		Paths      map[string]any `json:"paths"`
		Components struct {
			Schemas map[string]any `json:"schemas"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "Slipway API", doc.Info.Title)
	assert.Equal(t, "test", doc.Info.Version)
	assert.Contains(t, doc.Paths, "/api/v1/services/{id}")
	assert.Contains(t, doc.Paths, "/api/v1/deployments/{id}/events")
	assert.Contains(t, doc.Components.Schemas, "Service")
	assert.Contains(t, doc.Components.Schemas, "DockerfileBuilderConfig")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler()
	doRequest(h, http.MethodGet, "/health", nil)

	w := doRequest(h, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "slipway_api_http_requests_total")
	assert.Contains(t, body, "slipway_api_stream_clients")
}

func TestRequestIDHeader(t *testing.T) {
	h, _ := newTestHandler()

	w := doRequest(h, http.MethodGet, "/health", nil)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
