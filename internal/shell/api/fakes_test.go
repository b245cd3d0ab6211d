package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/core/schema"
	"github.com/slipway-sh/slipway/internal/core/traefik"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// =============================================================================
// Store Stub
// =============================================================================

// stubStore is an in-memory Store. When err is set, every operation returns
// it, so handler error paths can be exercised without a broken database.
type stubStore struct {
	mu sync.Mutex

	services    map[string]*domain.Service
	deployments map[string]*domain.Deployment
	events      map[string][]domain.DeploymentEvent
	variables   map[string][]envvar.Variable
	provisions  map[string]*domain.CapacityProvision
	targets     []traefik.RouteTarget

	nextSequence int64
	err          error
}

func newStubStore() *stubStore {
	return &stubStore{
		services:    make(map[string]*domain.Service),
		deployments: make(map[string]*domain.Deployment),
		events:      make(map[string][]domain.DeploymentEvent),
		variables:   make(map[string][]envvar.Variable),
		provisions:  make(map[string]*domain.CapacityProvision),
	}
}

func (s *stubStore) addService(svc *domain.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *svc
	s.services[svc.ID] = &cp
}

func (s *stubStore) addDeployment(dep *domain.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dep
	s.deployments[dep.ID] = &cp
}

func (s *stubStore) addProvision(p *domain.CapacityProvision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.provisions[p.ID] = &cp
}

func (s *stubStore) setTargets(targets []traefik.RouteTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
}

func (s *stubStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubStore) UpsertService(ctx context.Context, service *domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, other := range s.services {
		if other.ID != service.ID && other.AppName == service.AppName {
			return store.NewStoreError("UpsertService", "service", service.ID,
				"app name already in use", store.ErrDuplicateName)
		}
	}
	now := time.Now().UTC()
	if service.CreatedAt.IsZero() {
		service.CreatedAt = now
	}
	if service.UpdatedAt.IsZero() {
		service.UpdatedAt = now
	}
	cp := *service
	s.services[service.ID] = &cp
	return nil
}

func (s *stubStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	svc, ok := s.services[id]
	if !ok {
		return nil, store.NewStoreError("GetService", "service", id, "service not found", store.ErrNotFound)
	}
	cp := *svc
	return &cp, nil
}

func (s *stubStore) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, svc := range s.services {
		if svc.Name == name || svc.AppName == name {
			cp := *svc
			return &cp, nil
		}
	}
	return nil, store.NewStoreError("GetServiceByName", "service", name, "service not found", store.ErrNotFound)
}

func (s *stubStore) DeleteService(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.services[id]; !ok {
		return store.NewStoreError("DeleteService", "service", id, "service not found", store.ErrNotFound)
	}
	delete(s.services, id)
	return nil
}

func (s *stubStore) ListServices(ctx context.Context, opts store.ListOptions) ([]domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return paginate(out, opts), nil
}

func (s *stubStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *deployment
	s.deployments[deployment.ID] = &cp
	return nil
}

func (s *stubStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	dep, ok := s.deployments[id]
	if !ok {
		return nil, store.NewStoreError("GetDeployment", "deployment", id, "deployment not found", store.ErrNotFound)
	}
	cp := *dep
	return &cp, nil
}

func (s *stubStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if stored, ok := s.deployments[deployment.ID]; ok && stored.Status.Terminal() {
		// Terminal rows are immutable; the write is silently dropped.
		return nil
	}
	cp := *deployment
	s.deployments[deployment.ID] = &cp
	return nil
}

func (s *stubStore) ListDeployments(ctx context.Context, opts store.ListOptions) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return paginate(s.deploymentsWhere(func(*domain.Deployment) bool { return true }, true), opts), nil
}

func (s *stubStore) ListDeploymentsByService(ctx context.Context, serviceID string, opts store.ListOptions) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	match := func(d *domain.Deployment) bool { return d.ServiceID == serviceID }
	return paginate(s.deploymentsWhere(match, true), opts), nil
}

func (s *stubStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts store.ListOptions) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	match := func(d *domain.Deployment) bool { return d.Status == status }
	return paginate(s.deploymentsWhere(match, false), opts), nil
}

// deploymentsWhere filters deployments and orders them by creation time,
// newest first when desc is set. Callers hold the lock.
func (s *stubStore) deploymentsWhere(match func(*domain.Deployment) bool, desc bool) []domain.Deployment {
	var out []domain.Deployment
	for _, dep := range s.deployments {
		if match(dep) {
			out = append(out, *dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *stubStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nextSequence++
	event.Sequence = s.nextSequence
	s.events[event.DeploymentID] = append(s.events[event.DeploymentID], *event)
	return nil
}

func (s *stubStore) ListEvents(ctx context.Context, deploymentID string, afterSequence int64) ([]domain.DeploymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.DeploymentEvent
	for _, ev := range s.events[deploymentID] {
		if ev.Sequence > afterSequence {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *stubStore) ReplaceVariables(ctx context.Context, serviceID string, variables []envvar.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	seen := make(map[string]bool, len(variables))
	stored := make([]envvar.Variable, 0, len(variables))
	now := time.Now().UTC()
	for _, v := range variables {
		if seen[v.Key] {
			return store.NewStoreError("ReplaceVariables", "variable", v.Key,
				"variable key repeats within the service", store.ErrDuplicateKey)
		}
		seen[v.Key] = true
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.ServiceID = serviceID
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = now
		}
		stored = append(stored, v)
	}
	s.variables[serviceID] = stored
	return nil
}

func (s *stubStore) ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := append([]envvar.Variable(nil), s.variables[serviceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *stubStore) SaveVariableResolution(ctx context.Context, variable envvar.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	vars := s.variables[variable.ServiceID]
	for i := range vars {
		if vars[i].Key == variable.Key {
			vars[i] = variable
		}
	}
	return nil
}

func (s *stubStore) RouteTargets(ctx context.Context) ([]traefik.RouteTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]traefik.RouteTarget(nil), s.targets...), nil
}

func (s *stubStore) CreateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *provision
	s.provisions[provision.ID] = &cp
	return nil
}

func (s *stubStore) GetProvision(ctx context.Context, id string) (*domain.CapacityProvision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.provisions[id]
	if !ok {
		return nil, store.NewStoreError("GetProvision", "provision", id, "provision not found", store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *stubStore) UpdateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *provision
	s.provisions[provision.ID] = &cp
	return nil
}

func (s *stubStore) DeleteProvision(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.provisions[id]; !ok {
		return store.NewStoreError("DeleteProvision", "provision", id, "provision not found", store.ErrNotFound)
	}
	delete(s.provisions, id)
	return nil
}

func (s *stubStore) ListProvisions(ctx context.Context, opts store.ListOptions) ([]domain.CapacityProvision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.CapacityProvision, 0, len(s.provisions))
	for _, p := range s.provisions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *stubStore) ListProvisionsByStatus(ctx context.Context, status domain.ProvisionStatus, opts store.ListOptions) ([]domain.CapacityProvision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.CapacityProvision
	for _, p := range s.provisions {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *stubStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(s)
}

func (s *stubStore) Close() error { return nil }

func paginate[T any](items []T, opts store.ListOptions) []T {
	opts = opts.Normalize()
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// =============================================================================
// Runtime / Builder Stubs
// =============================================================================

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error { return p.err }

type stubStrategy struct {
	desc builder.Descriptor
}

func (s stubStrategy) Descriptor() builder.Descriptor { return s.desc }

func (s stubStrategy) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return &builder.DeployResult{Status: domain.ResultSuccess}, nil
}

// testRegistry returns a registry with one container and one static builder,
// enough surface for catalog, validation and service handlers.
func testRegistry() *builder.Registry {
	reg := builder.NewRegistry(nil)
	reg.Register(stubStrategy{desc: builder.Descriptor{
		ID:          "dockerfile",
		Name:        "Dockerfile",
		Description: "Builds an image from a Dockerfile in the source tree.",
		Tags:        []builder.Tag{builder.TagContainer},
		ConfigSchema: schema.Schema{
			ID:      "builder.dockerfile",
			Version: "1",
			Fields: []schema.Field{
				{Key: "dockerfile_path", Label: "Dockerfile path", Type: schema.FieldText, Default: "Dockerfile"},
				{Key: "target", Label: "Target stage", Type: schema.FieldText},
			},
		},
		Defaults: map[string]any{"dockerfile_path": "Dockerfile"},
	}})
	reg.Register(stubStrategy{desc: builder.Descriptor{
		ID:          "static",
		Name:        "Static Site",
		Description: "Serves a prebuilt directory of static files.",
		Tags:        []builder.Tag{builder.TagStatic},
		ConfigSchema: schema.Schema{
			ID:      "builder.static",
			Version: "1",
			Fields: []schema.Field{
				{Key: "publish_dir", Label: "Publish directory", Type: schema.FieldText, Required: true},
			},
		},
	}})
	return reg
}

// =============================================================================
// Handler Fixture
// =============================================================================

func newTestHandler() (*Handler, *stubStore) {
	s := newStubStore()
	h := NewHandler(Options{
		Store:    s,
		Registry: testRegistry(),
		Docker:   &stubPinger{},
		Version:  "test",
	})
	return h, s
}

func seedService(s *stubStore, id, name string) *domain.Service {
	svc := &domain.Service{
		ID:   id,
		Name: name,
		Source: domain.SourceConfig{
			Provider: domain.SourceGitHub,
			Repo:     "acme/" + id,
			Branch:   "main",
		},
		BuilderID:     "dockerfile",
		ContainerPort: 8080,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		UpdatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	svc.Normalize()
	s.addService(svc)
	return svc
}

func seedDeployment(s *stubStore, svc *domain.Service, status domain.DeploymentStatus) *domain.Deployment {
	dep := domain.NewDeployment(*svc)
	dep.Status = status
	s.addDeployment(dep)
	return dep
}

func seedProvision(s *stubStore, name string, status domain.ProvisionStatus) *domain.CapacityProvision {
	p, err := domain.NewCapacityProvision(name, domain.ProviderHetzner, "nbg1", "cx22")
	if err != nil {
		panic(err)
	}
	p.Status = status
	s.addProvision(p)
	return p
}

// =============================================================================
// Request Helpers
// =============================================================================

func doRequest(h *Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(v))
	return buf
}

func parseResponse[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}
