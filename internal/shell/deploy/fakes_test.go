package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Store Fake
// =============================================================================

type fakeStore struct {
	mu sync.Mutex

	services    map[string]*domain.Service
	deployments map[string]*domain.Deployment
	variables   map[string][]envvar.Variable

	events       []domain.DeploymentEvent
	updates      []domain.Deployment
	resolutions  []envvar.Variable
	nextSequence int64

	getDeploymentErr error
	appendErr        error

	// cancelOnPhase flips the stored deployment to cancelled once the
	// given phase lands in the history, so the next boundary sees it.
	cancelOnPhase domain.Phase
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		services:    make(map[string]*domain.Service),
		deployments: make(map[string]*domain.Deployment),
		variables:   make(map[string][]envvar.Variable),
	}
}

func (s *fakeStore) addService(svc *domain.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *svc
	s.services[svc.ID] = &cp
}

func (s *fakeStore) addDeployment(dep *domain.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dep
	s.deployments[dep.ID] = &cp
}

func (s *fakeStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s not found", id)
	}
	cp := *svc
	return &cp, nil
}

func (s *fakeStore) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.Name == name || svc.AppName == name {
			cp := *svc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("service %q not found", name)
}

func (s *fakeStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getDeploymentErr != nil {
		return nil, s.getDeploymentErr
	}
	dep, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s not found", id)
	}
	cp := *dep
	return &cp, nil
}

func (s *fakeStore) UpdateDeployment(ctx context.Context, dep *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.deployments[dep.ID]
	if ok && stored.Status == domain.StatusCancelled {
		// A cancel request won the race; keep the terminal row.
		return nil
	}
	cp := *dep
	s.deployments[dep.ID] = &cp
	s.updates = append(s.updates, cp)
	return nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.nextSequence++
	event.Sequence = s.nextSequence
	s.events = append(s.events, *event)

	if s.cancelOnPhase != "" && event.Kind == domain.EventPhase && event.Phase == s.cancelOnPhase {
		if dep, ok := s.deployments[event.DeploymentID]; ok {
			dep.Status = domain.StatusCancelled
		}
	}
	return nil
}

func (s *fakeStore) ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envvar.Variable(nil), s.variables[serviceID]...), nil
}

func (s *fakeStore) SaveVariableResolution(ctx context.Context, variable envvar.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, variable)
	return nil
}

func (s *fakeStore) deployment(id string) domain.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deployments[id]
}

func (s *fakeStore) phaseSequence() []domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var phases []domain.Phase
	for _, ev := range s.events {
		if ev.Kind == domain.EventPhase {
			phases = append(phases, ev.Phase)
		}
	}
	return phases
}

func (s *fakeStore) logMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []string
	for _, ev := range s.events {
		if ev.Kind == domain.EventLog {
			messages = append(messages, ev.Message)
		}
	}
	return messages
}

func (s *fakeStore) statusWalk() []domain.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var walk []domain.DeploymentStatus
	for _, dep := range s.updates {
		if len(walk) == 0 || walk[len(walk)-1] != dep.Status {
			walk = append(walk, dep.Status)
		}
	}
	return walk
}

// =============================================================================
// Strategy Fake
// =============================================================================

type fakeStrategy struct {
	id     string
	fields []schema.Field
	run    func(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error)

	mu     sync.Mutex
	gotReq *builder.DeployRequest
}

func (f *fakeStrategy) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ID:   f.id,
		Name: f.id,
		ConfigSchema: schema.Schema{
			ID:      "builder." + f.id,
			Version: "1",
			Fields:  f.fields,
		},
	}
}

func (f *fakeStrategy) Deploy(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	f.mu.Lock()
	cp := req
	f.gotReq = &cp
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeStrategy) request() *builder.DeployRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotReq
}

// scriptedRun walks the full phase sequence the way a real strategy does and
// reports success.
func scriptedRun(containerID string) func(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
	return func(ctx context.Context, req builder.DeployRequest) (*builder.DeployResult, error) {
		imageTag := domain.ImageTag(req.Service.AppName, req.Deployment.ID)
		name := domain.ContainerName(req.Service.AppName, req.Deployment.ID)

		steps := []domain.PhaseUpdate{
			domain.NewPhaseUpdate(domain.PhaseBuilding, "Building image").
				WithMetadata("image_tag", imageTag),
			domain.NewPhaseUpdate(domain.PhaseCopyingFiles, "Preparing runtime"),
			domain.NewPhaseUpdate(domain.PhaseUpdatingRoutes, "Starting container").
				WithMetadata("container_name", name).
				WithMetadata("backend_url", domain.BackendURL(name, req.Service.ContainerPort)),
			domain.NewPhaseUpdate(domain.PhaseHealthCheck, "Verifying health").
				WithMetadata("health_url", domain.HealthCheckURL(name, req.Service.ContainerPort, req.Service.HealthCheckPath)),
			domain.NewPhaseUpdate(domain.PhaseActive, "Deployment complete").
				WithMetadata("container_id", containerID),
		}
		for i, step := range steps {
			if err := req.Phase(ctx, step); err != nil {
				return nil, err
			}
			if i == 0 {
				req.Log(ctx, "info", "step 1/5 building")
			}
		}

		return &builder.DeployResult{
			ContainerIDs: []string{containerID},
			Status:       domain.ResultSuccess,
			Message:      "Deployed " + req.Service.Name,
			Metadata: map[string]string{
				"image_tag":      imageTag,
				"container_name": name,
			},
		}, nil
	}
}

// =============================================================================
// Publisher / Notifier / Fetcher Fakes
// =============================================================================

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.DeploymentEvent
}

func (n *fakeNotifier) Notify(event domain.DeploymentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []domain.SourceConfig
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, cfg domain.SourceConfig, dest string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return dest, nil
}

// =============================================================================
// Fixtures
// =============================================================================

func testService() *domain.Service {
	svc := &domain.Service{
		ID:   "svc-1",
		Name: "My App",
		Source: domain.SourceConfig{
			Provider: domain.SourceGitHub,
			Repo:     "acme/my-app",
			Branch:   "main",
		},
		BuilderID:       "fake",
		ContainerPort:   3000,
		HealthCheckPath: "/healthz",
		Domains:         []domain.DomainRoute{{Host: "app.example.com"}},
	}
	svc.Normalize()
	return svc
}

func queuedDeployment(svc *domain.Service) *domain.Deployment {
	dep := domain.NewDeployment(*svc)
	if err := dep.Transition(domain.StatusQueued); err != nil {
		panic(err)
	}
	return dep
}
