package workers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/crypto"
	"github.com/slipway-sh/slipway/internal/core/domain"
	coreprovider "github.com/slipway-sh/slipway/internal/core/provider"
	"github.com/slipway-sh/slipway/internal/shell/provider"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

var provisionerSealKey = crypto.DeriveKey("unit-test-master-secret")

// =============================================================================
// Test Configuration
// =============================================================================

func TestDefaultProvisionerConfig(t *testing.T) {
	config := DefaultProvisionerConfig()

	assert.Equal(t, 5*time.Second, config.Interval)
	assert.Equal(t, 3, config.MaxConcurrent)
}

func TestProvisioner_StartStop(t *testing.T) {
	p := NewProvisioner(&mockProvisionStore{}, &fakeProviderSource{}, provisionerSealKey, ProvisionerConfig{
		Interval: 50 * time.Millisecond,
	}, nil)

	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	p.Start()
	p.Stop()
}

// =============================================================================
// Test Provisioning
// =============================================================================

func TestProvisioner_ProvisionsPending(t *testing.T) {
	prov := testProvision(t)
	s := &mockProvisionStore{pending: []domain.CapacityProvision{*prov}}
	cloud := &fakeProvider{result: provider.ProvisionResult{
		ProviderInstanceID: "42",
		PublicIP:           "203.0.113.9",
	}}

	p := newTestProvisioner(t, s, &fakeProviderSource{client: cloud})
	p.runCycle()

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionActive, final.Status)
	assert.Equal(t, "42", final.ProviderInstanceID)
	assert.Equal(t, "203.0.113.9", final.PublicIP)
	assert.Equal(t, "tcp://203.0.113.9:2376", final.DockerHost)
	require.NotNil(t, final.CompletedAt)

	// The generated key pair was recorded, private half sealed.
	assert.True(t, strings.HasPrefix(final.SSHPublicKey, "ssh-ed25519 "))
	pemBytes, err := crypto.DecryptSSHKey(final.SSHPrivateKeySealed, provisionerSealKey)
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "OPENSSH PRIVATE KEY")

	// The instance request carried the provision's identity and public key.
	reqs := cloud.createRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "build-box", reqs[0].InstanceName)
	assert.Equal(t, "fsn1", reqs[0].Region)
	assert.Equal(t, "cx22", reqs[0].Size)
	assert.Equal(t, final.SSHPublicKey, reqs[0].SSHPublicKey)

	// The claim was written before the provider was called.
	first := s.takeUpdated()[0]
	assert.Equal(t, domain.ProvisionProvisioning, first.Status)
}

func TestProvisioner_FailedCreateMarksFailed(t *testing.T) {
	prov := testProvision(t)
	s := &mockProvisionStore{pending: []domain.CapacityProvision{*prov}}
	cloud := &fakeProvider{createErr: errors.New("quota exceeded")}

	p := newTestProvisioner(t, s, &fakeProviderSource{client: cloud})
	p.runCycle()

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "failed to create instance")
	assert.Contains(t, final.ErrorMessage, "quota exceeded")
}

func TestProvisioner_MissingCredentialsMarksFailed(t *testing.T) {
	prov := testProvision(t)
	s := &mockProvisionStore{pending: []domain.CapacityProvision{*prov}}

	p := newTestProvisioner(t, s, &fakeProviderSource{err: provider.ErrNoCredentials})
	p.runCycle()

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "failed to create provider client")
}

// =============================================================================
// Test Destroy
// =============================================================================

func TestProvisioner_DestroysMarkedProvisions(t *testing.T) {
	prov := testProvision(t)
	require.NoError(t, prov.Transition(domain.ProvisionProvisioning))
	prov.AssignInstance("42", "203.0.113.9")
	require.NoError(t, prov.Transition(domain.ProvisionActive))
	require.NoError(t, prov.Transition(domain.ProvisionDestroying))

	s := &mockProvisionStore{destroying: []domain.CapacityProvision{*prov}}
	cloud := &fakeProvider{}

	p := newTestProvisioner(t, s, &fakeProviderSource{client: cloud})
	p.runCycle()

	reqs := cloud.destroyRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "42", reqs[0].ProviderInstanceID)
	assert.Equal(t, "build-box", reqs[0].InstanceName)
	assert.Equal(t, "fsn1", reqs[0].Region)

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionDestroyed, final.Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestProvisioner_DestroyWithoutInstanceSkipsProvider(t *testing.T) {
	// Failed before the instance existed, then marked for destroy.
	prov := testProvision(t)
	require.NoError(t, prov.Transition(domain.ProvisionProvisioning))
	require.NoError(t, prov.TransitionToFailed("create exploded"))
	require.NoError(t, prov.Transition(domain.ProvisionDestroying))

	s := &mockProvisionStore{destroying: []domain.CapacityProvision{*prov}}
	cloud := &fakeProvider{}

	p := newTestProvisioner(t, s, &fakeProviderSource{client: cloud})
	p.runCycle()

	assert.Empty(t, cloud.destroyRequests())
	assert.Equal(t, domain.ProvisionDestroyed, s.latest(t).Status)
}

func TestProvisioner_FailedDestroyKeepsError(t *testing.T) {
	prov := testProvision(t)
	require.NoError(t, prov.Transition(domain.ProvisionProvisioning))
	prov.AssignInstance("42", "203.0.113.9")
	require.NoError(t, prov.Transition(domain.ProvisionActive))
	require.NoError(t, prov.Transition(domain.ProvisionDestroying))

	s := &mockProvisionStore{destroying: []domain.CapacityProvision{*prov}}
	cloud := &fakeProvider{destroyErr: errors.New("api unavailable")}

	p := newTestProvisioner(t, s, &fakeProviderSource{client: cloud})
	p.runCycle()

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "failed to destroy instance")
}

// =============================================================================
// Test Interrupted Rows
// =============================================================================

func TestProvisioner_FailsInterruptedProvisioning(t *testing.T) {
	prov := testProvision(t)
	require.NoError(t, prov.Transition(domain.ProvisionProvisioning))

	s := &mockProvisionStore{provisioning: []domain.CapacityProvision{*prov}}

	p := newTestProvisioner(t, s, &fakeProviderSource{})
	p.runCycle()

	final := s.latest(t)
	assert.Equal(t, domain.ProvisionFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "interrupted")
}

// =============================================================================
// Fakes
// =============================================================================

func newTestProvisioner(t *testing.T, s store.Store, providers ProviderSource) *Provisioner {
	t.Helper()
	p := NewProvisioner(s, providers, provisionerSealKey, ProvisionerConfig{}, nil)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	t.Cleanup(p.cancel)
	return p
}

func testProvision(t *testing.T) *domain.CapacityProvision {
	t.Helper()
	prov, err := domain.NewCapacityProvision("build-box", domain.ProviderHetzner, "fsn1", "cx22")
	require.NoError(t, err)
	return prov
}

type mockProvisionStore struct {
	store.Store

	mu           sync.Mutex
	pending      []domain.CapacityProvision
	provisioning []domain.CapacityProvision
	destroying   []domain.CapacityProvision
	updated      []domain.CapacityProvision
}

func (m *mockProvisionStore) ListProvisionsByStatus(ctx context.Context, status domain.ProvisionStatus, opts store.ListOptions) ([]domain.CapacityProvision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case domain.ProvisionPending:
		return append([]domain.CapacityProvision(nil), m.pending...), nil
	case domain.ProvisionProvisioning:
		return append([]domain.CapacityProvision(nil), m.provisioning...), nil
	case domain.ProvisionDestroying:
		return append([]domain.CapacityProvision(nil), m.destroying...), nil
	default:
		return nil, nil
	}
}

func (m *mockProvisionStore) UpdateProvision(ctx context.Context, prov *domain.CapacityProvision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, *prov)
	return nil
}

func (m *mockProvisionStore) takeUpdated() []domain.CapacityProvision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated
}

func (m *mockProvisionStore) latest(t *testing.T) domain.CapacityProvision {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.updated)
	return m.updated[len(m.updated)-1]
}

type fakeProvider struct {
	mu          sync.Mutex
	createReqs  []provider.ProvisionRequest
	destroyReqs []provider.DestroyRequest
	createErr   error
	destroyErr  error
	result      provider.ProvisionResult
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.ProvisionRequest) (*provider.ProvisionResult, error) {
	f.mu.Lock()
	f.createReqs = append(f.createReqs, req)
	f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	result := f.result
	return &result, nil
}

func (f *fakeProvider) DestroyInstance(ctx context.Context, req provider.DestroyRequest) error {
	f.mu.Lock()
	f.destroyReqs = append(f.destroyReqs, req)
	f.mu.Unlock()
	return f.destroyErr
}

func (f *fakeProvider) ListRegions(ctx context.Context) ([]coreprovider.Region, error) {
	return nil, nil
}

func (f *fakeProvider) ListSizes(ctx context.Context, region string) ([]coreprovider.InstanceSize, error) {
	return nil, nil
}

func (f *fakeProvider) createRequests() []provider.ProvisionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createReqs
}

func (f *fakeProvider) destroyRequests() []provider.DestroyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyReqs
}

type fakeProviderSource struct {
	client provider.Provider
	err    error
}

func (f *fakeProviderSource) Get(providerType domain.ProviderType) (provider.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}
