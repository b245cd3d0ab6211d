package envvar

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves reference lookups from a fixed map keyed by the
// placeholder text.
type fakeSource struct {
	values map[string]string
}

func (f *fakeSource) Lookup(_ context.Context, ref Reference) (string, error) {
	if v, ok := f.values[ref.Placeholder()]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownReference, ref.Placeholder())
}

func testResolver(values map[string]string) *Resolver {
	return NewResolver(&fakeSource{values: values}, 0, nil)
}

func findVar(t *testing.T, vars []Variable, key string) Variable {
	t.Helper()
	for _, v := range vars {
		if v.Key == key {
			return v
		}
	}
	t.Fatalf("variable %s not in result", key)
	return Variable{}
}

// =============================================================================
// Basic Resolution Tests
// =============================================================================

func TestResolver_LiteralResolvesTrivially(t *testing.T) {
	vars := []Variable{mustVariable(t, "NODE_ENV", "production")}

	out, err := testResolver(nil).Resolve(context.Background(), vars)
	require.NoError(t, err)

	v := findVar(t, out, "NODE_ENV")
	assert.Equal(t, ResolutionResolved, v.ResolutionStatus)
	assert.Equal(t, "production", v.EffectiveValue())
}

func TestResolver_ServiceReference(t *testing.T) {
	vars := []Variable{mustVariable(t, "DB_HOST", "${service.db.host}")}
	r := testResolver(map[string]string{"${service.db.host}": "10.0.0.5"})

	out, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)

	v := findVar(t, out, "DB_HOST")
	assert.Equal(t, ResolutionResolved, v.ResolutionStatus)
	assert.Equal(t, "10.0.0.5", v.ResolvedValue)
	assert.NotNil(t, v.LastResolved)
}

func TestResolver_ConcatenatesSegments(t *testing.T) {
	vars := []Variable{mustVariable(t, "DATABASE_URL", "postgres://app@${service.db.host}:${service.db.port}/app")}
	r := testResolver(map[string]string{
		"${service.db.host}": "db.internal",
		"${service.db.port}": "5432",
	})

	out, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)

	assert.Equal(t, "postgres://app@db.internal:5432/app", findVar(t, out, "DATABASE_URL").ResolvedValue)
}

func TestResolver_VariableChain(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "API_URL", "http://${variable.API_HOST}:${variable.API_PORT}"),
		mustVariable(t, "API_HOST", "api.internal"),
		mustVariable(t, "API_PORT", "8080"),
	}

	out, err := testResolver(nil).Resolve(context.Background(), vars)
	require.NoError(t, err)

	assert.Equal(t, "http://api.internal:8080", findVar(t, out, "API_URL").ResolvedValue)
}

func TestResolver_PreservesInputOrder(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "Z", "${variable.A}"),
		mustVariable(t, "A", "first"),
	}

	out, err := testResolver(nil).Resolve(context.Background(), vars)
	require.NoError(t, err)

	assert.Equal(t, "Z", out[0].Key)
	assert.Equal(t, "A", out[1].Key)
}

// =============================================================================
// Failure Isolation Tests
// =============================================================================

func TestResolver_FailureDoesNotAbortSiblings(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "BROKEN", "${service.ghost.host}"),
		mustVariable(t, "FINE", "${service.db.host}"),
		mustVariable(t, "STATIC", "plain"),
	}
	r := testResolver(map[string]string{"${service.db.host}": "10.0.0.5"})

	out, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)

	broken := findVar(t, out, "BROKEN")
	assert.Equal(t, ResolutionFailed, broken.ResolutionStatus)
	assert.Contains(t, broken.ResolutionError, "reference target not found")

	assert.Equal(t, ResolutionResolved, findVar(t, out, "FINE").ResolutionStatus)
	assert.Equal(t, ResolutionResolved, findVar(t, out, "STATIC").ResolutionStatus)
}

func TestResolver_DependentOfFailedVariableFails(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "BASE", "${service.ghost.host}"),
		mustVariable(t, "DERIVED", "http://${variable.BASE}/api"),
	}

	out, err := testResolver(nil).Resolve(context.Background(), vars)
	require.NoError(t, err)

	derived := findVar(t, out, "DERIVED")
	assert.Equal(t, ResolutionFailed, derived.ResolutionStatus)
	assert.Contains(t, derived.ResolutionError, "referenced variable failed")
	assert.Contains(t, derived.ResolutionError, "BASE")
}

func TestResolver_UnknownVariableReference(t *testing.T) {
	vars := []Variable{mustVariable(t, "A", "${variable.NOPE}")}

	out, err := testResolver(nil).Resolve(context.Background(), vars)
	require.NoError(t, err)

	v := findVar(t, out, "A")
	assert.Equal(t, ResolutionFailed, v.ResolutionStatus)
	assert.Contains(t, v.ResolutionError, "unknown variable")
}

// =============================================================================
// Cycle Tests
// =============================================================================

func TestResolver_CycleFailsCloserAndResolvesUnrelated(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "A", "${variable.B}"),
		mustVariable(t, "B", "${variable.A}"),
		mustVariable(t, "C", "independent"),
	}

	done := make(chan struct{})
	var out []Variable
	var err error
	go func() {
		out, err = testResolver(nil).Resolve(context.Background(), vars)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not terminate")
	}
	require.NoError(t, err)

	closer := findVar(t, out, "B")
	assert.Equal(t, ResolutionFailed, closer.ResolutionStatus)
	assert.Contains(t, closer.ResolutionError, "circular reference")

	dependent := findVar(t, out, "A")
	assert.Equal(t, ResolutionFailed, dependent.ResolutionStatus)
	assert.Contains(t, dependent.ResolutionError, "referenced variable failed")

	assert.Equal(t, ResolutionResolved, findVar(t, out, "C").ResolutionStatus)
}

// =============================================================================
// Idempotence Tests
// =============================================================================

func TestResolver_ReResolutionIsIdempotent(t *testing.T) {
	vars := []Variable{mustVariable(t, "DB_HOST", "${service.db.host}")}
	r := testResolver(map[string]string{"${service.db.host}": "10.0.0.5"})

	first, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)
	firstVar := findVar(t, first, "DB_HOST")
	require.NotNil(t, firstVar.LastResolved)

	second, err := r.Resolve(context.Background(), first)
	require.NoError(t, err)
	secondVar := findVar(t, second, "DB_HOST")

	assert.Equal(t, firstVar.ResolvedValue, secondVar.ResolvedValue)
	assert.Equal(t, firstVar.LastResolved, secondVar.LastResolved, "LastResolved must not flip when inputs are unchanged")
	assert.Equal(t, firstVar.UpdatedAt, secondVar.UpdatedAt)
}

func TestResolver_ChangedReferenceValueBumpsLastResolved(t *testing.T) {
	vars := []Variable{mustVariable(t, "DB_HOST", "${service.db.host}")}
	source := &fakeSource{values: map[string]string{"${service.db.host}": "10.0.0.5"}}
	r := NewResolver(source, 0, nil)

	first, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)

	source.values["${service.db.host}"] = "10.0.0.9"
	second, err := r.Resolve(context.Background(), first)
	require.NoError(t, err)

	secondVar := findVar(t, second, "DB_HOST")
	assert.Equal(t, "10.0.0.9", secondVar.ResolvedValue)
	assert.NotEqual(t, findVar(t, first, "DB_HOST").LastResolved, secondVar.LastResolved)
}

func TestResolver_FailureRecovery(t *testing.T) {
	vars := []Variable{mustVariable(t, "DB_HOST", "${service.db.host}")}
	source := &fakeSource{values: map[string]string{}}
	r := NewResolver(source, 0, nil)

	first, err := r.Resolve(context.Background(), vars)
	require.NoError(t, err)
	require.Equal(t, ResolutionFailed, findVar(t, first, "DB_HOST").ResolutionStatus)

	source.values["${service.db.host}"] = "10.0.0.5"
	second, err := r.Resolve(context.Background(), first)
	require.NoError(t, err)

	v := findVar(t, second, "DB_HOST")
	assert.Equal(t, ResolutionResolved, v.ResolutionStatus)
	assert.Empty(t, v.ResolutionError)
	assert.Equal(t, "10.0.0.5", v.ResolvedValue)
}

// =============================================================================
// Environment Map Tests
// =============================================================================

func TestResolver_ResolveEnvironment_SkipsFailedVariables(t *testing.T) {
	vars := []Variable{
		mustVariable(t, "GOOD", "value"),
		mustVariable(t, "BAD", "${service.ghost.host}"),
	}

	env, resolved, err := testResolver(nil).ResolveEnvironment(context.Background(), vars)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"GOOD": "value"}, env)
	assert.Len(t, resolved, 2)
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestResolver_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vars := []Variable{mustVariable(t, "A", "1")}
	_, err := testResolver(nil).Resolve(ctx, vars)
	assert.ErrorIs(t, err, ErrResolutionCanceled)
}
