package envvar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Reference Source
// =============================================================================

// ReferenceSource resolves non-variable references (service and deployment
// properties) to their current values. Implementations live in the shell;
// lookups for unknown targets should return ErrUnknownReference.
type ReferenceSource interface {
	Lookup(ctx context.Context, ref Reference) (string, error)
}

// ReferenceSourceFunc adapts a function to the ReferenceSource interface.
type ReferenceSourceFunc func(ctx context.Context, ref Reference) (string, error)

// Lookup implements ReferenceSource.
func (f ReferenceSourceFunc) Lookup(ctx context.Context, ref Reference) (string, error) {
	return f(ctx, ref)
}

// =============================================================================
// Resolver
// =============================================================================

const defaultMaxConcurrent = 4

// Resolver resolves dynamic environment variables. Variables are processed
// level by level along the reference graph; variables within one level are
// independent and resolve concurrently under a bounded semaphore. Failures
// stay isolated to their variable: a failed resolution never aborts
// siblings, and dependents observe it as a dependency error instead of
// hanging.
type Resolver struct {
	source        ReferenceSource
	maxConcurrent int
	logger        *slog.Logger
}

// NewResolver creates a resolver. maxConcurrent bounds per-level fan-out;
// zero selects the default.
func NewResolver(source ReferenceSource, maxConcurrent int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Resolver{
		source:        source,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("component", "envvar-resolver"),
	}
}

// Resolve processes all variables of one environment and returns them in
// input order with updated resolution state. The returned error covers
// whole-set problems only (duplicate keys, cancellation); per-variable
// failures are recorded on the variables themselves.
func (r *Resolver) Resolve(ctx context.Context, vars []Variable) ([]Variable, error) {
	plan, err := PlanResolution(vars)
	if err != nil {
		return nil, err
	}

	state := make(map[string]Variable, len(vars))
	for _, v := range vars {
		state[v.Key] = v
	}

	for _, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			return collect(vars, state), fmt.Errorf("%w: %v", ErrResolutionCanceled, err)
		}
		r.resolveLevel(ctx, level, plan, state)
	}

	return collect(vars, state), nil
}

// resolveLevel fans out one level under the concurrency bound. Dependencies
// all live in earlier levels, so goroutines read a frozen snapshot and
// report their own variable back under the mutex.
func (r *Resolver) resolveLevel(ctx context.Context, level []string, plan Plan, state map[string]Variable) {
	snapshot := make(map[string]Variable, len(state))
	for k, v := range state {
		snapshot[k] = v
	}

	sem := make(chan struct{}, r.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range level {
		wg.Add(1)
		sem <- struct{}{}

		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			resolved := r.resolveOne(ctx, snapshot[key], plan.Failed[key], snapshot)

			mu.Lock()
			state[key] = resolved
			mu.Unlock()
		}(key)
	}

	wg.Wait()
}

// resolveOne computes the post-resolution state of a single variable.
func (r *Resolver) resolveOne(ctx context.Context, v Variable, planErr error, deps map[string]Variable) Variable {
	if planErr != nil {
		return r.markFailed(v, planErr)
	}

	if !v.IsDynamic {
		return r.markResolved(v, v.Value)
	}

	tmpl, err := ParseTemplate(v.Value)
	if err != nil {
		return r.markFailed(v, err)
	}

	value, err := tmpl.Render(func(ref Reference) (string, error) {
		return r.lookup(ctx, ref, deps)
	})
	if err != nil {
		return r.markFailed(v, err)
	}

	return r.markResolved(v, value)
}

// lookup resolves one reference. Variable references read sibling state
// (their level already completed); everything else goes to the source.
func (r *Resolver) lookup(ctx context.Context, ref Reference, deps map[string]Variable) (string, error) {
	if ref.Type == RefVariable {
		dep, ok := deps[ref.Target]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownVariable, ref.Target)
		}
		if dep.ResolutionStatus == ResolutionFailed {
			return "", fmt.Errorf("%w: %s", ErrDependencyFailed, ref.Target)
		}
		return dep.EffectiveValue(), nil
	}

	if r.source == nil {
		return "", fmt.Errorf("%w: no source for %s references", ErrUnknownReference, ref.Type)
	}
	return r.source.Lookup(ctx, ref)
}

// markResolved applies a successful resolution. Re-resolution is
// idempotent: when the value is unchanged, LastResolved stays untouched.
func (r *Resolver) markResolved(v Variable, value string) Variable {
	if v.ResolutionStatus == ResolutionResolved && v.ResolvedValue == value {
		return v
	}

	now := time.Now().UTC()
	v.ResolvedValue = value
	v.ResolutionStatus = ResolutionResolved
	v.ResolutionError = ""
	v.LastResolved = &now
	v.UpdatedAt = now
	return v
}

// markFailed records a failure on the variable itself. The previously
// resolved value, if any, is kept for observability; EffectiveValue ignores
// it while the status is failed.
func (r *Resolver) markFailed(v Variable, err error) Variable {
	r.logger.Warn("variable resolution failed",
		"key", v.Key,
		"error", err)

	v.ResolutionStatus = ResolutionFailed
	v.ResolutionError = err.Error()
	v.UpdatedAt = time.Now().UTC()
	return v
}

// collect rebuilds the input ordering from resolved state.
func collect(vars []Variable, state map[string]Variable) []Variable {
	out := make([]Variable, len(vars))
	for i, v := range vars {
		out[i] = state[v.Key]
	}
	return out
}

// ResolveEnvironment is a convenience for callers holding a variable map:
// it resolves and returns key->effective value for container injection,
// skipping failed variables.
func (r *Resolver) ResolveEnvironment(ctx context.Context, vars []Variable) (map[string]string, []Variable, error) {
	resolved, err := r.Resolve(ctx, vars)
	if err != nil && !errors.Is(err, ErrResolutionCanceled) {
		return nil, nil, err
	}

	env := make(map[string]string, len(resolved))
	for _, v := range resolved {
		if v.IsDynamic && v.ResolutionStatus != ResolutionResolved {
			continue
		}
		env[v.Key] = v.EffectiveValue()
	}
	return env, resolved, err
}
