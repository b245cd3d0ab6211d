// Package envvar implements environment variable resolution: parsing
// reference templates, ordering variables by their dependency graph and
// resolving them against referenced entities with per-variable failure
// isolation.
package envvar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Resolution Errors
// =============================================================================

var (
	ErrInvalidReference   = errors.New("invalid reference")
	ErrUnknownReference   = errors.New("reference target not found")
	ErrCircularReference  = errors.New("circular reference")
	ErrDependencyFailed   = errors.New("referenced variable failed to resolve")
	ErrUnknownVariable    = errors.New("references unknown variable")
	ErrDuplicateVariable  = errors.New("duplicate variable key")
	ErrUnknownRefType     = errors.New("unknown reference type")
	ErrResolutionCanceled = errors.New("resolution canceled")
)

// =============================================================================
// Reference Types
// =============================================================================

// ReferenceType classifies what kind of entity a placeholder points at.
type ReferenceType string

const (
	RefService    ReferenceType = "service"
	RefVariable   ReferenceType = "variable"
	RefDeployment ReferenceType = "deployment"
)

// Reference is one parsed placeholder: entity type, target id/key, the
// property read from the entity and an optional nested path into structured
// properties.
//
//	${service.db.host}        -> {service, "db", "host", nil}
//	${variable.DB_HOST}       -> {variable, "DB_HOST", "", nil}
//	${deployment.self.id}     -> {deployment, "self", "id", nil}
//	${service.db.config.pool.max} -> {service, "db", "config", ["pool","max"]}
type Reference struct {
	Type     ReferenceType `json:"type"`
	Target   string        `json:"target"`
	Property string        `json:"property,omitempty"`
	Path     []string      `json:"path,omitempty"`
}

// Placeholder reconstructs the source text of the reference.
func (r Reference) Placeholder() string {
	parts := []string{string(r.Type), r.Target}
	if r.Property != "" {
		parts = append(parts, r.Property)
	}
	parts = append(parts, r.Path...)
	return "${" + strings.Join(parts, ".") + "}"
}

// =============================================================================
// Resolution Status
// =============================================================================

// ResolutionStatus tracks where a variable is in its resolution lifecycle.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionFailed   ResolutionStatus = "failed"
)

// =============================================================================
// Environment Variable
// =============================================================================

// Variable is one environment variable of a service's environment. Static
// variables carry their literal value; dynamic variables carry a template
// whose placeholders are resolved into ResolvedValue.
type Variable struct {
	ID               string           `json:"id"`
	ServiceID        string           `json:"service_id"`
	Key              string           `json:"key"`
	Value            string           `json:"value"`
	IsDynamic        bool             `json:"is_dynamic"`
	IsSecret         bool             `json:"is_secret"`
	References       []Reference      `json:"references,omitempty"`
	ResolvedValue    string           `json:"resolved_value,omitempty"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ResolutionError  string           `json:"resolution_error,omitempty"`
	LastResolved     *time.Time       `json:"last_resolved,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewVariable builds a variable from a key and raw value, deriving dynamism
// and references from the value's template.
func NewVariable(serviceID, key, value string) (Variable, error) {
	tmpl, err := ParseTemplate(value)
	if err != nil {
		return Variable{}, fmt.Errorf("variable %q: %w", key, err)
	}

	now := time.Now().UTC()
	v := Variable{
		ServiceID: serviceID,
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if tmpl.IsLiteral() {
		// Literal values resolve trivially.
		v.ResolvedValue = value
		v.ResolutionStatus = ResolutionResolved
		return v, nil
	}

	v.IsDynamic = true
	v.References = tmpl.References()
	v.ResolutionStatus = ResolutionPending
	return v, nil
}

// EffectiveValue returns what a container should receive for this variable:
// the resolved value for successfully resolved dynamic variables, the
// literal value otherwise.
func (v Variable) EffectiveValue() string {
	if v.IsDynamic {
		if v.ResolutionStatus == ResolutionResolved {
			return v.ResolvedValue
		}
		return ""
	}
	return v.Value
}

// variableDependencies returns the keys of variables this one references.
func (v Variable) variableDependencies() []string {
	var deps []string
	for _, ref := range v.References {
		if ref.Type == RefVariable {
			deps = append(deps, ref.Target)
		}
	}
	return deps
}
