// Package schema defines builder configuration schemas as data. A schema
// describes the fields a builder accepts: their UI types, defaults, select
// options and grouping, plus named validators and transformers. Keeping
// validators and transformers as names (resolved against small registered
// sets) keeps schemas serializable, so the API can hand them to external
// form renderers unchanged.
package schema

import (
	"errors"
	"fmt"
	"strconv"
)

// =============================================================================
// Schema Errors
// =============================================================================

var (
	ErrDuplicateFieldKey  = errors.New("duplicate field key")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrUnknownTransformer = errors.New("unknown transformer")
)

// =============================================================================
// Field Types
// =============================================================================

// FieldType is the UI rendering type of a schema field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldToggle FieldType = "toggle"
	FieldSelect FieldType = "select"
	FieldJSON   FieldType = "json"
	FieldList   FieldType = "list"
)

// Option is one selectable value of a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes a single configuration key.
type Field struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	Options     []Option  `json:"options,omitempty"`
	Group       string    `json:"group,omitempty"`
	Order       int       `json:"order,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
	Description string    `json:"description,omitempty"`
	Validator   string    `json:"validator,omitempty"`   // name in the validator set
	Transformer string    `json:"transformer,omitempty"` // name in the transformer set
}

// =============================================================================
// Schema
// =============================================================================

// Schema is an ordered set of fields identified by id and version.
type Schema struct {
	ID      string  `json:"id"`
	Version string  `json:"version"`
	Fields  []Field `json:"fields"`
}

// ValidationResult reports configuration validity as a value. Validation
// failures are never raised as errors; they are a list of human-readable
// messages.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalid builds a failed result from messages.
func Invalid(messages ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: messages}
}

// Check verifies the schema itself is well-formed: unique field keys and
// validator/transformer names that resolve. Registration should call this at
// startup so malformed schemas abort early instead of failing per-request.
func (s Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if seen[f.Key] {
			return fmt.Errorf("%w: %q in schema %q", ErrDuplicateFieldKey, f.Key, s.ID)
		}
		seen[f.Key] = true

		if f.Validator != "" {
			if _, ok := LookupValidator(f.Validator); !ok {
				return fmt.Errorf("%w: %q on field %q", ErrUnknownValidator, f.Validator, f.Key)
			}
		}
		if f.Transformer != "" {
			if _, ok := LookupTransformer(f.Transformer); !ok {
				return fmt.Errorf("%w: %q on field %q", ErrUnknownTransformer, f.Transformer, f.Key)
			}
		}
	}
	return nil
}

// FieldByKey returns the field with the given key.
func (s Schema) FieldByKey(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks raw configuration values against the schema. Unknown keys
// are ignored so callers can carry extra metadata alongside builder config.
func (s Schema) Validate(raw map[string]any) ValidationResult {
	var errs []string

	for _, f := range s.Fields {
		value, present := raw[f.Key]

		if !present || isEmpty(value) {
			if f.Required {
				errs = append(errs, fmt.Sprintf("field %q is required", f.Key))
			}
			continue
		}

		if msg := checkType(f, value); msg != "" {
			errs = append(errs, msg)
			continue
		}

		if f.Validator != "" {
			fn, ok := LookupValidator(f.Validator)
			if !ok {
				errs = append(errs, fmt.Sprintf("field %q: unknown validator %q", f.Key, f.Validator))
				continue
			}
			if err := fn(value); err != nil {
				errs = append(errs, fmt.Sprintf("field %q: %s", f.Key, err.Error()))
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ApplyDefaults returns a copy of raw with missing fields filled from the
// schema defaults. The input map is not mutated.
func (s Schema) ApplyDefaults(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw)+len(s.Fields))
	for k, v := range raw {
		out[k] = v
	}
	for _, f := range s.Fields {
		if _, present := out[f.Key]; !present && f.Default != nil {
			out[f.Key] = f.Default
		}
	}
	return out
}

// Transform runs each field's named transformer over a validated
// configuration, returning a new map. Transformation happens after
// validation: transformers may assume type checks already passed.
func (s Schema) Transform(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	for _, f := range s.Fields {
		value, present := out[f.Key]
		if !present || f.Transformer == "" {
			continue
		}
		fn, ok := LookupTransformer(f.Transformer)
		if !ok {
			return nil, fmt.Errorf("%w: %q on field %q", ErrUnknownTransformer, f.Transformer, f.Key)
		}
		transformed, err := fn(value)
		if err != nil {
			return nil, fmt.Errorf("transform field %q: %w", f.Key, err)
		}
		out[f.Key] = transformed
	}

	return out, nil
}

// =============================================================================
// Type Checks
// =============================================================================

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// checkType validates a present value against its field's UI type.
// Returns an error message, or "" when the value is acceptable.
func checkType(f Field, value any) string {
	switch f.Type {
	case FieldText:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("field %q must be a string", f.Key)
		}
	case FieldNumber:
		if !isNumeric(value) {
			return fmt.Sprintf("field %q must be a number", f.Key)
		}
	case FieldToggle:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", f.Key)
		}
	case FieldSelect:
		str, ok := value.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string", f.Key)
		}
		if len(f.Options) > 0 && !optionAllowed(f.Options, str) {
			return fmt.Sprintf("field %q must be one of the listed options, got %q", f.Key, str)
		}
	case FieldJSON:
		// Either pre-decoded structures or a raw JSON string.
		switch value.(type) {
		case string, map[string]any, []any:
		default:
			return fmt.Sprintf("field %q must be JSON", f.Key)
		}
	case FieldList:
		switch value.(type) {
		case []any, []string, string:
		default:
			return fmt.Sprintf("field %q must be a list", f.Key)
		}
	}
	return ""
}

// isNumeric accepts native numbers plus numeric strings, since values may
// arrive JSON-decoded (float64) or form-encoded (string).
func isNumeric(v any) bool {
	switch t := v.(type) {
	case int, int32, int64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(t, 64)
		return err == nil
	default:
		return false
	}
}

func optionAllowed(options []Option, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}
