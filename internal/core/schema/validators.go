package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// Named Validators
// =============================================================================

// ValidatorFunc checks a single configuration value. Values arrive in
// whatever shape the caller supplied; validators coerce where sensible.
type ValidatorFunc func(value any) error

var validators = map[string]ValidatorFunc{
	"port":           validatePort,
	"relative_path":  validateRelativePath,
	"absolute_path":  validateAbsolutePath,
	"url":            validateURL,
	"identifier":     validateIdentifier,
	"json_object":    validateJSONObject,
	"env_assignment": validateEnvAssignment,
}

// RegisterValidator adds (or replaces) a named validator. Intended for
// startup wiring, before any schema is evaluated.
func RegisterValidator(name string, fn ValidatorFunc) {
	validators[name] = fn
}

// LookupValidator resolves a validator by name.
func LookupValidator(name string) (ValidatorFunc, bool) {
	fn, ok := validators[name]
	return fn, ok
}

// =============================================================================
// Built-in Validators
// =============================================================================

func validatePort(value any) error {
	n, err := toInt(value)
	if err != nil {
		return errors.New("must be a port number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", n)
	}
	return nil
}

func validateRelativePath(value any) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("must be a path string")
	}
	if strings.HasPrefix(s, "/") {
		return errors.New("must be relative to the build context")
	}
	if strings.Contains(s, "..") {
		return errors.New("must not escape the build context")
	}
	return nil
}

func validateAbsolutePath(value any) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("must be a path string")
	}
	if !strings.HasPrefix(s, "/") {
		return errors.New("must be an absolute path")
	}
	return nil
}

func validateURL(value any) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("must be a URL string")
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q", s)
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

func validateIdentifier(value any) error {
	s, ok := value.(string)
	if !ok {
		return errors.New("must be a string")
	}
	if !identifierPattern.MatchString(s) {
		return fmt.Errorf("%q must be lowercase alphanumeric with hyphens", s)
	}
	return nil
}

func validateJSONObject(value any) error {
	switch t := value.(type) {
	case map[string]any:
		return nil
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return fmt.Errorf("invalid JSON object: %s", err.Error())
		}
		return nil
	default:
		return errors.New("must be a JSON object")
	}
}

// validateEnvAssignment accepts KEY=VALUE lines or lists of them.
func validateEnvAssignment(value any) error {
	check := func(entry string) error {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil
		}
		key, _, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return fmt.Errorf("%q is not a KEY=VALUE assignment", entry)
		}
		return nil
	}

	switch t := value.(type) {
	case string:
		for _, line := range strings.Split(t, "\n") {
			if err := check(line); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return errors.New("entries must be strings")
			}
			if err := check(s); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for _, s := range t {
			if err := check(s); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.New("must be KEY=VALUE assignments")
	}
}

func toInt(value any) (int, error) {
	switch t := value.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case float32:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}
