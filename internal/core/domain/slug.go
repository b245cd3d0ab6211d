// Package domain contains the core domain types and state machines.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name to a slug safe for container and router names.
//
// The transformation rules are:
//   - Lowercase letters (a-z) are kept as-is
//   - Digits (0-9) are kept as-is
//   - Hyphens (-) are kept as-is
//   - Uppercase letters (A-Z) are converted to lowercase
//   - Spaces are converted to hyphens
//   - All other characters are removed
//
// This is a pure function with no side effects.
//
// Example:
//
//	Slugify("My App")        // returns "my-app"
//	Slugify("API Gate 2.0!") // returns "api-gate-20"
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32) // convert to lowercase
		case r == ' ':
			b.WriteByte('-')
		}
		// All other characters are dropped
	}
	return b.String()
}
