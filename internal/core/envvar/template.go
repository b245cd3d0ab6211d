package envvar

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Template Parsing
// =============================================================================

// placeholderRegex matches ${...} spans. The inner grammar
// (type.target.property(.path)*) is parsed separately so malformed spans
// produce a descriptive error instead of silently not matching.
var placeholderRegex = regexp.MustCompile(`\$\{([^}]*)\}`)

// Segment is one piece of a parsed template: either literal text or a
// placeholder reference.
type Segment struct {
	Literal string
	Ref     *Reference
}

// Template is a parsed variable value: the original source plus its ordered
// segments.
type Template struct {
	Source   string
	Segments []Segment
}

// ParseTemplate splits a raw value into literal and placeholder segments.
// A value with no placeholders parses to a single literal segment.
func ParseTemplate(source string) (Template, error) {
	tmpl := Template{Source: source}

	matches := placeholderRegex.FindAllStringSubmatchIndex(source, -1)
	if len(matches) == 0 {
		if source != "" {
			tmpl.Segments = []Segment{{Literal: source}}
		}
		return tmpl, nil
	}

	pos := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > pos {
			tmpl.Segments = append(tmpl.Segments, Segment{Literal: source[pos:start]})
		}

		ref, err := parseReference(source[m[2]:m[3]])
		if err != nil {
			return Template{}, fmt.Errorf("placeholder %q: %w", source[start:end], err)
		}
		tmpl.Segments = append(tmpl.Segments, Segment{Ref: &ref})
		pos = end
	}
	if pos < len(source) {
		tmpl.Segments = append(tmpl.Segments, Segment{Literal: source[pos:]})
	}

	return tmpl, nil
}

// parseReference parses the inner text of a placeholder.
func parseReference(inner string) (Reference, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return Reference{}, fmt.Errorf("%w: empty placeholder", ErrInvalidReference)
	}

	parts := strings.Split(inner, ".")
	refType := ReferenceType(parts[0])

	switch refType {
	case RefVariable:
		if len(parts) < 2 || parts[1] == "" {
			return Reference{}, fmt.Errorf("%w: variable reference needs a key", ErrInvalidReference)
		}
		// Variable keys may themselves contain dots; keep them verbatim.
		return Reference{Type: RefVariable, Target: strings.Join(parts[1:], ".")}, nil

	case RefService, RefDeployment:
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return Reference{}, fmt.Errorf("%w: %s reference needs target and property", ErrInvalidReference, refType)
		}
		ref := Reference{Type: refType, Target: parts[1], Property: parts[2]}
		if len(parts) > 3 {
			ref.Path = parts[3:]
		}
		return ref, nil

	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrUnknownRefType, parts[0])
	}
}

// IsLiteral reports whether the template contains no placeholders.
func (t Template) IsLiteral() bool {
	for _, s := range t.Segments {
		if s.Ref != nil {
			return false
		}
	}
	return true
}

// References returns the placeholder references in source order.
func (t Template) References() []Reference {
	var refs []Reference
	for _, s := range t.Segments {
		if s.Ref != nil {
			refs = append(refs, *s.Ref)
		}
	}
	return refs
}

// Render concatenates the template's segments, resolving each placeholder
// through lookup. The first failing lookup aborts the render.
func (t Template) Render(lookup func(Reference) (string, error)) (string, error) {
	var b strings.Builder
	for _, s := range t.Segments {
		if s.Ref == nil {
			b.WriteString(s.Literal)
			continue
		}
		value, err := lookup(*s.Ref)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
	}
	return b.String(), nil
}
