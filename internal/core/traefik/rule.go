package traefik

import (
	"fmt"
	"strings"
)

// =============================================================================
// Rule Expression Builder
// =============================================================================

// Rule accumulates a Traefik router rule expression. Matcher methods append
// function-call tokens like Host(`example.com`); And/Or append the
// parenthesized right-hand side with the logical operator.
//
// Operators do not retroactively group what was accumulated before them:
// chaining And(a) then Or(b) yields "expr && (a) || (b)", so the expression
// is evaluated under the proxy's own operator precedence, not under the call
// order. Use RuleAnd/RuleOr for uniformly parenthesized combination.
//
// Example:
//
//	NewRule().Host("example.com").PathPrefix("/api").Build()
//	// returns "Host(`example.com`) && PathPrefix(`/api`)"
type Rule struct {
	expr string
}

// NewRule creates an empty rule builder.
func NewRule() *Rule {
	return &Rule{}
}

// RuleFrom seeds a builder from pre-existing rule text for further extension.
func RuleFrom(raw string) *Rule {
	return &Rule{expr: raw}
}

// Build returns the accumulated expression. An empty builder returns "".
func (r *Rule) Build() string {
	return r.expr
}

// =============================================================================
// Matchers
// =============================================================================

// Host matches request hosts. Multiple hosts become one comma-joined token.
func (r *Rule) Host(hosts ...string) *Rule {
	return r.matcher("Host", hosts...)
}

// HostRegexp matches hosts against regular expressions.
func (r *Rule) HostRegexp(patterns ...string) *Rule {
	return r.matcher("HostRegexp", patterns...)
}

// Path matches exact request paths.
func (r *Rule) Path(paths ...string) *Rule {
	return r.matcher("Path", paths...)
}

// PathPrefix matches request path prefixes.
func (r *Rule) PathPrefix(prefixes ...string) *Rule {
	return r.matcher("PathPrefix", prefixes...)
}

// PathRegexp matches paths against regular expressions.
func (r *Rule) PathRegexp(patterns ...string) *Rule {
	return r.matcher("PathRegexp", patterns...)
}

// Method matches HTTP methods.
func (r *Rule) Method(methods ...string) *Rule {
	return r.matcher("Method", methods...)
}

// Header matches an exact request header value.
func (r *Rule) Header(key, value string) *Rule {
	return r.matcher("Header", key, value)
}

// HeaderRegexp matches a request header against a regular expression.
func (r *Rule) HeaderRegexp(key, pattern string) *Rule {
	return r.matcher("HeaderRegexp", key, pattern)
}

// Query matches a query parameter value.
func (r *Rule) Query(key, value string) *Rule {
	return r.matcher("Query", key, value)
}

// ClientIP matches the client address against IPs or CIDR ranges.
func (r *Rule) ClientIP(ranges ...string) *Rule {
	return r.matcher("ClientIP", ranges...)
}

// matcher appends one Matcher(`arg1`, `arg2`) token. Arguments pass through
// verbatim, each independently backtick-quoted; the builder never interprets
// or escapes placeholder text. Calling with no arguments is a no-op.
func (r *Rule) matcher(name string, args ...string) *Rule {
	if len(args) == 0 {
		return r
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = "`" + arg + "`"
	}
	r.append(fmt.Sprintf("%s(%s)", name, strings.Join(quoted, ", ")))
	return r
}

// append joins a token onto the expression, defaulting to && between
// successive matcher calls.
func (r *Rule) append(token string) {
	if r.expr == "" {
		r.expr = token
		return
	}
	r.expr += " && " + token
}

// =============================================================================
// Combinators
// =============================================================================

// And appends " && (<group>)" where the group is built by fn on a fresh
// builder. Building an empty group is a no-op.
func (r *Rule) And(fn func(*Rule)) *Rule {
	return r.combine("&&", buildGroup(fn))
}

// AndRule appends " && (<rhs>)" from an existing builder.
func (r *Rule) AndRule(rhs *Rule) *Rule {
	return r.combine("&&", rhs.Build())
}

// Or appends " || (<group>)" where the group is built by fn on a fresh
// builder. Building an empty group is a no-op.
func (r *Rule) Or(fn func(*Rule)) *Rule {
	return r.combine("||", buildGroup(fn))
}

// OrRule appends " || (<rhs>)" from an existing builder.
func (r *Rule) OrRule(rhs *Rule) *Rule {
	return r.combine("||", rhs.Build())
}

func (r *Rule) combine(op, rhs string) *Rule {
	if rhs == "" {
		return r
	}
	if r.expr == "" {
		// Combining into an empty builder just seeds it.
		r.expr = rhs
		return r
	}
	r.expr += fmt.Sprintf(" %s (%s)", op, rhs)
	return r
}

func buildGroup(fn func(*Rule)) string {
	group := NewRule()
	fn(group)
	return group.Build()
}

// =============================================================================
// Uniform Combination
// =============================================================================

// RuleAnd joins every non-empty term with && and parenthesizes each operand
// uniformly: (a) && (b).
func RuleAnd(terms ...*Rule) *Rule {
	return joinTerms("&&", terms)
}

// RuleOr joins every non-empty term with || and parenthesizes each operand
// uniformly: (a) || (b).
func RuleOr(terms ...*Rule) *Rule {
	return joinTerms("||", terms)
}

func joinTerms(op string, terms []*Rule) *Rule {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		if expr := t.Build(); expr != "" {
			parts = append(parts, "("+expr+")")
		}
	}
	return RuleFrom(strings.Join(parts, " "+op+" "))
}
