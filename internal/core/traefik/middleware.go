package traefik

import "errors"

// =============================================================================
// Middleware Builder Errors
// =============================================================================

// ErrEmptyMiddleware guards against emitting a no-op middleware definition.
var ErrEmptyMiddleware = errors.New("middleware configuration is empty")

// =============================================================================
// Middleware Config Builder
// =============================================================================

// NamedMiddleware is the built output: a middleware name plus its config,
// ready to be placed into a Document's middlewares map.
type NamedMiddleware struct {
	Name   string
	Config Middleware
}

// MiddlewareBuilder accumulates a structured middleware configuration. Each
// method writes exactly one slot of the config; calling the same method
// twice overwrites that slot (last write wins, no merge). Different kinds
// may coexist in one middleware definition.
//
// String values (paths, hosts, header values, URLs) pass through unmodified,
// including unresolved template placeholders; substitution is a separate
// resolution pass before the document is applied.
type MiddlewareBuilder struct {
	name   string
	config Middleware
}

// NewMiddleware creates a builder for a named middleware.
func NewMiddleware(name string) *MiddlewareBuilder {
	return &MiddlewareBuilder{name: name}
}

// Build returns the named middleware. A builder with no slot ever set fails
// with ErrEmptyMiddleware.
func (b *MiddlewareBuilder) Build() (NamedMiddleware, error) {
	if b.config.Empty() {
		return NamedMiddleware{}, ErrEmptyMiddleware
	}
	return NamedMiddleware{Name: b.name, Config: b.config}, nil
}

// =============================================================================
// Path Slots
// =============================================================================

// AddPrefix prepends a prefix to the forwarded request path.
func (b *MiddlewareBuilder) AddPrefix(prefix string) *MiddlewareBuilder {
	b.config.AddPrefix = &AddPrefix{Prefix: prefix}
	return b
}

// StripPrefix removes the given prefixes before forwarding.
func (b *MiddlewareBuilder) StripPrefix(prefixes ...string) *MiddlewareBuilder {
	b.config.StripPrefix = &StripPrefix{Prefixes: prefixes}
	return b
}

// ReplacePath rewrites the request path entirely.
func (b *MiddlewareBuilder) ReplacePath(path string) *MiddlewareBuilder {
	b.config.ReplacePath = &ReplacePath{Path: path}
	return b
}

// ReplacePathRegex rewrites the request path by regular expression.
func (b *MiddlewareBuilder) ReplacePathRegex(regex, replacement string) *MiddlewareBuilder {
	b.config.ReplacePathRegex = &ReplacePathRegex{Regex: regex, Replacement: replacement}
	return b
}

// =============================================================================
// Headers Slot
// =============================================================================

// SecurityHeaders are the non-CORS options of the headers middleware.
type SecurityHeaders struct {
	FrameDeny               bool
	CustomFrameOptionsValue string
	ContentTypeNosniff      bool
	BrowserXSSFilter        bool
	ContentSecurityPolicy   string
	ReferrerPolicy          string
	PermissionsPolicy       string
	STSSeconds              int64
	STSIncludeSubdomains    bool
	STSPreload              bool
	IsDevelopment           bool
}

// CORSOptions are the CORS-specific fields of the headers middleware.
type CORSOptions struct {
	AllowOriginList  []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int64
	AddVaryHeader    bool
}

// ensureHeaders lazily allocates the shared headers slot. Headers, CORS and
// the custom-header methods all project onto this one slot so they compose
// in any call order instead of clobbering each other.
func (b *MiddlewareBuilder) ensureHeaders() *Headers {
	if b.config.Headers == nil {
		b.config.Headers = &Headers{}
	}
	return b.config.Headers
}

// Headers writes the security-header fields of the headers slot.
func (b *MiddlewareBuilder) Headers(opts SecurityHeaders) *MiddlewareBuilder {
	h := b.ensureHeaders()
	h.FrameDeny = opts.FrameDeny
	h.CustomFrameOptionsValue = opts.CustomFrameOptionsValue
	h.ContentTypeNosniff = opts.ContentTypeNosniff
	h.BrowserXSSFilter = opts.BrowserXSSFilter
	h.ContentSecurityPolicy = opts.ContentSecurityPolicy
	h.ReferrerPolicy = opts.ReferrerPolicy
	h.PermissionsPolicy = opts.PermissionsPolicy
	h.STSSeconds = opts.STSSeconds
	h.STSIncludeSubdomains = opts.STSIncludeSubdomains
	h.STSPreload = opts.STSPreload
	h.IsDevelopment = opts.IsDevelopment
	return b
}

// CORS writes the CORS fields of the headers slot. Sugar over Headers: both
// target the same underlying slot, on disjoint fields.
func (b *MiddlewareBuilder) CORS(opts CORSOptions) *MiddlewareBuilder {
	h := b.ensureHeaders()
	h.AccessControlAllowOriginList = opts.AllowOriginList
	h.AccessControlAllowMethods = opts.AllowMethods
	h.AccessControlAllowHeaders = opts.AllowHeaders
	h.AccessControlExposeHeaders = opts.ExposeHeaders
	h.AccessControlAllowCredentials = opts.AllowCredentials
	h.AccessControlMaxAge = opts.MaxAge
	h.AddVaryHeader = opts.AddVaryHeader
	return b
}

// CustomRequestHeaders writes the request-header map of the headers slot.
func (b *MiddlewareBuilder) CustomRequestHeaders(headers map[string]string) *MiddlewareBuilder {
	b.ensureHeaders().CustomRequestHeaders = headers
	return b
}

// CustomResponseHeaders writes the response-header map of the headers slot.
func (b *MiddlewareBuilder) CustomResponseHeaders(headers map[string]string) *MiddlewareBuilder {
	b.ensureHeaders().CustomResponseHeaders = headers
	return b
}

// =============================================================================
// Auth Slots
// =============================================================================

// BasicAuth guards the router with htpasswd-format user entries.
func (b *MiddlewareBuilder) BasicAuth(users ...string) *MiddlewareBuilder {
	b.config.BasicAuth = &BasicAuth{Users: users}
	return b
}

// BasicAuthRealm sets the basic auth slot with an explicit realm.
func (b *MiddlewareBuilder) BasicAuthRealm(realm string, users ...string) *MiddlewareBuilder {
	b.config.BasicAuth = &BasicAuth{Users: users, Realm: realm}
	return b
}

// DigestAuth guards the router with htdigest-format user entries.
func (b *MiddlewareBuilder) DigestAuth(users ...string) *MiddlewareBuilder {
	b.config.DigestAuth = &DigestAuth{Users: users}
	return b
}

// ForwardAuth delegates auth decisions to an external address.
func (b *MiddlewareBuilder) ForwardAuth(address string, authResponseHeaders ...string) *MiddlewareBuilder {
	b.config.ForwardAuth = &ForwardAuth{Address: address, AuthResponseHeaders: authResponseHeaders}
	return b
}

// =============================================================================
// Redirect Slots
// =============================================================================

// RedirectToHTTPS permanently redirects plain HTTP to HTTPS.
func (b *MiddlewareBuilder) RedirectToHTTPS() *MiddlewareBuilder {
	b.config.RedirectScheme = &RedirectScheme{Scheme: "https", Permanent: true}
	return b
}

// RedirectScheme redirects to the given scheme and port.
func (b *MiddlewareBuilder) RedirectScheme(scheme, port string, permanent bool) *MiddlewareBuilder {
	b.config.RedirectScheme = &RedirectScheme{Scheme: scheme, Port: port, Permanent: permanent}
	return b
}

// RedirectRegex redirects by regular expression rewrite.
func (b *MiddlewareBuilder) RedirectRegex(regex, replacement string, permanent bool) *MiddlewareBuilder {
	b.config.RedirectRegex = &RedirectRegex{Regex: regex, Replacement: replacement, Permanent: permanent}
	return b
}

// =============================================================================
// Traffic Slots
// =============================================================================

// RateLimit bounds average requests per second with a burst allowance.
func (b *MiddlewareBuilder) RateLimit(average, burst int64) *MiddlewareBuilder {
	b.config.RateLimit = &RateLimit{Average: average, Burst: burst}
	return b
}

// InFlightReq bounds simultaneous in-flight requests.
func (b *MiddlewareBuilder) InFlightReq(amount int64) *MiddlewareBuilder {
	b.config.InFlightReq = &InFlightReq{Amount: amount}
	return b
}

// CircuitBreaker trips the backend on the given expression.
func (b *MiddlewareBuilder) CircuitBreaker(expression string) *MiddlewareBuilder {
	b.config.CircuitBreaker = &CircuitBreaker{Expression: expression}
	return b
}

// Compress enables response compression.
func (b *MiddlewareBuilder) Compress() *MiddlewareBuilder {
	b.config.Compress = &Compress{}
	return b
}

// Chain applies the referenced middlewares in order.
func (b *MiddlewareBuilder) Chain(middlewares ...string) *MiddlewareBuilder {
	b.config.Chain = &Chain{Middlewares: middlewares}
	return b
}

// Retry reissues failed requests up to the given attempts.
func (b *MiddlewareBuilder) Retry(attempts int, initialInterval string) *MiddlewareBuilder {
	b.config.Retry = &Retry{Attempts: attempts, InitialInterval: initialInterval}
	return b
}

// Buffering sets request/response buffering limits.
func (b *MiddlewareBuilder) Buffering(buffering Buffering) *MiddlewareBuilder {
	b.config.Buffering = &buffering
	return b
}

// IPWhiteList restricts clients to the given source ranges.
func (b *MiddlewareBuilder) IPWhiteList(sourceRanges ...string) *MiddlewareBuilder {
	b.config.IPWhiteList = &IPWhiteList{SourceRange: sourceRanges}
	return b
}
