package traefik

// =============================================================================
// Dynamic Configuration Document
// =============================================================================

// Document is the file-provider dynamic configuration consumed by the proxy
// daemon. Field names and tags follow the provider's YAML/JSON schema; the
// document is emitted verbatim, the daemon itself is an external
// collaborator.
type Document struct {
	HTTP HTTPConfiguration `yaml:"http" json:"http"`
}

// HTTPConfiguration groups routers, services and middlewares by name.
type HTTPConfiguration struct {
	Routers     map[string]Router     `yaml:"routers,omitempty" json:"routers,omitempty"`
	Services    map[string]Service    `yaml:"services,omitempty" json:"services,omitempty"`
	Middlewares map[string]Middleware `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
}

// NewDocument returns an empty document with all name maps allocated.
func NewDocument() *Document {
	return &Document{
		HTTP: HTTPConfiguration{
			Routers:     make(map[string]Router),
			Services:    make(map[string]Service),
			Middlewares: make(map[string]Middleware),
		},
	}
}

// =============================================================================
// Routers
// =============================================================================

// Router binds a rule expression to a backend service, optionally through
// middlewares and TLS.
type Router struct {
	Rule        string     `yaml:"rule" json:"rule"`
	EntryPoints []string   `yaml:"entryPoints,omitempty" json:"entryPoints,omitempty"`
	Middlewares []string   `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
	Service     string     `yaml:"service" json:"service"`
	Priority    int        `yaml:"priority,omitempty" json:"priority,omitempty"`
	TLS         *RouterTLS `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// RouterTLS enables TLS termination for a router.
type RouterTLS struct {
	CertResolver string `yaml:"certResolver,omitempty" json:"certResolver,omitempty"`
}

// =============================================================================
// Services
// =============================================================================

// Service is a load-balanced set of backend servers.
type Service struct {
	LoadBalancer *LoadBalancer `yaml:"loadBalancer,omitempty" json:"loadBalancer,omitempty"`
}

// LoadBalancer holds backend server addresses.
type LoadBalancer struct {
	Servers        []Server `yaml:"servers,omitempty" json:"servers,omitempty"`
	PassHostHeader *bool    `yaml:"passHostHeader,omitempty" json:"passHostHeader,omitempty"`
}

// Server is one backend address.
type Server struct {
	URL string `yaml:"url" json:"url"`
}

// =============================================================================
// Middlewares
// =============================================================================

// Middleware holds at most one configuration per middleware kind. The
// builder in this package guarantees named middlewares are non-empty.
type Middleware struct {
	AddPrefix        *AddPrefix        `yaml:"addPrefix,omitempty" json:"addPrefix,omitempty"`
	StripPrefix      *StripPrefix      `yaml:"stripPrefix,omitempty" json:"stripPrefix,omitempty"`
	ReplacePath      *ReplacePath      `yaml:"replacePath,omitempty" json:"replacePath,omitempty"`
	ReplacePathRegex *ReplacePathRegex `yaml:"replacePathRegex,omitempty" json:"replacePathRegex,omitempty"`
	Headers          *Headers          `yaml:"headers,omitempty" json:"headers,omitempty"`
	BasicAuth        *BasicAuth        `yaml:"basicAuth,omitempty" json:"basicAuth,omitempty"`
	DigestAuth       *DigestAuth       `yaml:"digestAuth,omitempty" json:"digestAuth,omitempty"`
	ForwardAuth      *ForwardAuth      `yaml:"forwardAuth,omitempty" json:"forwardAuth,omitempty"`
	RedirectScheme   *RedirectScheme   `yaml:"redirectScheme,omitempty" json:"redirectScheme,omitempty"`
	RedirectRegex    *RedirectRegex    `yaml:"redirectRegex,omitempty" json:"redirectRegex,omitempty"`
	RateLimit        *RateLimit        `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	InFlightReq      *InFlightReq      `yaml:"inFlightReq,omitempty" json:"inFlightReq,omitempty"`
	CircuitBreaker   *CircuitBreaker   `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	Compress         *Compress         `yaml:"compress,omitempty" json:"compress,omitempty"`
	Chain            *Chain            `yaml:"chain,omitempty" json:"chain,omitempty"`
	Retry            *Retry            `yaml:"retry,omitempty" json:"retry,omitempty"`
	Buffering        *Buffering        `yaml:"buffering,omitempty" json:"buffering,omitempty"`
	IPWhiteList      *IPWhiteList      `yaml:"ipWhiteList,omitempty" json:"ipWhiteList,omitempty"`
}

// AddPrefix prepends a path prefix before forwarding.
type AddPrefix struct {
	Prefix string `yaml:"prefix" json:"prefix"`
}

// StripPrefix removes matching path prefixes before forwarding.
type StripPrefix struct {
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
}

// ReplacePath rewrites the request path entirely.
type ReplacePath struct {
	Path string `yaml:"path" json:"path"`
}

// ReplacePathRegex rewrites the path by regular expression.
type ReplacePathRegex struct {
	Regex       string `yaml:"regex" json:"regex"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// Headers manages request/response headers, security headers and the CORS
// fields. One struct backs the headers, cors and custom-header builder
// methods; they project onto disjoint field groups.
type Headers struct {
	CustomRequestHeaders  map[string]string `yaml:"customRequestHeaders,omitempty" json:"customRequestHeaders,omitempty"`
	CustomResponseHeaders map[string]string `yaml:"customResponseHeaders,omitempty" json:"customResponseHeaders,omitempty"`

	AccessControlAllowCredentials bool     `yaml:"accessControlAllowCredentials,omitempty" json:"accessControlAllowCredentials,omitempty"`
	AccessControlAllowHeaders     []string `yaml:"accessControlAllowHeaders,omitempty" json:"accessControlAllowHeaders,omitempty"`
	AccessControlAllowMethods     []string `yaml:"accessControlAllowMethods,omitempty" json:"accessControlAllowMethods,omitempty"`
	AccessControlAllowOriginList  []string `yaml:"accessControlAllowOriginList,omitempty" json:"accessControlAllowOriginList,omitempty"`
	AccessControlExposeHeaders    []string `yaml:"accessControlExposeHeaders,omitempty" json:"accessControlExposeHeaders,omitempty"`
	AccessControlMaxAge           int64    `yaml:"accessControlMaxAge,omitempty" json:"accessControlMaxAge,omitempty"`
	AddVaryHeader                 bool     `yaml:"addVaryHeader,omitempty" json:"addVaryHeader,omitempty"`

	FrameDeny               bool   `yaml:"frameDeny,omitempty" json:"frameDeny,omitempty"`
	CustomFrameOptionsValue string `yaml:"customFrameOptionsValue,omitempty" json:"customFrameOptionsValue,omitempty"`
	ContentTypeNosniff      bool   `yaml:"contentTypeNosniff,omitempty" json:"contentTypeNosniff,omitempty"`
	BrowserXSSFilter        bool   `yaml:"browserXssFilter,omitempty" json:"browserXssFilter,omitempty"`
	ContentSecurityPolicy   string `yaml:"contentSecurityPolicy,omitempty" json:"contentSecurityPolicy,omitempty"`
	ReferrerPolicy          string `yaml:"referrerPolicy,omitempty" json:"referrerPolicy,omitempty"`
	PermissionsPolicy       string `yaml:"permissionsPolicy,omitempty" json:"permissionsPolicy,omitempty"`
	STSSeconds              int64  `yaml:"stsSeconds,omitempty" json:"stsSeconds,omitempty"`
	STSIncludeSubdomains    bool   `yaml:"stsIncludeSubdomains,omitempty" json:"stsIncludeSubdomains,omitempty"`
	STSPreload              bool   `yaml:"stsPreload,omitempty" json:"stsPreload,omitempty"`
	IsDevelopment           bool   `yaml:"isDevelopment,omitempty" json:"isDevelopment,omitempty"`
}

// BasicAuth guards a router with htpasswd-format credentials.
type BasicAuth struct {
	Users        []string `yaml:"users,omitempty" json:"users,omitempty"`
	Realm        string   `yaml:"realm,omitempty" json:"realm,omitempty"`
	HeaderField  string   `yaml:"headerField,omitempty" json:"headerField,omitempty"`
	RemoveHeader bool     `yaml:"removeHeader,omitempty" json:"removeHeader,omitempty"`
}

// DigestAuth guards a router with htdigest-format credentials.
type DigestAuth struct {
	Users        []string `yaml:"users,omitempty" json:"users,omitempty"`
	Realm        string   `yaml:"realm,omitempty" json:"realm,omitempty"`
	HeaderField  string   `yaml:"headerField,omitempty" json:"headerField,omitempty"`
	RemoveHeader bool     `yaml:"removeHeader,omitempty" json:"removeHeader,omitempty"`
}

// ForwardAuth delegates authentication to an external endpoint.
type ForwardAuth struct {
	Address             string   `yaml:"address" json:"address"`
	TrustForwardHeader  bool     `yaml:"trustForwardHeader,omitempty" json:"trustForwardHeader,omitempty"`
	AuthResponseHeaders []string `yaml:"authResponseHeaders,omitempty" json:"authResponseHeaders,omitempty"`
}

// RedirectScheme redirects to a different scheme/port.
type RedirectScheme struct {
	Scheme    string `yaml:"scheme" json:"scheme"`
	Port      string `yaml:"port,omitempty" json:"port,omitempty"`
	Permanent bool   `yaml:"permanent,omitempty" json:"permanent,omitempty"`
}

// RedirectRegex redirects by regular expression rewrite.
type RedirectRegex struct {
	Regex       string `yaml:"regex" json:"regex"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Permanent   bool   `yaml:"permanent,omitempty" json:"permanent,omitempty"`
}

// RateLimit bounds request rates per source.
type RateLimit struct {
	Average int64  `yaml:"average" json:"average"`
	Burst   int64  `yaml:"burst,omitempty" json:"burst,omitempty"`
	Period  string `yaml:"period,omitempty" json:"period,omitempty"`
}

// InFlightReq bounds simultaneous in-flight requests.
type InFlightReq struct {
	Amount int64 `yaml:"amount" json:"amount"`
}

// CircuitBreaker trips on the configured expression.
type CircuitBreaker struct {
	Expression string `yaml:"expression" json:"expression"`
}

// Compress enables response compression. The empty struct is meaningful.
type Compress struct {
	ExcludedContentTypes []string `yaml:"excludedContentTypes,omitempty" json:"excludedContentTypes,omitempty"`
}

// Chain references other middlewares to apply in order.
type Chain struct {
	Middlewares []string `yaml:"middlewares" json:"middlewares"`
}

// Retry reissues failed requests.
type Retry struct {
	Attempts        int    `yaml:"attempts" json:"attempts"`
	InitialInterval string `yaml:"initialInterval,omitempty" json:"initialInterval,omitempty"`
}

// Buffering sets request/response buffering limits.
type Buffering struct {
	MaxRequestBodyBytes  int64  `yaml:"maxRequestBodyBytes,omitempty" json:"maxRequestBodyBytes,omitempty"`
	MemRequestBodyBytes  int64  `yaml:"memRequestBodyBytes,omitempty" json:"memRequestBodyBytes,omitempty"`
	MaxResponseBodyBytes int64  `yaml:"maxResponseBodyBytes,omitempty" json:"maxResponseBodyBytes,omitempty"`
	MemResponseBodyBytes int64  `yaml:"memResponseBodyBytes,omitempty" json:"memResponseBodyBytes,omitempty"`
	RetryExpression      string `yaml:"retryExpression,omitempty" json:"retryExpression,omitempty"`
}

// IPWhiteList restricts clients to the listed source ranges.
type IPWhiteList struct {
	SourceRange []string `yaml:"sourceRange" json:"sourceRange"`
}

// Empty reports whether no middleware kind is configured.
func (m Middleware) Empty() bool {
	return m.AddPrefix == nil &&
		m.StripPrefix == nil &&
		m.ReplacePath == nil &&
		m.ReplacePathRegex == nil &&
		m.Headers == nil &&
		m.BasicAuth == nil &&
		m.DigestAuth == nil &&
		m.ForwardAuth == nil &&
		m.RedirectScheme == nil &&
		m.RedirectRegex == nil &&
		m.RateLimit == nil &&
		m.InFlightReq == nil &&
		m.CircuitBreaker == nil &&
		m.Compress == nil &&
		m.Chain == nil &&
		m.Retry == nil &&
		m.Buffering == nil &&
		m.IPWhiteList == nil
}
