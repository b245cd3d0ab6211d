package traefik

import (
	"sort"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Routing Document Generation
// =============================================================================

// RouteTarget pairs a routable service with the backend address its live
// container answers on.
type RouteTarget struct {
	Service    domain.Service
	BackendURL string
}

// DocumentOptions carries the proxy-level settings document generation
// depends on.
type DocumentOptions struct {
	HTTPEntryPoint  string // entry point name for plain HTTP (e.g. "web")
	HTTPSEntryPoint string // entry point name for TLS (e.g. "websecure")
	CertResolver    string // default ACME resolver for HTTPS routes
}

// Normalize fills unset options with the conventional entry point names.
func (o DocumentOptions) Normalize() DocumentOptions {
	if o.HTTPEntryPoint == "" {
		o.HTTPEntryPoint = "web"
	}
	if o.HTTPSEntryPoint == "" {
		o.HTTPSEntryPoint = "websecure"
	}
	if o.CertResolver == "" {
		o.CertResolver = "letsencrypt"
	}
	return o
}

// BuildDocument composes the dynamic configuration document for a set of
// route targets. Targets without domains are skipped. This is a pure
// function: publication and sync are the caller's concern.
func BuildDocument(targets []RouteTarget, opts DocumentOptions) *Document {
	opts = opts.Normalize()
	doc := NewDocument()

	for _, t := range targets {
		if !t.Service.Routable() {
			continue
		}
		addTarget(doc, t, opts)
	}

	return doc
}

// addTarget emits the router(s), backend service and middlewares for one
// route target. Names derive from the service app name, so republication
// replaces entries instead of accumulating them.
func addTarget(doc *Document, t RouteTarget, opts DocumentOptions) {
	name := domain.RouterName(t.Service.AppName)

	rule := buildRouteRule(t.Service.Domains)
	middlewares, names := buildServiceMiddlewares(name, t.Service)
	for mwName, mw := range middlewares {
		doc.HTTP.Middlewares[mwName] = mw
	}

	doc.HTTP.Services[name] = Service{
		LoadBalancer: &LoadBalancer{
			Servers: []Server{{URL: t.BackendURL}},
		},
	}

	router := Router{
		Rule:        rule,
		EntryPoints: []string{opts.HTTPEntryPoint},
		Middlewares: names,
		Service:     name,
	}

	if tlsRoute, resolver := tlsSettings(t.Service.Domains, opts); tlsRoute {
		// Plain HTTP redirects; the secure router carries the middlewares.
		redirectName := name + "-redirect"
		redirect, err := NewMiddleware(redirectName).RedirectToHTTPS().Build()
		if err == nil {
			doc.HTTP.Middlewares[redirect.Name] = redirect.Config
		}
		router.Middlewares = []string{redirectName}
		doc.HTTP.Routers[name] = router

		doc.HTTP.Routers[name+"-secure"] = Router{
			Rule:        rule,
			EntryPoints: []string{opts.HTTPSEntryPoint},
			Middlewares: names,
			Service:     name,
			TLS:         &RouterTLS{CertResolver: resolver},
		}
		return
	}

	doc.HTTP.Routers[name] = router
}

// buildRouteRule combines the domain routes into one rule expression. A
// single route yields a bare Host (with optional PathPrefix); multiple
// routes are OR-combined with uniform parenthesization.
func buildRouteRule(routes []domain.DomainRoute) string {
	terms := make([]*Rule, 0, len(routes))
	for _, d := range routes {
		term := NewRule().Host(d.Host)
		if d.PathPrefix != "" {
			term.PathPrefix(d.PathPrefix)
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return terms[0].Build()
	}
	return RuleOr(terms...).Build()
}

// tlsSettings reports whether any route wants HTTPS, and with which resolver.
func tlsSettings(routes []domain.DomainRoute, opts DocumentOptions) (bool, string) {
	for _, d := range routes {
		if d.HTTPS {
			resolver := d.CertResolver
			if resolver == "" {
				resolver = opts.CertResolver
			}
			return true, resolver
		}
	}
	return false, ""
}

// buildServiceMiddlewares turns the service's middleware toggles into named
// middleware definitions. Each toggle becomes its own single-slot
// definition; the returned name list preserves a stable order.
func buildServiceMiddlewares(name string, svc domain.Service) (map[string]Middleware, []string) {
	out := make(map[string]Middleware)
	var names []string

	add := func(b *MiddlewareBuilder) {
		built, err := b.Build()
		if err != nil {
			return
		}
		out[built.Name] = built.Config
		names = append(names, built.Name)
	}

	mw := svc.Middleware

	if prefixes := stripPrefixes(svc.Domains); len(prefixes) > 0 {
		add(NewMiddleware(name + "-stripprefix").StripPrefix(prefixes...))
	}
	if len(mw.BasicAuthUsers) > 0 {
		add(NewMiddleware(name + "-auth").BasicAuth(mw.BasicAuthUsers...))
	}
	if mw.RateLimitRPS > 0 {
		burst := int64(mw.RateLimitBurst)
		if burst == 0 {
			burst = int64(mw.RateLimitRPS) * 2
		}
		add(NewMiddleware(name + "-ratelimit").RateLimit(int64(mw.RateLimitRPS), burst))
	}
	if len(mw.IPAllowList) > 0 {
		add(NewMiddleware(name + "-ipallowlist").IPWhiteList(mw.IPAllowList...))
	}
	if len(mw.RequestHeaders) > 0 || len(mw.ResponseHeaders) > 0 {
		b := NewMiddleware(name + "-headers")
		if len(mw.RequestHeaders) > 0 {
			b.CustomRequestHeaders(mw.RequestHeaders)
		}
		if len(mw.ResponseHeaders) > 0 {
			b.CustomResponseHeaders(mw.ResponseHeaders)
		}
		add(b)
	}
	if mw.Compress {
		add(NewMiddleware(name + "-compress").Compress())
	}

	sort.Strings(names)
	return out, names
}

// stripPrefixes collects prefixes from routes that asked for stripping.
func stripPrefixes(routes []domain.DomainRoute) []string {
	var prefixes []string
	for _, d := range routes {
		if d.StripPrefix && d.PathPrefix != "" {
			prefixes = append(prefixes, d.PathPrefix)
		}
	}
	return prefixes
}
