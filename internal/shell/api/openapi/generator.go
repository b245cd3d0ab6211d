// Package openapi generates the control plane's OpenAPI 3.0 document by
// reflecting over the handler's request and response types. Schemas
// register under stable component names and operations reference them by
// name, so the served document always matches the wire types.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/slipway-sh/slipway/internal/core/builder"
	"github.com/slipway-sh/slipway/internal/core/schema"
)

// =============================================================================
// Generator
// =============================================================================

// Generator assembles an OpenAPI 3.0 specification from registered schemas
// and operations. Generation is cached; any registration invalidates the
// cache.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string

	mu         sync.RWMutex
	schemas    []namedSchema
	builders   []builder.Descriptor
	operations []Operation
	cachedSpec *openapi3.T
}

type namedSchema struct {
	name   string
	sample any
}

// Operation describes one route for the document. Request and Response
// name registered schemas; Status defaults to 200.
type Operation struct {
	Method   string
	Path     string
	Summary  string
	Tag      string
	Request  string
	Response string
	Status   int
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:   "API",
		version: "dev",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterSchema adds a named component schema reflected from a sample
// value's JSON shape.
func (g *Generator) RegisterSchema(name string, sample any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas = append(g.schemas, namedSchema{name: name, sample: sample})
	g.cachedSpec = nil
}

// RegisterBuilderConfig adds a component schema for one builder's
// configuration, derived from its field schema. The component is named
// after the builder id, e.g. "dockerfile" becomes DockerfileBuilderConfig.
func (g *Generator) RegisterBuilderConfig(desc builder.Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builders = append(g.builders, desc)
	g.cachedSpec = nil
}

// RegisterOperation adds one route to the document.
func (g *Generator) RegisterOperation(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operations = append(g.operations, op)
	g.cachedSpec = nil
}

// Generate produces the complete OpenAPI 3.0 specification.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	hasError := false
	for _, s := range g.schemas {
		spec.Components.Schemas[s.name] = g.extractSchema(s.sample)
		if s.name == "Error" {
			hasError = true
		}
	}
	for _, desc := range g.builders {
		spec.Components.Schemas[exportName(desc.ID)+"BuilderConfig"] = builderConfigSchema(desc)
	}

	// Operations group into path items in registration order.
	items := make(map[string]*openapi3.PathItem)
	var order []string
	for _, op := range g.operations {
		item, ok := items[op.Path]
		if !ok {
			item = &openapi3.PathItem{Parameters: pathParameters(op.Path)}
			items[op.Path] = item
			order = append(order, op.Path)
		}
		built := g.buildOperation(op, hasError)
		switch strings.ToUpper(op.Method) {
		case http.MethodGet:
			item.Get = built
		case http.MethodPost:
			item.Post = built
		case http.MethodPut:
			item.Put = built
		case http.MethodPatch:
			item.Patch = built
		case http.MethodDelete:
			item.Delete = built
		}
	}
	for _, path := range order {
		spec.Paths.Set(path, items[path])
	}

	g.cachedSpec = spec
	return spec
}

// Handler returns an HTTP handler that serves the OpenAPI specification.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "Failed to encode OpenAPI spec", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Operation Generation
// =============================================================================

func (g *Generator) buildOperation(op Operation, hasError bool) *openapi3.Operation {
	out := &openapi3.Operation{
		OperationID: operationID(op.Method, op.Path),
		Summary:     op.Summary,
		Responses:   &openapi3.Responses{},
	}
	if op.Tag != "" {
		out.Tags = []string{op.Tag}
	}

	if op.Request != "" {
		out.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content: openapi3.Content{
					"application/json": &openapi3.MediaType{
						Schema: &openapi3.SchemaRef{
							Ref: "#/components/schemas/" + op.Request,
						},
					},
				},
			},
		}
	}

	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp := openapi3.NewResponse().WithDescription(http.StatusText(status))
	if op.Response != "" {
		resp = resp.WithJSONSchemaRef(&openapi3.SchemaRef{
			Ref: "#/components/schemas/" + op.Response,
		})
	}
	out.Responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{Value: resp})

	if hasError {
		errResp := openapi3.NewResponse().WithDescription("Error").
			WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Error"})
		out.Responses.Set("default", &openapi3.ResponseRef{Value: errResp})
	}

	return out
}

// pathParameters declares every {segment} of a path as a required string
// path parameter.
func pathParameters(path string) openapi3.Parameters {
	var params openapi3.Parameters
	for _, seg := range strings.Split(path, "/") {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		params = append(params, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:     strings.Trim(seg, "{}"),
				In:       "path",
				Required: true,
				Schema: &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
			},
		})
	}
	return params
}

// operationID derives a stable camel-case id from method and path, e.g.
// GET /api/v1/services/{id}/routing becomes getServicesIdRouting.
func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, seg := range strings.Split(path, "/") {
		seg = strings.Trim(seg, "{}")
		if seg == "" || seg == "api" || seg == "v1" {
			continue
		}
		b.WriteString(exportName(seg))
	}
	return b.String()
}

// =============================================================================
// Builder Config Schemas
// =============================================================================

// builderConfigSchema converts a builder's field schema into an object
// schema: one property per field, typed after the field's UI type.
func builderConfigSchema(desc builder.Descriptor) *openapi3.SchemaRef {
	out := &openapi3.Schema{
		Type:        &openapi3.Types{"object"},
		Description: desc.Description,
		Properties:  make(openapi3.Schemas),
	}
	for _, f := range desc.ConfigSchema.Fields {
		out.Properties[f.Key] = fieldSchema(f)
		if f.Required {
			out.Required = append(out.Required, f.Key)
		}
	}
	return &openapi3.SchemaRef{Value: out}
}

func fieldSchema(f schema.Field) *openapi3.SchemaRef {
	v := &openapi3.Schema{Description: f.Description}
	switch f.Type {
	case schema.FieldNumber:
		v.Type = &openapi3.Types{"number"}
	case schema.FieldToggle:
		v.Type = &openapi3.Types{"boolean"}
	case schema.FieldJSON:
		v.Type = &openapi3.Types{"object"}
	case schema.FieldList:
		v.Type = &openapi3.Types{"array"}
		v.Items = &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
		}
	case schema.FieldSelect:
		v.Type = &openapi3.Types{"string"}
		for _, o := range f.Options {
			v.Enum = append(v.Enum, o.Value)
		}
	default:
		v.Type = &openapi3.Types{"string"}
	}
	if f.Default != nil {
		v.Default = f.Default
	}
	return &openapi3.SchemaRef{Value: v}
}

// =============================================================================
// Schema Reflection
// =============================================================================

// extractSchema extracts an OpenAPI schema from a Go struct.
func (g *Generator) extractSchema(model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	out := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := field.Name
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
		}

		if propSchema := g.goTypeToSchema(field.Type); propSchema != nil {
			out.Properties[name] = propSchema
		}
	}

	return &openapi3.SchemaRef{Value: out}
}

// goTypeToSchema converts a Go type to an OpenAPI schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "float"}}

	case reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: g.goTypeToSchema(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: g.goTypeToSchema(t.Elem())},
			},
		}

	case reflect.Ptr:
		out := g.goTypeToSchema(t.Elem())
		if out != nil && out.Value != nil {
			out.Value.Nullable = true
		}
		return out

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return g.extractSchema(reflect.New(t).Interface())

	case reflect.Interface:
		// any fields carry arbitrary JSON.
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}

	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// exportName turns an identifier like docker-compose into DockerCompose.
func exportName(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool {
		return r == '-' || r == '_'
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}
