// Package openapi builds the OpenAPI 3.0 document describing the NexusGate
// control-plane REST surface.
package openapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/nexusgate/nexusgate/internal/loadtest"
	"github.com/nexusgate/nexusgate/internal/model"
)

// Access is the authorization an endpoint requires.
type Access int

const (
	Public Access = iota
	User
	Admin
)

// Endpoint describes one REST operation. Request and Response name component
// schemas; an empty name means no body.
type Endpoint struct {
	Method   string
	Path     string
	Tag      string
	Summary  string
	Access   Access
	Request  string
	Response string
	List     bool
	Status   int
	Query    []string
}

// Endpoints lists every operation the server registers, in registration
// order.
func Endpoints() []Endpoint {
	return []Endpoint{
		{Method: http.MethodPost, Path: "/api/users/register", Tag: "users", Summary: "Register a user", Request: "RegisterRequest", Response: "AuthResponse", Status: http.StatusCreated},
		{Method: http.MethodPost, Path: "/api/users/signin", Tag: "users", Summary: "Sign in", Request: "SignInRequest", Response: "AuthResponse"},
		{Method: http.MethodGet, Path: "/api/users/me", Tag: "users", Summary: "Current user", Access: User, Response: "User"},
		{Method: http.MethodGet, Path: "/api/users", Tag: "users", Summary: "List users", Access: Admin, Response: "User", List: true},
		{Method: http.MethodPut, Path: "/api/users/{id}", Tag: "users", Summary: "Update a user", Access: Admin, Request: "UserUpdate", Response: "User"},

		{Method: http.MethodGet, Path: "/api/keys", Tag: "keys", Summary: "List API keys", Access: User, Response: "APIKey", List: true},
		{Method: http.MethodGet, Path: "/api/keys/validate", Tag: "keys", Summary: "Validate a raw API key", Access: User, Response: "KeyValidation", Query: []string{"key", "keyValue"}},
		{Method: http.MethodGet, Path: "/api/keys/user/{userId}", Tag: "keys", Summary: "List API keys created by a user", Access: User, Response: "APIKey", List: true},
		{Method: http.MethodGet, Path: "/api/keys/{id}", Tag: "keys", Summary: "Get an API key", Access: User, Response: "APIKey"},
		{Method: http.MethodPost, Path: "/api/keys", Tag: "keys", Summary: "Create an API key", Access: Admin, Request: "APIKeyCreate", Response: "APIKey", Status: http.StatusCreated},
		{Method: http.MethodPut, Path: "/api/keys/{id}", Tag: "keys", Summary: "Update an API key", Access: Admin, Request: "APIKeyCreate", Response: "APIKey"},
		{Method: http.MethodPatch, Path: "/api/keys/{id}/toggle", Tag: "keys", Summary: "Toggle an API key", Access: Admin, Response: "APIKey"},
		{Method: http.MethodDelete, Path: "/api/keys/{id}", Tag: "keys", Summary: "Delete an API key", Access: Admin, Status: http.StatusNoContent},

		{Method: http.MethodGet, Path: "/service-routes", Tag: "service-routes", Summary: "List service routes", Access: User, Response: "ServiceRoute", List: true, Query: []string{"activeOnly"}},
		{Method: http.MethodGet, Path: "/service-routes/by-path", Tag: "service-routes", Summary: "Find a service route by path", Access: User, Response: "ServiceRoute", Query: []string{"path", "method"}},
		{Method: http.MethodGet, Path: "/service-routes/{id}", Tag: "service-routes", Summary: "Get a service route", Access: User, Response: "ServiceRoute"},
		{Method: http.MethodPost, Path: "/service-routes", Tag: "service-routes", Summary: "Create a service route", Access: Admin, Request: "ServiceRoute", Response: "ServiceRoute", Status: http.StatusCreated},
		{Method: http.MethodPut, Path: "/service-routes/{id}", Tag: "service-routes", Summary: "Update a service route", Access: Admin, Request: "ServiceRoute", Response: "ServiceRoute"},
		{Method: http.MethodPatch, Path: "/service-routes/{id}/toggle", Tag: "service-routes", Summary: "Toggle a service route", Access: Admin, Response: "ServiceRoute"},
		{Method: http.MethodPut, Path: "/service-routes/{id}/telemetry", Tag: "service-routes", Summary: "Report route telemetry", Access: Admin, Request: "RouteTelemetry", Response: "ServiceRoute"},
		{Method: http.MethodDelete, Path: "/service-routes/{id}", Tag: "service-routes", Summary: "Delete a service route", Access: Admin, Status: http.StatusNoContent},

		{Method: http.MethodGet, Path: "/rate-limits", Tag: "rate-limits", Summary: "List rate limits", Access: User, Response: "RateLimit", List: true},
		{Method: http.MethodGet, Path: "/rate-limits/check", Tag: "rate-limits", Summary: "Resolve the effective limit", Access: User, Response: "RateLimitCheckResult", Query: []string{"apiKeyId", "serviceRouteId"}},
		{Method: http.MethodGet, Path: "/rate-limits/by-api-key/{id}", Tag: "rate-limits", Summary: "List rate limits scoped to a key", Access: User, Response: "RateLimit", List: true},
		{Method: http.MethodGet, Path: "/rate-limits/by-service-route/{id}", Tag: "rate-limits", Summary: "List rate limits scoped to a route", Access: User, Response: "RateLimit", List: true},
		{Method: http.MethodGet, Path: "/rate-limits/{id}", Tag: "rate-limits", Summary: "Get a rate limit", Access: User, Response: "RateLimit"},
		{Method: http.MethodPost, Path: "/rate-limits", Tag: "rate-limits", Summary: "Create a rate limit", Access: Admin, Request: "RateLimit", Response: "RateLimit", Status: http.StatusCreated},
		{Method: http.MethodPut, Path: "/rate-limits/{id}", Tag: "rate-limits", Summary: "Update a rate limit", Access: Admin, Request: "RateLimit", Response: "RateLimit"},
		{Method: http.MethodPatch, Path: "/rate-limits/{id}/toggle", Tag: "rate-limits", Summary: "Toggle a rate limit", Access: Admin, Response: "RateLimit"},
		{Method: http.MethodDelete, Path: "/rate-limits/{id}", Tag: "rate-limits", Summary: "Delete a rate limit", Access: Admin, Status: http.StatusNoContent},

		{Method: http.MethodGet, Path: "/logs", Tag: "logs", Summary: "List violations", Access: User, Response: "LogEntry", List: true, Query: []string{"violationType", "search", "since", "limit", "offset"}},
		{Method: http.MethodGet, Path: "/logs/summary", Tag: "logs", Summary: "Violations per type over 24h", Access: User, Response: "LogSummary"},
		{Method: http.MethodPost, Path: "/logs", Tag: "logs", Summary: "Record a violation", Access: Admin, Request: "LogEntry", Response: "LogEntry", Status: http.StatusCreated},

		{Method: http.MethodPost, Path: "/load-test/start", Tag: "load-test", Summary: "Start a load test", Access: Admin, Request: "LoadTestConfig", Response: "LoadTestStatus", Status: http.StatusAccepted},
		{Method: http.MethodGet, Path: "/load-test/status/{id}", Tag: "load-test", Summary: "Load test status", Access: User, Response: "LoadTestStatus"},
		{Method: http.MethodGet, Path: "/load-test/results/{id}", Tag: "load-test", Summary: "Load test results", Access: User, Response: "LoadTestResults"},
		{Method: http.MethodPost, Path: "/load-test/stop/{id}", Tag: "load-test", Summary: "Stop a load test", Access: Admin, Response: "LoadTestStatus"},
		{Method: http.MethodDelete, Path: "/load-test/stop/{id}", Tag: "load-test", Summary: "Stop a load test", Access: Admin, Response: "LoadTestStatus"},

		{Method: http.MethodGet, Path: "/overview", Tag: "system", Summary: "Dashboard overview", Access: User, Response: "Overview"},
		{Method: http.MethodGet, Path: "/healthz", Tag: "system", Summary: "Liveness probe", Response: "Health"},
		{Method: http.MethodGet, Path: "/readyz", Tag: "system", Summary: "Readiness probe", Response: "Health"},
	}
}

// Request bodies that have no model type of their own.
type registerBody struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type signInBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userUpdateBody struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	IsActive bool   `json:"isActive"`
}

type apiKeyBody struct {
	ClientName  string `json:"clientName"`
	ClientEmail string `json:"clientEmail"`
	Company     string `json:"company"`
	ExpiresAt   string `json:"expiresAt"`
	Notes       string `json:"notes"`
}

type health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// componentValues maps component schema names to sample values reflected by
// openapi3gen.
func componentValues() map[string]interface{} {
	return map[string]interface{}{
		"RegisterRequest":      registerBody{},
		"SignInRequest":        signInBody{},
		"UserUpdate":           userUpdateBody{},
		"AuthResponse":         model.AuthResponse{},
		"User":                 model.User{},
		"APIKey":               model.APIKey{},
		"APIKeyCreate":         apiKeyBody{},
		"KeyValidation":        model.KeyValidation{},
		"ServiceRoute":         model.ServiceRoute{},
		"RouteTelemetry":       model.RouteTelemetry{},
		"RateLimit":            model.RateLimit{},
		"RateLimitCheckResult": model.RateLimitCheckResult{},
		"LogEntry":             model.LogEntry{},
		"LogSummary":           model.LogSummary{},
		"LoadTestConfig":       loadtest.Config{},
		"LoadTestStatus":       loadtest.Status{},
		"LoadTestResults":      loadtest.Results{},
		"Overview":             model.Overview{},
		"Health":               health{},
		"ErrorResponse":        model.ErrorResponse{},
	}
}

// derived lists the fields added by custom JSON marshalers, which reflection
// cannot see.
var derived = map[string]map[string][]string{
	"ServiceRoute": {"healthStatus": {
		string(model.HealthHealthy), string(model.HealthDegraded),
		string(model.HealthDown), string(model.HealthInactive),
	}},
	"APIKey": {"status": {
		string(model.KeyStatusActive), string(model.KeyStatusRevoked), string(model.KeyStatusExpired),
	}},
	"RateLimit": {"scope": {
		string(model.SourceSpecific), string(model.SourceRouteDefault),
		string(model.SourceKeyGlobal), string(model.SourceSystemDefault),
	}},
}

// Generate builds the document for the given server URL and version.
func Generate(baseURL, version string) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "NexusGate API",
			Description: "Control plane for the NexusGate API gateway: service routes, API keys, rate limits and violation logs.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	for name, v := range componentValues() {
		ref, err := openapi3gen.NewSchemaRefForValue(v, nil)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		for field, enum := range derived[name] {
			s := openapi3.NewStringSchema()
			for _, e := range enum {
				s.Enum = append(s.Enum, e)
			}
			s.ReadOnly = true
			ref.Value.Properties[field] = s.NewRef()
		}
		doc.Components.Schemas[name] = ref
	}

	doc.Paths = openapi3.NewPaths()
	for _, ep := range Endpoints() {
		item := doc.Paths.Value(ep.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(ep.Path, item)
		}
		item.SetOperation(ep.Method, operation(ep))
	}
	return doc, nil
}

func schemaRef(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

// operation builds the operation for one endpoint, including path and query
// parameters and the standard error responses for its access level.
func operation(ep Endpoint) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{ep.Tag},
		Summary:     ep.Summary,
		OperationID: operationID(ep),
	}
	if ep.Access != Public {
		op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	} else {
		op.Security = &openapi3.SecurityRequirements{}
	}

	for _, seg := range strings.Split(ep.Path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			name := strings.Trim(seg, "{}")
			p := openapi3.NewPathParameter(name)
			if name == "id" && ep.Tag == "load-test" {
				p.Schema = openapi3.NewStringSchema().NewRef()
			} else {
				p.Schema = openapi3.NewInt64Schema().NewRef()
			}
			op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: p})
		}
	}
	for _, q := range ep.Query {
		p := openapi3.NewQueryParameter(q)
		p.Schema = openapi3.NewStringSchema().NewRef()
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: p})
	}

	if ep.Request != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(schemaRef(ep.Request)),
		}
	}

	status := ep.Status
	if status == 0 {
		status = http.StatusOK
	}
	op.Responses = newResponses(ep, status)
	return op
}

func newResponses(ep Endpoint, status int) *openapi3.Responses {
	desc := http.StatusText(status)
	resp := &openapi3.Response{Description: &desc}
	if ep.Response != "" {
		ref := schemaRef(ep.Response)
		if ep.List {
			arr := openapi3.NewArraySchema()
			arr.Items = ref
			ref = arr.NewRef()
		}
		resp.Content = openapi3.NewContentWithJSONSchemaRef(ref)
	}
	responses := openapi3.NewResponses(openapi3.WithStatus(status, &openapi3.ResponseRef{Value: resp}))

	codes := []int{http.StatusBadRequest, http.StatusInternalServerError}
	switch ep.Access {
	case User:
		codes = append(codes, http.StatusUnauthorized)
	case Admin:
		codes = append(codes, http.StatusUnauthorized, http.StatusForbidden)
	}
	if strings.Contains(ep.Path, "{") || ep.Path == "/rate-limits/check" || ep.Path == "/service-routes/by-path" {
		codes = append(codes, http.StatusNotFound)
	}
	if ep.Method == http.MethodPost || ep.Method == http.MethodPut || ep.Method == http.MethodPatch || ep.Method == http.MethodDelete {
		codes = append(codes, http.StatusConflict)
	}
	for _, code := range codes {
		d := http.StatusText(code)
		responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(schemaRef("ErrorResponse")),
			},
		})
	}
	return responses
}

// operationID derives a stable id such as get_service_routes_id.
func operationID(ep Endpoint) string {
	parts := []string{strings.ToLower(ep.Method)}
	for _, seg := range strings.Split(ep.Path, "/") {
		seg = strings.Trim(seg, "{}")
		if seg == "" || seg == "api" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(seg, "-", "_"))
	}
	return strings.Join(parts, "_")
}
