package openapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func generate(t *testing.T) *openapi3.T {
	t.Helper()
	doc, err := Generate("http://localhost:8080", "test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return doc
}

func TestGenerateIsValid(t *testing.T) {
	doc := generate(t)

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	loaded, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loaded.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if loaded.OpenAPI != "3.0.3" {
		t.Errorf("openapi = %q, want 3.0.3", loaded.OpenAPI)
	}
	if loaded.Info.Version != "test" {
		t.Errorf("version = %q", loaded.Info.Version)
	}
}

func TestGenerateCoversEveryEndpoint(t *testing.T) {
	doc := generate(t)
	for _, ep := range Endpoints() {
		item := doc.Paths.Value(ep.Path)
		if item == nil {
			t.Errorf("missing path %s", ep.Path)
			continue
		}
		if item.GetOperation(ep.Method) == nil {
			t.Errorf("missing %s %s", ep.Method, ep.Path)
		}
	}
}

func TestOperationIDsUnique(t *testing.T) {
	seen := make(map[string]string)
	for _, ep := range Endpoints() {
		id := operationID(ep)
		if prev, ok := seen[id]; ok {
			t.Errorf("operation id %q used by %s and %s %s", id, prev, ep.Method, ep.Path)
		}
		seen[id] = ep.Method + " " + ep.Path
	}
	if got := operationID(Endpoint{Method: http.MethodGet, Path: "/service-routes/{id}"}); got != "get_service_routes_id" {
		t.Errorf("operationID = %q", got)
	}
}

func TestAccessLevels(t *testing.T) {
	doc := generate(t)

	register := doc.Paths.Value("/api/users/register").Post
	if register.Security == nil || len(*register.Security) != 0 {
		t.Error("register should not require auth")
	}
	if register.Responses.Value("401") != nil {
		t.Error("public endpoint should not document 401")
	}
	if register.Responses.Value("201") == nil {
		t.Error("register should document 201")
	}

	list := doc.Paths.Value("/service-routes").Get
	if list.Security == nil || len(*list.Security) != 1 {
		t.Error("list should require bearer auth")
	}
	if list.Responses.Value("401") == nil || list.Responses.Value("403") != nil {
		t.Error("user endpoint should document 401 but not 403")
	}

	create := doc.Paths.Value("/rate-limits").Post
	if create.Responses.Value("403") == nil || create.Responses.Value("409") == nil {
		t.Error("admin mutation should document 403 and 409")
	}

	del := doc.Paths.Value("/api/keys/{id}").Delete
	if r := del.Responses.Value("204"); r == nil || r.Value.Content != nil {
		t.Error("delete should document an empty 204")
	}
}

func TestDerivedFieldsDocumented(t *testing.T) {
	doc := generate(t)

	tests := []struct {
		schema, field string
		enumLen       int
	}{
		{"ServiceRoute", "healthStatus", 4},
		{"APIKey", "status", 3},
		{"RateLimit", "scope", 4},
	}
	for _, tt := range tests {
		s := doc.Components.Schemas[tt.schema]
		if s == nil {
			t.Fatalf("missing schema %s", tt.schema)
		}
		p := s.Value.Properties[tt.field]
		if p == nil {
			t.Errorf("%s missing %s", tt.schema, tt.field)
			continue
		}
		if len(p.Value.Enum) != tt.enumLen {
			t.Errorf("%s.%s enum = %v", tt.schema, tt.field, p.Value.Enum)
		}
	}

	user := doc.Components.Schemas["User"].Value
	if _, ok := user.Properties["passwordHash"]; ok {
		t.Error("User schema leaks the password hash")
	}
	if _, ok := user.Properties["email"]; !ok {
		t.Error("User schema missing email")
	}
	key := doc.Components.Schemas["APIKey"].Value
	if _, ok := key.Properties["keyHash"]; ok {
		t.Error("APIKey schema leaks the key hash")
	}
}

func TestListResponsesAreArrays(t *testing.T) {
	doc := generate(t)
	resp := doc.Paths.Value("/rate-limits").Get.Responses.Value("200").Value
	schema := resp.Content.Get("application/json").Schema.Value
	if !schema.Type.Is("array") {
		t.Fatalf("type = %v, want array", schema.Type)
	}
	if schema.Items.Ref != "#/components/schemas/RateLimit" {
		t.Errorf("items ref = %q", schema.Items.Ref)
	}
}
