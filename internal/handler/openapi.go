package handler

import (
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/nexusgate/nexusgate/internal/openapi"
)

// OpenAPIHandler serves the generated OpenAPI document. The document is built
// once on first request since the REST surface is fixed at compile time.
type OpenAPIHandler struct {
	baseURL string
	version string

	once sync.Once
	doc  *openapi3.T
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, version string) *OpenAPIHandler {
	return &OpenAPIHandler{baseURL: baseURL, version: version}
}

// ServeSpec returns the OpenAPI 3.0 document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.doc, h.err = openapi.Generate(h.baseURL, h.version)
	})
	if h.err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to generate OpenAPI document: "+h.err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.doc)
}
