package handler

import (
	"net/http"

	"github.com/tattty/keygate/internal/openapi"
)

// OpenAPIHandler serves the generated OpenAPI document.
type OpenAPIHandler struct {
	baseURL string
	version string
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, version string) *OpenAPIHandler {
	return &OpenAPIHandler{baseURL: baseURL, version: version}
}

// ServeSpec writes the OpenAPI document as JSON.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	doc := openapi.GenerateSpec(h.baseURL, h.version)
	writeJSON(w, http.StatusOK, doc)
}
