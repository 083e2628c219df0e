package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestOpenAPIDocumentCoversRoutes(t *testing.T) {
	var doc struct {
		OpenAPI string                    `yaml:"openapi"`
		Paths   map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openAPISpec, &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)

	routes := map[string]string{
		"/health":                    "get",
		"/materials/jobs":            "post",
		"/materials/{id}/status":     "get",
		"/materials/{id}/retry":      "post",
		"/materials/{id}/quiz":       "post",
		"/materials/{id}/flashcards": "post",
		"/materials/{id}/content":    "put",
		"/materials/{id}":            "delete",
	}
	for path, method := range routes {
		ops, ok := doc.Paths[path]
		if assert.True(t, ok, "missing path %s", path) {
			assert.Contains(t, ops, method, path)
		}
	}
	assert.Len(t, doc.Paths, len(routes))
}

func TestServeDocs(t *testing.T) {
	s := newTestServer(t)
	h := &Handler{}
	s.engine.GET("/api/docs", h.ServeSwaggerUI)
	s.engine.GET("/api/docs/openapi.yaml", h.ServeOpenAPISpec)

	w := s.do(t, http.MethodGet, "/api/docs", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger-ui")

	w = s.do(t, http.MethodGet, "/api/docs/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
}
