package api

import (
	"net/http"
	"strings"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every route.
func (s *Server) buildOpenAPIDoc() map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness probe",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	for _, rt := range s.routes() {
		operation := map[string]any{
			"operationId": strings.TrimPrefix(rt.path, "/"),
			"summary":     rt.summary,
			"tags":        []string{tagFor(rt.scopes)},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Bad request"},
				"401": map[string]any{"description": "Missing or invalid token"},
				"403": map[string]any{"description": "Insufficient scope"},
				"409": map[string]any{"description": "Conflicts with the loop state"},
			},
			"security":         []any{map[string]any{"BearerAuth": []string{}}},
			"x-laborch-scopes": rt.scopes,
		}
		if rt.method == http.MethodPost {
			operation["requestBody"] = map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
				},
			}
		}
		paths[rt.path] = map[string]any{strings.ToLower(rt.method): operation}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "laborch orchestrator",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func tagFor(scopes []string) string {
	if len(scopes) == 0 {
		return "misc"
	}
	resource, _, _ := strings.Cut(scopes[len(scopes)-1], ":")
	return resource
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.buildOpenAPIDoc())
}
