package api

import "net/http"

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the job API.
func buildOpenAPIDoc() map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	errorResp := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{"schema": ref("Error")},
			},
		}
	}

	paths := map[string]any{
		"/api/jobs/video": map[string]any{
			"post": map[string]any{
				"operationId": "submitVideo",
				"summary":     "Submit an image-to-video job",
				"tags":        []string{"jobs"},
				"security":    bearer,
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{"schema": ref("SubmitVideoRequest")},
					},
				},
				"responses": map[string]any{
					"202": map[string]any{
						"description": "Job accepted and processing",
						"content": map[string]any{
							"application/json": map[string]any{"schema": ref("SubmitResponse")},
						},
					},
					"400": errorResp("Bad request"),
					"401": errorResp("Missing or invalid token"),
					"403": errorResp("Insufficient scope"),
					"502": errorResp("Provider rejected the submission"),
				},
			},
		},
		"/api/history/{id}/status": map[string]any{
			"get": map[string]any{
				"operationId": "getJobStatus",
				"summary":     "Current status of a job",
				"tags":        []string{"jobs"},
				"security":    bearer,
				"parameters": []any{map[string]any{
					"name": "id", "in": "path", "required": true,
					"schema": map[string]any{"type": "string"},
				}},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Job status",
						"content": map[string]any{
							"application/json": map[string]any{"schema": ref("JobStatus")},
						},
					},
					"404": errorResp("Unknown job"),
				},
			},
		},
		"/api/events": map[string]any{
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent job events",
				"tags":        []string{"events"},
				"security":    bearer,
				"parameters": []any{map[string]any{
					"name": "history_id", "in": "query", "required": false,
					"schema": map[string]any{"type": "string"},
				}},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				},
			},
		},
	}

	str := map[string]any{"type": "string"}
	schemas := map[string]any{
		"Error": object(map[string]any{"error": str}, "error"),
		"SubmitVideoRequest": object(map[string]any{
			"userId":   str,
			"prompt":   str,
			"imageUrl": str,
			"model":    str,
			"duration": str,
		}, "userId", "imageUrl"),
		"SubmitResponse": object(map[string]any{
			"historyId": str,
			"status":    str,
		}, "historyId", "status"),
		"JobStatus": object(map[string]any{
			"status":        map[string]any{"type": "string", "enum": []string{"processing", "completed", "failed"}},
			"videoUrl":      str,
			"localVideoUrl": str,
			"generatedImageUrls": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": []string{"string", "null"}},
			},
			"seed":  map[string]any{"type": "integer"},
			"error": str,
		}, "status"),
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Refashion Gateway",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
