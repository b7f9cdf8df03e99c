package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lexline/internal/domain"
	"lexline/internal/engine"
	"lexline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"batch_running"`
	Message string         `json:"message" example:"publication already running for this period"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"period\":\"2026-07\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lexline admin API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Lexline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerSources(group, cfg.Engine)
	registerIngest(group, cfg.Engine)
	registerUpdates(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerRoutings(group, cfg.Engine)
	registerPublish(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrBatchRunning) {
		return newAPIError(http.StatusConflict, "batch_running", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "already"),
		strings.Contains(lowered, "still open"),
		strings.Contains(lowered, "itself"),
		strings.Contains(lowered, "only pending_review"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lexline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		report, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-catalog",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Sync configured sources and templates into the store",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SyncResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SyncCatalog(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sources",
		Method:      http.MethodGet,
		Path:        "/sources",
		Summary:     "List sources",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Enabled bool `query:"enabled" doc:"Only enabled sources"`
	}) (*struct {
		Body []SourceResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSources(ctx, input.Enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SourceResponse `json:"body"`
		}{Body: mapSources(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-source",
		Method:      http.MethodGet,
		Path:        "/sources/{source_id}",
		Summary:     "Get source",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SourceID string `path:"source_id"`
	}) (*struct {
		Body SourceResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSource(ctx, input.SourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SourceResponse `json:"body"`
		}{Body: sourceResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enable-source",
		Method:      http.MethodPost,
		Path:        "/sources/{source_id}/enable",
		Summary:     "Enable or disable source",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SourceID string              `path:"source_id"`
		Body     EnableSourceRequest `json:"body"`
	}) (*struct {
		Body SourceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSourceEnabled(ctx, input.SourceID, input.Body.Enabled, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SourceResponse `json:"body"`
		}{Body: sourceResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-source-runs",
		Method:      http.MethodGet,
		Path:        "/sources/{source_id}/runs",
		Summary:     "List source runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SourceID string `path:"source_id"`
		Limit    int    `query:"limit" default:"20"`
	}) (*struct {
		Body []SourceRunResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSource(ctx, input.SourceID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, input.SourceID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SourceRunResponse `json:"body"`
		}{Body: mapSourceRuns(runs)}, nil
	})
}

func registerIngest(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-ingest",
		Method:      http.MethodPost,
		Path:        "/ingest/run",
		Summary:     "Run ingestion across enabled sources",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body engine.IngestResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunIngest(ctx, engine.IngestOptions{
			SourceIDs:     input.Body.SourceIDs,
			States:        input.Body.States,
			Topics:        input.Body.Topics,
			IncludeTribal: input.Body.IncludeTribal,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IngestResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerUpdates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-updates",
		Method:      http.MethodGet,
		Path:        "/updates",
		Summary:     "List normalized updates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SourceID  string `query:"source_id"`
		Topic     string `query:"topic"`
		Level     string `query:"level" enum:"federal,state,tribal,local,"`
		State     string `query:"state"`
		Processed string `query:"processed" enum:"true,false,"`
		Duplicate string `query:"duplicate" enum:"true,false,"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedUpdates `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		processed, err := parseBoolFilter(input.Processed)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid processed filter", map[string]any{"processed": input.Processed})
		}
		duplicate, err := parseBoolFilter(input.Duplicate)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid duplicate filter", map[string]any{"duplicate": input.Duplicate})
		}
		filter := repo.UpdateFilters{
			SourceID:        input.SourceID,
			Topic:           input.Topic,
			Level:           input.Level,
			State:           input.State,
			Processed:       processed,
			Duplicate:       duplicate,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		updates, err := e.Repo.ListUpdates(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedUpdates{Items: []UpdateResponse{}}
		if len(updates) > limit {
			updates = updates[:limit]
			last := updates[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapUpdates(updates)
		return &struct {
			Body paginatedUpdates `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-update",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}",
		Summary:     "Get update",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		u, err := e.Repo.GetUpdate(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: updateResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-update-duplicate",
		Method:      http.MethodPost,
		Path:        "/updates/{update_id}/duplicate",
		Summary:     "Mark update as duplicate of a canonical update",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		UpdateID string               `path:"update_id"`
		Body     MarkDuplicateRequest `json:"body"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.CanonicalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "canonical_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.MarkDuplicate(ctx, input.UpdateID, input.Body.CanonicalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: updateResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-update-templates",
		Method:      http.MethodGet,
		Path:        "/updates/{update_id}/templates",
		Summary:     "Preview templates affected by an update",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UpdateID string `path:"update_id"`
	}) (*struct {
		Body struct {
			TemplateIDs []string `json:"template_ids"`
		} `json:"body"`
	}, error) {
		u, err := e.Repo.GetUpdate(ctx, input.UpdateID)
		if err != nil {
			return nil, handleError(err)
		}
		ids, err := e.AffectedTemplates(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		out := &struct {
			Body struct {
				TemplateIDs []string `json:"template_ids"`
			} `json:"body"`
		}{}
		out.Body.TemplateIDs = ids
		return out, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only active templates"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: mapTemplates(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-template-routings",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/routings",
		Summary:     "List routing rules for a template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body []RoutingResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTemplate(ctx, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRoutings(ctx, repo.RoutingFilters{TemplateID: input.TemplateID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoutingResponse `json:"body"`
		}{Body: mapRoutings(items)}, nil
	})
}

func registerRoutings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "seed-routings",
		Method:      http.MethodPost,
		Path:        "/routings/seed",
		Summary:     "Seed routing rules from template categories",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SeedResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SeedRoutings(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SeedResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-routings",
		Method:      http.MethodGet,
		Path:        "/routings",
		Summary:     "List routing rules",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TemplateID string `query:"template_id"`
		Topic      string `query:"topic"`
		Active     bool   `query:"active" doc:"Only active routings"`
	}) (*struct {
		Body []RoutingResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoutings(ctx, repo.RoutingFilters{
			TemplateID: input.TemplateID,
			Topic:      input.Topic,
			ActiveOnly: input.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoutingResponse `json:"body"`
		}{Body: mapRoutings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-routing-active",
		Method:      http.MethodPost,
		Path:        "/routings/{routing_id}/active",
		Summary:     "Activate or deactivate a routing rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RoutingID string                  `path:"routing_id"`
		Body      SetRoutingActiveRequest `json:"body"`
	}) (*struct {
		Body RoutingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := e.Repo.SetRoutingActive(ctx, input.RoutingID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		rt, err := e.Repo.GetRouting(ctx, input.RoutingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoutingResponse `json:"body"`
		}{Body: routingResponse(rt)}, nil
	})
}

func registerPublish(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-publish",
		Method:      http.MethodPost,
		Path:        "/publish/run",
		Summary:     "Run a publication batch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body engine.PublishResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunPublish(ctx, engine.PublishOptions{
			Period:  input.Body.Period,
			Type:    domain.BatchType(input.Body.Type),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PublishResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List publication batches",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListBatches(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: mapBatches(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/complete",
		Summary:     "Complete a reviewed batch",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
		Force   bool   `query:"force"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CompleteBatch(ctx, input.BatchID, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-review",
		Method:      http.MethodGet,
		Path:        "/review",
		Summary:     "List review queue",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,in_review,approved,rejected,published,"`
		TemplateID string `query:"template_id"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedReviews `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListReviews(ctx, repo.ReviewFilters{
			Status:          input.Status,
			TemplateID:      input.TemplateID,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedReviews{Items: []ReviewItemResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapReviews(items)
		return &struct {
			Body paginatedReviews `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/review/{review_id}",
		Summary:     "Get review item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReviewID string `path:"review_id"`
	}) (*struct {
		Body ReviewItemResponse `json:"body"`
	}, error) {
		item, err := e.Repo.GetReview(ctx, input.ReviewID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewItemResponse `json:"body"`
		}{Body: reviewResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-review",
		Method:      http.MethodPost,
		Path:        "/review/{review_id}/assign",
		Summary:     "Assign review item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReviewID string              `path:"review_id"`
		Body     AssignReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.AssignReview(ctx, input.ReviewID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewItemResponse `json:"body"`
		}{Body: reviewResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-review",
		Method:      http.MethodPost,
		Path:        "/review/{review_id}/transition",
		Summary:     "Transition review item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ReviewID string                  `path:"review_id"`
		Force    bool                    `query:"force"`
		Body     TransitionReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReviewTransitionOptions{
			ID:      input.ReviewID,
			Status:  domain.ReviewStatus(input.Body.Status),
			ActorID: actorID,
			Force:   input.Force,
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		if input.Body.ApprovedChanges != nil {
			data, err := json.Marshal(input.Body.ApprovedChanges)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid approved_changes", map[string]any{"error": err.Error()})
			}
			opts.ApprovedChanges = string(data)
		}
		item, err := e.TransitionReview(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewItemResponse `json:"body"`
		}{Body: reviewResponse(item)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.EventsAfter(ctx, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseBoolFilter(in string) (*bool, error) {
	if in == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(in)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
