package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"healthboard/internal/cache"
	"healthboard/internal/domain"
	"healthboard/internal/engine"
	"healthboard/internal/repo"
	"healthboard/internal/upstream"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Audit serves /audit-events when set.
	Audit  *repo.Repo
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"upstream_unavailable"`
	Message string         `json:"message" example:"initial list fetch failed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"error\":\"status=503\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dashboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newRequestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Healthboard API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerCache(group, cfg.Engine)
	if cfg.Audit != nil {
		registerAudit(group, *cfg.Audit)
	}
	if err := registerOpenAPI(router, api, basePath, cfg.Auth); err != nil {
		return nil, err
	}

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
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, upstream.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, upstream.ErrMalformed):
		return newAPIError(http.StatusBadGateway, "upstream_malformed", msg, nil)
	case errors.Is(err, engine.ErrListFetch), errors.Is(err, upstream.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves a document rendered once, after every operation is
// registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	if auth.enabled() {
		applyAuthSecurity(oas)
	}
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("render openapi document: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

func allOperations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range allOperations(item) {
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

// applyAuthSecurity marks write operations as needing a bearer token.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>Healthboard API Docs</title>
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
  </body>
</html>`, specURL)
}

var readErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway, http.StatusInternalServerError}

var writeErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway, http.StatusInternalServerError}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
		if e.Cache != nil {
			resp.CacheEntries = e.Cache.Len()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "projects-table",
		Method:      http.MethodGet,
		Path:        "/projects-table",
		Summary:     "Project health table",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Manager string `query:"manager" doc:"Manager id or name substring"`
		Sort    string `query:"sort" enum:"idle,age,manager,number,status,title,due,communication" default:"idle"`
	}) (*struct {
		ETag string              `header:"ETag"`
		Body engine.ProjectTable `json:"body"`
	}, error) {
		table, err := e.BuildProjectTable(ctx, engine.ProjectFilter{Manager: input.Manager}, input.Sort)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ETag string              `header:"ETag"`
			Body engine.ProjectTable `json:"body"`
		}{ETag: table.ETag, Body: table}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-messages",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/messages",
		Summary:     "Threaded project messages",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID int `path:"id"`
	}) (*struct {
		Body engine.MessageThreadView `json:"body"`
	}, error) {
		view, err := e.ProjectMessages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MessageThreadView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-status",
		Method:      http.MethodPut,
		Path:        "/projects/{id}/status",
		Summary:     "Set a project's custom status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int                 `path:"id"`
		Body StatusUpdateRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if err := e.UpdateProjectStatus(ctx, input.ID, input.Body.StatusID); err != nil {
			return nil, handleError(err)
		}
		return writeOK("project status updated")
	})

	huma.Register(api, huma.Operation{
		OperationID: "status-options",
		Method:      http.MethodGet,
		Path:        "/status-options",
		Summary:     "Custom project statuses",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.StatusOption `json:"body"`
	}, error) {
		opts, err := e.StatusOptions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusOption `json:"body"`
		}{Body: opts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "team-members",
		Method:      http.MethodGet,
		Path:        "/team-members",
		Summary:     "Team managers",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TeamMember `json:"body"`
	}, error) {
		members, err := e.TeamMembers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TeamMember `json:"body"`
		}{Body: members}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/tasks",
		Summary:     "One page of a project's tasks",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID     int `path:"id"`
		Offset int `query:"offset" minimum:"0" default:"0"`
		Limit  int `query:"limit" minimum:"0" maximum:"200" default:"20"`
	}) (*struct {
		Body engine.TaskList `json:"body"`
	}, error) {
		list, err := e.BuildTaskList(ctx, input.ID, input.Offset, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskList `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-messages",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/messages",
		Summary:     "Task messages with provenance",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID int `path:"id"`
	}) (*struct {
		Body engine.TaskMessagesView `json:"body"`
	}, error) {
		view, err := e.TaskMessages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskMessagesView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-dates",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Change task start or due date",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int              `path:"id"`
		Body TaskDatesRequest `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if err := e.UpdateTaskDates(ctx, input.ID, input.Body.ProjectID, input.Body.StartDate, input.Body.DueDate); err != nil {
			return nil, handleError(err)
		}
		return writeOK("task dates updated")
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/complete",
		Summary:     "Mark a task complete",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int                  `path:"id"`
		Body *CompleteTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		var body CompleteTaskRequest
		if input.Body != nil {
			body = *input.Body
		}
		if err := e.SetTaskCompletion(ctx, input.ID, body.ProjectID, true, body.CompleteDate); err != nil {
			return nil, handleError(err)
		}
		return writeOK("task completed")
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/reactivate",
		Summary:     "Reopen a completed task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int                    `path:"id"`
		Body *ReactivateTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		projectID := 0
		if input.Body != nil {
			projectID = input.Body.ProjectID
		}
		if err := e.SetTaskCompletion(ctx, input.ID, projectID, false, ""); err != nil {
			return nil, handleError(err)
		}
		return writeOK("task reactivated")
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-requests",
		Method:      http.MethodGet,
		Path:        "/project-requests",
		Summary:     "Assignment queue",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RequestQueue `json:"body"`
	}, error) {
		q, err := e.AssignmentQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RequestQueue `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-project-request",
		Method:      http.MethodPut,
		Path:        "/project-requests/{id}/approve",
		Summary:     "Approve a project request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int            `path:"id"`
		Body map[string]any `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if err := e.ApproveRequest(ctx, input.ID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return writeOK("project request approved")
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-project-request",
		Method:      http.MethodPut,
		Path:        "/project-requests/{id}/decline",
		Summary:     "Decline a project request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int             `path:"id"`
		Body *DeclineRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		if err := e.DeclineRequest(ctx, input.ID, reason); err != nil {
			return nil, handleError(err)
		}
		return writeOK("project request declined")
	})
}

func registerCache(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cache-status",
		Method:      http.MethodGet,
		Path:        "/cache-status",
		Summary:     "Cache contents and hit rate",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" default:"100"`
	}) (*struct {
		Body cache.DebugSnapshot `json:"body"`
	}, error) {
		return &struct {
			Body cache.DebugSnapshot `json:"body"`
		}{Body: e.CacheDebugSnapshot(input.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-cache",
		Method:      http.MethodPost,
		Path:        "/cache/invalidate",
		Summary:     "Invalidate cache tags or clear the cache",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body InvalidateRequest `json:"body"`
	}) (*struct {
		Body InvalidateResponse `json:"body"`
	}, error) {
		if input.Body.All {
			return &struct {
				Body InvalidateResponse `json:"body"`
			}{Body: InvalidateResponse{Removed: e.ClearCache(), Cleared: true}}, nil
		}
		if len(input.Body.Tags) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tags or all is required", nil)
		}
		removed := e.InvalidateOnWrite(ctx, input.Body.Tags...)
		return &struct {
			Body InvalidateResponse `json:"body"`
		}{Body: InvalidateResponse{Removed: removed, Tags: input.Body.Tags}}, nil
	})
}

func registerAudit(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-events",
		Method:      http.MethodGet,
		Path:        "/audit-events",
		Summary:     "Recent writes sent upstream",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Action     string `query:"action"`
		EntityKind string `query:"entity_kind" enum:"project,task,project_request"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"1" maximum:"500" default:"50"`
	}) (*struct {
		Body []AuditEventResponse `json:"body"`
	}, error) {
		items, err := r.LatestEvents(ctx, input.Limit, repo.EventFilter{
			Action:     input.Action,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEventResponse `json:"body"`
		}{Body: auditEventResponses(items)}, nil
	})
}

func writeOK(msg string) (*struct {
	Body WriteResponse `json:"body"`
}, error) {
	return &struct {
		Body WriteResponse `json:"body"`
	}{Body: WriteResponse{Success: true, Message: msg}}, nil
}
