package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"clockline/internal/engine"
	"clockline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Issues fetches the external issue list for syncs. Nil disables the
	// sync endpoint and the background poller.
	Issues IssueFetcher
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"an entry is already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Clockline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors read as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Clockline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerTimer(group, cfg.Engine)
	registerEntries(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerSync(group, cfg.Engine, cfg.Issues)
	registerLog(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	startSyncPoller(cfg.Engine, cfg.Issues)

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
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", "an entry is already running", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoCrossover) {
		return newAPIError(http.StatusConflict, "no_crossover", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "future"),
		strings.Contains(lowered, "before start"),
		strings.Contains(lowered, "end before"),
		strings.Contains(lowered, "pick an active task"),
		strings.Contains(lowered, "still open"):
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
		return "validation_failed"
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Clockline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List clockable tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListActiveTasks(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create local task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		task, err := e.CreateTask(ctx, input.Body.Name, input.Body.Color, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerTimer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-timer",
		Method:      http.MethodGet,
		Path:        "/timer",
		Summary:     "Timer status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TimerResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		open, err := e.Recover(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := TimerResponse{State: "idle"}
		if open != nil {
			entry := entryResponse(*open, e.Now())
			resp.State = "running"
			resp.Entry = &entry
			resp.Seconds = entry.Seconds
		}
		return &struct {
			Body TimerResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-timer",
		Method:        http.MethodPost,
		Path:          "/timer/start",
		Summary:       "Start clocking a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body StartTimerRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.StartEntry(ctx, userID, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-timer",
		Method:      http.MethodPost,
		Path:        "/timer/stop",
		Summary:     "Stop the running entry",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body StopTimerRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.StopOpenEntry(ctx, userID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry, e.Now())}, nil
	})
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/entries",
		Summary:     "List own entries",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Day    string `query:"day"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EntryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{
			UserID: userID,
			Day:    input.Day,
			TaskID: input.TaskID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntryResponse `json:"body"`
		}{Body: mapEntries(entries, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entry",
		Method:      http.MethodPatch,
		Path:        "/entries/{id}",
		Summary:     "Edit an entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateEntryRequest `json:"body"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.UpdateEntry(ctx, engine.EntryUpdateOptions{
			ID:        input.ID,
			UserID:    userID,
			TaskID:    input.Body.TaskID,
			StartedAt: input.Body.StartedAt,
			EndedAt:   input.Body.EndedAt,
			Comment:   input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(entry, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entry",
		Method:      http.MethodDelete,
		Path:        "/entries/{id}",
		Summary:     "Delete an entry",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEntry(ctx, userID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-report",
		Method:      http.MethodGet,
		Path:        "/reports/daily/{day}",
		Summary:     "Daily report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Report(ctx, userID, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{
			Day:          rep.Day,
			TotalSeconds: rep.TotalSeconds,
			Lines:        rep.Lines,
			Entries:      mapEntries(rep.Entries, e.Now()),
		}}, nil
	})
}

func registerSync(api huma.API, e engine.Engine, issues IssueFetcher) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-issues",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Pull issues into the task catalog",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if issues == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue sync is not configured", nil)
		}
		team := ""
		if e.Config != nil {
			team = e.Config.Linear.Team
		}
		fetched, err := issues.Issues(ctx, team)
		if err != nil {
			return nil, newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
		}
		n, err := e.SyncIssues(ctx, fetched)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Synced: n}}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Audit log",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"50"`
		Type  string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, userID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// The raw key is shown once; only its hash is stored.
		raw, key, err := e.CreateAPIKey(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, key := range keys {
			out = append(out, APIKeyResponse{ID: key.ID, Name: key.Name, CreatedAt: key.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, key := range keys {
			if key.ID == input.ID {
				if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}
