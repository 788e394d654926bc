package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/repo"
	"reportline/internal/syncer"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sync     *syncer.Syncer
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict_exists"`
	Message string         `json:"message" example:"conflicting live submission exists"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reportline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reportline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerSyncStatus(group, cfg.Engine, cfg.Sync)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

// handleError maps domain errors onto the API envelope. Invalid transitions
// and triple conflicts get distinct codes so callers can tell "wrong state"
// apart from "already claimed elsewhere".
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict_exists"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ministries",
		Method:      http.MethodGet,
		Path:        "/ministries",
		Summary:     "List ministries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Ministry `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMinistries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Ministry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commitment-lines",
		Method:      http.MethodGet,
		Path:        "/commitment-lines",
		Summary:     "List commitment lines",
	}, func(ctx context.Context, input *struct {
		MinistryID string `query:"ministry_id"`
	}) (*struct {
		Body []domain.CommitmentLine `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCommitmentLines(ctx, input.MinistryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CommitmentLine `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-indicators",
		Method:      http.MethodGet,
		Path:        "/indicators",
		Summary:     "List indicators",
	}, func(ctx context.Context, input *struct {
		CommitmentLineID string `query:"commitment_line_id"`
	}) (*struct {
		Body []domain.Indicator `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListIndicators(ctx, input.CommitmentLineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Indicator `json:"body"`
		}{Body: items}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Create a draft submission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if authErr := requireMinistryScope(p, input.Body.MinistryID); authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmissionCreateOptions{
			MinistryID:       input.Body.MinistryID,
			CommitmentLineID: input.Body.CommitmentLineID,
			IndicatorID:      input.Body.IndicatorID,
			Period:           input.Body.Period,
			Value:            input.Body.Value,
			Target:           input.Body.Target,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Unit != nil {
			opts.Unit = *input.Body.Unit
		}
		if input.Body.Source != nil {
			opts.Source = *input.Body.Source
		}
		if input.Body.Responsible != nil {
			opts.Responsible = *input.Body.Responsible
		}
		if input.Body.ResponsibleEmail != nil {
			opts.ResponsibleEmail = *input.Body.ResponsibleEmail
		}
		if input.Body.Notes != nil {
			opts.Notes = *input.Body.Notes
		}
		s, err := e.Create(ctx, opts, p.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List submissions",
	}, func(ctx context.Context, input *struct {
		MinistryID  string `query:"ministry_id"`
		IndicatorID string `query:"indicator_id"`
		Period      string `query:"period"`
		State       string `query:"state" enum:"draft,pending,validated,observed,rejected"`
	}) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filter := repo.SubmissionFilter{
			MinistryID:  input.MinistryID,
			IndicatorID: input.IndicatorID,
			Period:      input.Period,
			State:       input.State,
		}
		if !p.Reviewer && p.MinistryID != "" {
			filter.MinistryID = p.MinistryID
		}
		items, err := e.Repo.ListSubmissions(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSubmission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := requireMinistryScope(p, s.MinistryID); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-submission",
		Method:      http.MethodPatch,
		Path:        "/submissions/{id}",
		Summary:     "Edit a draft or observed submission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body EditSubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.SubmissionEditOptions{
			Period:           input.Body.Period,
			Value:            input.Body.Value,
			Unit:             input.Body.Unit,
			Target:           input.Body.Target,
			ClearTarget:      input.Body.ClearTarget,
			Source:           input.Body.Source,
			Responsible:      input.Body.Responsible,
			ResponsibleEmail: input.Body.ResponsibleEmail,
			Notes:            input.Body.Notes,
		}
		s, err := e.Edit(ctx, input.ID, p.Actor(), patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-submission",
		Method:      http.MethodDelete,
		Path:        "/submissions/{id}",
		Summary:     "Delete a draft (owner) or pending (reviewer) submission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.ID, p.Actor()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/submit",
		Summary:     "Submit for review, claiming the (indicator, period, ministry) triple",
		Errors: []int{
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Submit(ctx, input.ID, p.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/review",
		Summary:     "Apply a reviewer decision to a pending submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireReviewer(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Review(ctx, input.ID, p.Actor(), input.Body.Decision, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-submission-published",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/published",
		Summary:     "Flip external visibility of a validated submission",
		Description: "Replication to the reporting store runs out of band; check the sync status endpoint for its outcome.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SetPublishedRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		p, authErr := requireReviewer(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetPublished(ctx, input.ID, p.Actor(), input.Body.Published)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})
}

func registerSyncStatus(api huma.API, e engine.Engine, s *syncer.Syncer) {
	huma.Register(api, huma.Operation{
		OperationID: "get-sync-status",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}/sync",
		Summary:     "Last replication attempt and external row presence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.SyncStatus `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetSubmission(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		st, err := s.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit trail",
	}, func(ctx context.Context, input *struct {
		ObjectID string `query:"object_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, limit, input.ObjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Reportline API Docs</title>
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
