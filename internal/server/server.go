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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wirline/internal/app"
	"wirline/internal/config"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/engine/acl"
	"wirline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"WIR is approved, operation requires recommended"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Wirline API.
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
	hcfg := huma.DefaultConfig("Wirline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerProjects(group, cfg.Engine)
	registerPermissions(group, cfg.Engine)
	registerMemberships(group, cfg.Engine)
	registerWirs(group, cfg.Engine)
	registerRunner(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	var pd acl.PermissionDeniedError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": pd.Action})
	}
	var am acl.AuthorMismatchError
	if errors.As(err, &am) {
		return newAPIError(http.StatusForbidden, "forbidden_author", err.Error(), map[string]any{"wir_id": am.WirID})
	}
	var st engine.InvalidStateTransitionError
	if errors.As(err, &st) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"current": st.Current, "expected": st.Expected,
		})
	}
	var ne engine.NoEligibleCandidateError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusUnprocessableEntity, "no_eligible_candidate", err.Error(), map[string]any{
			"date": ne.Date, "role": string(ne.Role),
		})
	}
	var mr engine.MissingRunnerRowError
	if errors.As(err, &mr) {
		return newAPIError(http.StatusNotFound, "runner_row_not_found", err.Error(), map[string]any{"item_id": mr.ItemID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// servesRole reports whether a candidate with the given acting role can fill
// the requested seat. A dual-capability member fills either seat; an empty
// filter matches everyone.
func servesRole(acting acl.ActingRole, want string) bool {
	switch want {
	case "":
		return true
	case "inspector":
		return acting == acl.RoleInspector || acting == acl.RoleInspectorAndHod
	case "hod":
		return acting == acl.RoleHod || acting == acl.RoleInspectorAndHod
	}
	return string(acting) == want
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Wirline API Docs</title>
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !auth.DevLoginEnabled {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := mintDevToken(auth.JWTSecret, input.Body.UserID, 12*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := app.CreateProject(ctx, e.Repo, input.Body.ID, nil, userID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		cfg.Project.ID = input.ProjectID
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := app.ImportConfig(ctx, e.Repo, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(&cfg)}, nil
	})
}

func registerPermissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "effective-permissions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/permissions/{subject}",
		Summary:     "Effective permissions for a user or role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Subject   string `path:"subject"`
		Date      string `query:"date"`
	}) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		date := e.NormalizeDate(input.Date)
		perms, err := e.EffectivePermissionsFor(ctx, input.ProjectID, input.Subject, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{
			Subject:     input.Subject,
			Date:        date,
			Permissions: perms,
			ActingRole:  acl.DeducePermissions(perms),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "eligibility",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/eligibility",
		Summary:     "Eligible acting candidates for a date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Date      string `query:"date"`
		Role      string `query:"role"`
	}) (*struct {
		Body []CandidateResponse `json:"body"`
	}, error) {
		candidates, err := e.EligibleCandidates(ctx, input.ProjectID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CandidateResponse, 0, len(candidates))
		for _, c := range candidates {
			if !servesRole(c.ActingRole, input.Role) {
				continue
			}
			res = append(res, CandidateResponse{UserID: c.UserID, ActingRole: c.ActingRole, Perms: c.Permissions})
		}
		return &struct {
			Body []CandidateResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-overrides",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/overrides/{user_id}",
		Summary:     "Get a user's override cells",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `path:"user_id"`
	}) (*struct {
		Body map[string]map[string]string `json:"body"`
	}, error) {
		matrix, err := e.Repo.OverrideMatrix(ctx, input.ProjectID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := map[string]map[string]string{}
		for mod, actions := range matrix {
			out[mod] = map[string]string{}
			for act, cell := range actions {
				out[mod][act] = cell.String()
			}
		}
		return &struct {
			Body map[string]map[string]string `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-overrides",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/overrides/{user_id}",
		Summary:     "Replace a user's override cells",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		UserID    string              `path:"user_id"`
		Body      PutOverridesRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Repo.ReplaceOverrides(ctx, input.ProjectID, input.UserID, input.Body.Cells); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMemberships(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-membership",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/memberships",
		Summary:       "Add a membership window",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateMembershipRequest `json:"body"`
	}) (*struct {
		Body MembershipResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and role are required", nil)
		}
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if !cfg.HasRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %s", input.Body.Role), nil)
		}
		for _, bound := range []*string{input.Body.ValidFrom, input.Body.ValidTo} {
			if bound == nil {
				continue
			}
			if _, err := time.Parse("2006-01-02", *bound); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "window bounds must be YYYY-MM-DD", nil)
			}
		}
		now := time.Now().UTC().Format(time.RFC3339)
		m := domain.MembershipWindow{
			ID:        uuid.New().String(),
			ProjectID: input.ProjectID,
			UserID:    input.Body.UserID,
			Role:      input.Body.Role,
			ValidFrom: input.Body.ValidFrom,
			ValidTo:   input.Body.ValidTo,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertMembership(ctx, m); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembershipResponse `json:"body"`
		}{Body: membershipResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-memberships",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/memberships",
		Summary:     "List membership windows",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Role      string `query:"role"`
		UserID    string `query:"user_id"`
	}) (*struct {
		Body []MembershipResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMemberships(ctx, input.ProjectID, input.Role, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MembershipResponse, 0, len(items))
		for _, m := range items {
			res = append(res, membershipResponse(m))
		}
		return &struct {
			Body []MembershipResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-membership",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/memberships/{id}",
		Summary:     "Remove a membership window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteMembership(ctx, input.ProjectID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWirs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "raise-wir",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/wirs",
		Summary:       "Raise a WIR draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      RaiseWirRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RaiseWir(ctx, input.ProjectID, userID, engine.WirCreateOptions{
			Title:        input.Body.Title,
			Discipline:   input.Body.Discipline,
			PlannedDate:  input.Body.PlannedDate,
			PlannedTime:  input.Body.PlannedTime,
			Location:     input.Body.Location,
			ChecklistIDs: input.Body.ChecklistIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-wirs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/wirs",
		Summary:     "List WIRs",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status"`
		Discipline  string `query:"discipline"`
		AuthorID    string `query:"author_id"`
		BallInCourt string `query:"ball_in_court"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedWirs `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListWirs(ctx, userID, repo.WirFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Discipline:      input.Discipline,
			AuthorID:        input.AuthorID,
			BallInCourt:     input.BallInCourt,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWirs{Items: []WirResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapWirs(items)
		return &struct {
			Body paginatedWirs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-wir",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/wirs/{id}",
		Summary:     "Get WIR",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWir(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "WIR not found in project", nil)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-wir",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/wirs/{id}",
		Summary:     "Update a draft WIR",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ID        string           `path:"id"`
		Body      UpdateWirRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpdateWir(ctx, input.ID, userID, engine.WirUpdateOptions{
			Title:        input.Body.Title,
			Discipline:   input.Body.Discipline,
			PlannedDate:  input.Body.PlannedDate,
			PlannedTime:  input.Body.PlannedTime,
			Location:     input.Body.Location,
			ChecklistIDs: input.Body.ChecklistIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-wir",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/wirs/{id}",
		Summary:     "Delete a draft WIR",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteWir(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-wir",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/submit",
		Summary:     "Dispatch and submit a WIR",
		Errors: []int{
			http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
			http.StatusConflict, http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ID        string           `path:"id"`
		Body      SubmitWirRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.InspectorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "inspector_id is required", nil)
		}
		w, err := e.Submit(ctx, input.ID, userID, input.Body.InspectorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recommend-wir",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/recommend",
		Summary:     "Recommend a submitted WIR",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Recommend(ctx, input.ID, userID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-wir",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/approve",
		Summary:     "Approve a recommended WIR",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Approve(ctx, input.ID, userID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-wir",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/reject",
		Summary:     "Reject a recommended WIR",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Reject(ctx, input.ID, userID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-wir",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/reschedule",
		Summary:     "Reschedule an in-flight WIR",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      RescheduleRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Reschedule(ctx, input.ID, userID, input.Body.PlannedDate, input.Body.PlannedTime, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wir-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/wirs/{id}/history",
		Summary:     "WIR audit trail",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: mapHistory(items)}, nil
	})
}

func registerRunner(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "wir-runner",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/wirs/{id}/runner",
		Summary:     "Runner checklist state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []RunnerItemResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.RunnerState(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunnerItemResponse `json:"body"`
		}{Body: mapRunnerItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-inspector-rows",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/runner/inspector",
		Summary:     "Save inspector checklist results",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      InspectorSaveRequest `json:"body"`
	}) (*struct {
		Body []RunnerItemResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.SaveInspectorRows(ctx, input.ID, userID, input.Body.Rows, input.Body.Recommendation)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunnerItemResponse `json:"body"`
		}{Body: mapRunnerItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-hod-row",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/runner/hod",
		Summary:     "Save a HOD remark on one row",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		ID        string        `path:"id"`
		Body      HodRowRequest `json:"body"`
	}) (*struct {
		Body RunnerItemResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.SaveHodRow(ctx, input.ID, userID, input.Body.ItemID, input.Body.Remark)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunnerItemResponse `json:"body"`
		}{Body: runnerItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-hod",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/wirs/{id}/runner/finalize",
		Summary:     "Record the HOD runner outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		ID        string             `path:"id"`
		Body      HodFinalizeRequest `json:"body"`
	}) (*struct {
		Body WirResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.FinalizeHod(ctx, input.ID, userID, input.Body.Outcome, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WirResponse `json:"body"`
		}{Body: wirResponse(w)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Recent event log",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		secret, err := repo.NewAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		k := domain.APIKey{
			ID:        uuid.New().String(),
			UserID:    userID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, userID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
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
