package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/engine/access"
	"bugline/internal/engine/lifecycle"
	"bugline/internal/events"
	"bugline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code      string         `json:"code" example:"INVALID_STATUS_TRANSITION"`
	Message   string         `json:"message" example:"cannot transition from closed to in_progress"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
	RequestID string         `json:"request_id,omitempty"`
}

// apiError is the error envelope returned on every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bugline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(context.Background(), status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(hctx huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		serr := newAPIError(context.Background(), status, "", msg, details)
		if ae, ok := serr.(*apiError); ok && hctx != nil {
			ae.Body.RequestID = hctx.Header(requestIDHeader)
		}
		return serr
	}

	limiter := newRateLimiter(0, time.Minute, cfg.Engine.Now)
	if cfg.Engine.Config != nil {
		limiter = newRateLimiter(cfg.Engine.Config.RateLimit.LoginPerMinute, time.Minute, cfg.Engine.Now)
	}

	router := chi.NewRouter()
	router.Use(newRequestIDMiddleware())
	router.Use(newSecurityHeadersMiddleware())
	router.Use(newMetricsMiddleware())
	router.Use(newAuthMiddleware(basePath, cfg.Engine))
	hcfg := huma.DefaultConfig("Bugline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Method(http.MethodGet, "/metrics", metricsHandler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, limiter)
	registerUsers(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)
	startAuthPurger(cfg.Engine)

	return router, nil
}

func newAPIError(ctx context.Context, status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestIDFromContext(ctx),
		},
	}
}

// handleError maps engine errors onto the envelope. Unknown errors become a
// generic 500; the detail goes to the server log, not the client.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(ctx, http.StatusForbidden, "AUTHORIZATION_ERROR", err.Error(), map[string]any{"action": string(fe.Action)})
	}
	var te lifecycle.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(ctx, http.StatusBadRequest, "INVALID_STATUS_TRANSITION", err.Error(), map[string]any{
			"from": string(te.From),
			"to":   string(te.To),
		})
	}
	var me lifecycle.MissingCommentError
	if errors.As(err, &me) {
		return newAPIError(ctx, http.StatusBadRequest, "BUSINESS_RULE_VIOLATION", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(ctx, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(ctx, http.StatusConflict, "CONFLICT_ERROR", err.Error(), map[string]any{"field": ce.Field})
	}
	var le engine.LockedError
	if errors.As(err, &le) {
		return newAPIError(ctx, http.StatusLocked, "ACCOUNT_LOCKED", err.Error(), map[string]any{"unlock_at": le.Until})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidCredentials),
		errors.Is(err, engine.ErrAccountInactive),
		errors.Is(err, engine.ErrTokenInvalid):
		return newAPIError(ctx, http.StatusUnauthorized, "AUTHENTICATION_ERROR", err.Error(), nil)
	case errors.Is(err, engine.ErrProjectArchived):
		return newAPIError(ctx, http.StatusBadRequest, "BUSINESS_RULE_VIOLATION", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(ctx, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	log.Printf("server: request %s: %v", requestIDFromContext(ctx), err)
	return newAPIError(ctx, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "AUTHENTICATION_ERROR"
	case http.StatusForbidden:
		return "AUTHORIZATION_ERROR"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT_ERROR"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	case http.StatusLocked:
		return "ACCOUNT_LOCKED"
	case http.StatusTooManyRequests:
		return "RATE_LIMIT_EXCEEDED"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerAuth(api huma.API, e engine.Engine, limiter *rateLimiter) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a new account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		role := input.Body.Role
		if role == "" {
			role = domain.RoleDeveloper
		}
		if role != domain.RoleDeveloper {
			// Only an authenticated admin can register managers or admins.
			p, ok := optionalPrincipal(ctx)
			if !ok || p.Role != domain.RoleAdmin {
				return nil, newAPIError(ctx, http.StatusForbidden, "AUTHORIZATION_ERROR", "only admins can assign roles", nil)
			}
		}
		u, err := e.Register(ctx, input.Body.Username, input.Body.Email, input.Body.Password, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in with username or email",
		Errors:      []int{http.StatusUnauthorized, http.StatusLocked, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if !limiter.Allow(clientIP(requestFromContext(ctx))) {
			loginsTotal.WithLabelValues(loginOutcomeLimited).Inc()
			return nil, newAPIError(ctx, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many login attempts, retry later", nil)
		}
		pair, user, err := e.Login(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			var le engine.LockedError
			if errors.As(err, &le) {
				loginsTotal.WithLabelValues(loginOutcomeLocked).Inc()
			} else {
				loginsTotal.WithLabelValues(loginOutcomeFailure).Inc()
			}
			return nil, handleError(ctx, err)
		}
		loginsTotal.WithLabelValues(loginOutcomeSuccess).Inc()
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			TokenResponse: tokenResponse(pair),
			User:          userResponse(user),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Rotate a refresh token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		pair, err := e.Refresh(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(pair)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "Revoke the current tokens",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LogoutRequest `json:"body"`
	}) (*struct{}, error) {
		claims, authErr := claimsFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Logout(ctx, claims, input.Body.RefreshToken); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout-all",
		Method:      http.MethodPost,
		Path:        "/auth/logout-all",
		Summary:     "Revoke every session of the current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			SessionsRevoked int64 `json:"sessions_revoked"`
		} `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.LogoutAll(ctx, p)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := &struct {
			Body struct {
				SessionsRevoked int64 `json:"sessions_revoked"`
			} `json:"body"`
		}{}
		out.Body.SessionsRevoked = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current account",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, p, p.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "change-password",
		Method:        http.MethodPost,
		Path:          "/auth/change-password",
		Summary:       "Change the current user's password",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ChangePasswordRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ChangePassword(ctx, p, input.Body.CurrentPassword, input.Body.NewPassword); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role     string `query:"role" enum:",developer,manager,admin"`
		IsActive string `query:"is_active" enum:",true,false"`
		Page     int    `query:"page" minimum:"1"`
		Limit    int    `query:"limit" minimum:"1" maximum:"100"`
	}) (*struct {
		Body UserListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.UserFilters{
			Role: domain.Role(input.Role),
			Page: repo.Page{Number: input.Page, Limit: input.Limit},
		}
		if input.IsActive != "" {
			active := input.IsActive == "true"
			f.Active = &active
		}
		items, total, err := e.ListUsers(ctx, p, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserListResponse `json:"body"`
		}{Body: UserListResponse{
			Items:    mapUsers(items),
			PageMeta: pageMeta(f.Page, total),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, p, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{user_id}",
		Summary:     "Update a user's role or active flag",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		Body   UpdateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUser(ctx, p, input.UserID, engine.UserUpdateOptions{
			Role:     input.Body.Role,
			IsActive: input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.CreateProject(ctx, p, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool   `query:"include_archived"`
		Search          string `query:"search"`
		SortBy          string `query:"sort_by" enum:",name,created_at,updated_at"`
		Order           string `query:"order" enum:",asc,desc"`
		Page            int    `query:"page" minimum:"1"`
		Limit           int    `query:"limit" minimum:"1" maximum:"100"`
	}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ProjectFilters{
			IncludeArchived: input.IncludeArchived,
			Search:          input.Search,
			SortBy:          input.SortBy,
			SortDesc:        input.Order == "desc",
			Page:            repo.Page{Number: input.Page, Limit: input.Limit},
		}
		items, total, err := e.ListProjects(ctx, p, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{
			Items:    mapProjects(items),
			PageMeta: pageMeta(f.Page, total),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectDetailResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, counts, err := e.ProjectDetail(ctx, p, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectDetailResponse `json:"body"`
		}{Body: projectDetailResponse(project, counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.UpdateProject(ctx, p, input.ProjectID, engine.ProjectUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "archive-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Archive project (soft delete)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.ArchiveProject(ctx, p, input.ProjectID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/unarchive",
		Summary:     "Unarchive project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, err := e.UnarchiveProject(ctx, p, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(project)}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues",
		Summary:     "List issues in a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status" enum:",open,in_progress,resolved,closed,reopened"`
		Priority   string `query:"priority" enum:",low,medium,high,critical"`
		AssigneeID string `query:"assignee_id"`
		ReporterID string `query:"reporter_id"`
		Search     string `query:"search"`
		SortBy     string `query:"sort_by" enum:",created_at,updated_at,priority,status,title"`
		Order      string `query:"order" enum:",asc,desc"`
		Page       int    `query:"page" minimum:"1"`
		Limit      int    `query:"limit" minimum:"1" maximum:"100"`
	}) (*struct {
		Body IssueListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.IssueFilters{
			ProjectID:  input.ProjectID,
			Status:     domain.IssueStatus(input.Status),
			Priority:   domain.IssuePriority(input.Priority),
			AssigneeID: input.AssigneeID,
			ReporterID: input.ReporterID,
			Search:     input.Search,
			SortBy:     input.SortBy,
			SortDesc:   input.Order == "desc",
			Page:       repo.Page{Number: input.Page, Limit: input.Limit},
		}
		items, total, err := e.ListIssues(ctx, p, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body IssueListResponse `json:"body"`
		}{Body: IssueListResponse{
			Items:    mapIssues(items),
			PageMeta: pageMeta(f.Page, total),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/issues",
		Summary:       "Report an issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.IssueCreateOptions{
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
		}
		if input.Body.AssigneeID != "" {
			opts.AssigneeID = &input.Body.AssigneeID
		}
		if input.Body.DueDate != "" {
			opts.DueDate = &input.Body.DueDate
		}
		issue, err := e.CreateIssue(ctx, p, opts)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.GetIssue(ctx, p, input.IssueID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{issue_id}",
		Summary:     "Update an issue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string             `path:"issue_id"`
		Body    UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.UpdateIssue(ctx, p, input.IssueID, engine.IssueUpdateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Status:      input.Body.Status,
			AssigneeID:  input.Body.AssigneeID,
			DueDate:     input.Body.DueDate,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-transitions",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/transitions",
		Summary:     "Valid status transitions for an issue",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, transitions, err := e.IssueTransitions(ctx, p, input.IssueID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{
			IssueID:       issue.ID,
			CurrentStatus: issue.Status,
			Transitions:   transitions,
		}}, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/comments",
		Summary:     "List comments on an issue",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
		Page    int    `query:"page" minimum:"1"`
		Limit   int    `query:"limit" minimum:"1" maximum:"100"`
	}) (*struct {
		Body CommentListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page := repo.Page{Number: input.Page, Limit: input.Limit}
		items, total, err := e.ListComments(ctx, p, input.IssueID, page)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body CommentListResponse `json:"body"`
		}{Body: CommentListResponse{
			Items:    mapComments(items),
			PageMeta: pageMeta(page, total),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/issues/{issue_id}/comments",
		Summary:       "Comment on an issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		IssueID string         `path:"issue_id"`
		Body    CommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment, err := e.AddComment(ctx, p, input.IssueID, input.Body.Content)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(comment)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-comment",
		Method:      http.MethodPatch,
		Path:        "/comments/{comment_id}",
		Summary:     "Edit a comment",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CommentID string         `path:"comment_id"`
		Body      CommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment, err := e.EditComment(ctx, p, input.CommentID, input.Body.Content)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(comment)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body struct {
			Items []EventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		evts, err := e.ListAudit(ctx, p, events.ListFilter{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			AfterID:   input.After,
			Limit:     limit,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := &struct {
			Body struct {
				Items []EventResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapEvents(evts)
		return out, nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Bugline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
