package server

import (
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/repo"
)

type RegisterRequest struct {
	Username string      `json:"username" minLength:"3" maxLength:"50" example:"alice"`
	Email    string      `json:"email" format:"email" example:"alice@example.com"`
	Password string      `json:"password" minLength:"8" example:"Sup3rSecret"`
	Role     domain.Role `json:"role,omitempty" enum:"developer,manager,admin"`
}

type LoginRequest struct {
	Username string `json:"username" example:"alice"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" minLength:"8"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type" example:"bearer"`
	ExpiresIn    int    `json:"expires_in" example:"900"`
}

type LoginResponse struct {
	TokenResponse
	User UserResponse `json:"user"`
}

type UserResponse struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role" enum:"developer,manager,admin"`
	IsActive  bool        `json:"is_active"`
	LastLogin *string     `json:"last_login,omitempty" format:"date-time"`
	CreatedAt string      `json:"created_at" format:"date-time"`
	UpdatedAt string      `json:"updated_at" format:"date-time"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type UpdateUserRequest struct {
	Role     *domain.Role `json:"role,omitempty" enum:"developer,manager,admin"`
	IsActive *bool        `json:"is_active,omitempty"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"100"`
	Description string `json:"description,omitempty" maxLength:"5000"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" maxLength:"100"`
	Description *string `json:"description,omitempty" maxLength:"5000"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	IsArchived  bool   `json:"is_archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedBy:   p.CreatedBy,
		IsArchived:  p.IsArchived,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ProjectDetailResponse extends the project body with per-status issue
// totals; statuses with no issues are omitted.
type ProjectDetailResponse struct {
	ProjectResponse
	IssueCounts map[string]int `json:"issue_counts" jsonschema:"type=object,additionalProperties=true"`
}

func projectDetailResponse(p domain.Project, counts map[domain.IssueStatus]int) ProjectDetailResponse {
	out := ProjectDetailResponse{
		ProjectResponse: projectResponse(p),
		IssueCounts:     make(map[string]int, len(counts)),
	}
	for status, n := range counts {
		out.IssueCounts[string(status)] = n
	}
	return out
}

type CreateIssueRequest struct {
	Title       string               `json:"title" minLength:"1" maxLength:"200"`
	Description string               `json:"description,omitempty" maxLength:"5000"`
	Priority    domain.IssuePriority `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID  string               `json:"assignee_id,omitempty"`
	DueDate     string               `json:"due_date,omitempty" format:"date"`
}

type UpdateIssueRequest struct {
	Title       *string               `json:"title,omitempty" maxLength:"200"`
	Description *string               `json:"description,omitempty" maxLength:"5000"`
	Priority    *domain.IssuePriority `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Status      *domain.IssueStatus   `json:"status,omitempty" enum:"open,in_progress,resolved,closed,reopened"`
	AssigneeID  *string               `json:"assignee_id,omitempty"`
	DueDate     *string               `json:"due_date,omitempty" format:"date"`
}

type IssueResponse struct {
	ID           string               `json:"id"`
	ProjectID    string               `json:"project_id"`
	Title        string               `json:"title"`
	Description  string               `json:"description,omitempty"`
	Status       domain.IssueStatus   `json:"status" enum:"open,in_progress,resolved,closed,reopened"`
	Priority     domain.IssuePriority `json:"priority" enum:"low,medium,high,critical"`
	ReporterID   string               `json:"reporter_id"`
	AssigneeID   *string              `json:"assignee_id,omitempty"`
	DueDate      *string              `json:"due_date,omitempty" format:"date"`
	CommentCount int                  `json:"comment_count"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	UpdatedAt    string               `json:"updated_at" format:"date-time"`
}

func issueResponse(i domain.Issue) IssueResponse {
	return IssueResponse{
		ID:           i.ID,
		ProjectID:    i.ProjectID,
		Title:        i.Title,
		Description:  i.Description,
		Status:       i.Status,
		Priority:     i.Priority,
		ReporterID:   i.ReporterID,
		AssigneeID:   i.AssigneeID,
		DueDate:      i.DueDate,
		CommentCount: i.CommentCount,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

type TransitionsResponse struct {
	IssueID       string               `json:"issue_id"`
	CurrentStatus domain.IssueStatus   `json:"current_status"`
	Transitions   []domain.IssueStatus `json:"valid_transitions"`
}

type CommentRequest struct {
	Content string `json:"content" minLength:"1" maxLength:"2000"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	IssueID   string `json:"issue_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:        c.ID,
		IssueID:   c.IssueID,
		AuthorID:  c.AuthorID,
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

// PageMeta is the pagination envelope shared by all list responses.
type PageMeta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

func pageMeta(page repo.Page, total int) PageMeta {
	page = page.Normalize()
	return PageMeta{
		Total: total,
		Page:  page.Number,
		Limit: page.Limit,
		Pages: page.Pages(total),
	}
}

type UserListResponse struct {
	Items []UserResponse `json:"items"`
	PageMeta
}

type ProjectListResponse struct {
	Items []ProjectResponse `json:"items"`
	PageMeta
}

type IssueListResponse struct {
	Items []IssueResponse `json:"items"`
	PageMeta
}

type CommentListResponse struct {
	Items []CommentResponse `json:"items"`
	PageMeta
}

func mapUsers(users []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse(u))
	}
	return out
}

func mapProjects(projects []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectResponse(p))
	}
	return out
}

func mapIssues(issues []domain.Issue) []IssueResponse {
	out := make([]IssueResponse, 0, len(issues))
	for _, i := range issues {
		out = append(out, issueResponse(i))
	}
	return out
}

func mapComments(comments []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentResponse(c))
	}
	return out
}

func mapEvents(evts []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, eventResponse(e))
	}
	return out
}

func tokenResponse(pair engine.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
	}
}
