package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bugline/internal/config"
	"bugline/internal/domain"
	"bugline/internal/engine/access"
	"bugline/internal/engine/lifecycle"
	"bugline/internal/events"
	"bugline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Principal identifies the authenticated caller.
type Principal struct {
	UserID string
	Role   domain.Role
}

// ConflictError reports a uniqueness violation on a field.
type ConflictError struct {
	Field string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s already in use", e.Field)
}

var ErrProjectArchived = errors.New("project is archived")

func forbid(p Principal, rel access.RelationSet, action access.Action) error {
	if !access.Can(p.Role, rel, action) {
		return access.ForbiddenError{Action: action}
	}
	return nil
}

// --- projects ---

func (e Engine) CreateProject(ctx context.Context, p Principal, name, description string) (domain.Project, error) {
	if err := forbid(p, nil, access.CreateProject); err != nil {
		return domain.Project{}, err
	}
	if err := validateProjectName(name); err != nil {
		return domain.Project{}, err
	}
	if err := validateDescription(description); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.GetProjectByName(ctx, name); err == nil {
		return domain.Project{}, ConflictError{"name"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	now := e.nowStr()
	proj := domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedBy:   p.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, proj); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, proj.ID, "project", proj.ID, p.UserID, events.EventPayload{"name": proj.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return proj, nil
}

// ProjectUpdateOptions carries optional project mutations; nil means keep.
type ProjectUpdateOptions struct {
	Name        *string
	Description *string
}

func (e Engine) UpdateProject(ctx context.Context, p Principal, id string, opts ProjectUpdateOptions) (domain.Project, error) {
	proj, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return proj, err
	}
	if err := forbid(p, access.ProjectRelations(proj, p.UserID), access.EditProject); err != nil {
		return proj, err
	}
	if opts.Name != nil && *opts.Name != proj.Name {
		if err := validateProjectName(*opts.Name); err != nil {
			return proj, err
		}
		if _, err := e.Repo.GetProjectByName(ctx, *opts.Name); err == nil {
			return proj, ConflictError{"name"}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return proj, err
		}
		proj.Name = *opts.Name
	}
	if opts.Description != nil {
		if err := validateDescription(*opts.Description); err != nil {
			return proj, err
		}
		proj.Description = *opts.Description
	}
	proj.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return proj, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, proj); err != nil {
		return proj, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectUpdated, proj.ID, "project", proj.ID, p.UserID, events.EventPayload{"name": proj.Name}); err != nil {
		return proj, err
	}
	return proj, tx.Commit()
}

func (e Engine) setProjectArchived(ctx context.Context, p Principal, id string, archived bool, evtType string) (domain.Project, error) {
	proj, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return proj, err
	}
	if err := forbid(p, access.ProjectRelations(proj, p.UserID), access.ArchiveProject); err != nil {
		return proj, err
	}
	if proj.IsArchived == archived {
		return proj, nil
	}
	proj.IsArchived = archived
	proj.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return proj, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, proj); err != nil {
		return proj, err
	}
	if err := e.Events.Append(ctx, tx, evtType, proj.ID, "project", proj.ID, p.UserID, events.EventPayload{}); err != nil {
		return proj, err
	}
	return proj, tx.Commit()
}

// ArchiveProject soft-deletes a project; its issues stay readable.
func (e Engine) ArchiveProject(ctx context.Context, p Principal, id string) (domain.Project, error) {
	return e.setProjectArchived(ctx, p, id, true, events.ProjectArchived)
}

func (e Engine) UnarchiveProject(ctx context.Context, p Principal, id string) (domain.Project, error) {
	return e.setProjectArchived(ctx, p, id, false, events.ProjectUnarchived)
}

func (e Engine) GetProject(ctx context.Context, p Principal, id string) (domain.Project, error) {
	if err := forbid(p, nil, access.ViewProject); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}

// ProjectDetail returns a project together with its per-status issue counts.
func (e Engine) ProjectDetail(ctx context.Context, p Principal, id string) (domain.Project, map[domain.IssueStatus]int, error) {
	proj, err := e.GetProject(ctx, p, id)
	if err != nil {
		return proj, nil, err
	}
	counts, err := e.Repo.CountIssuesByStatus(ctx, id)
	return proj, counts, err
}

func (e Engine) ListProjects(ctx context.Context, p Principal, f repo.ProjectFilters) ([]domain.Project, int, error) {
	if err := forbid(p, nil, access.ViewProject); err != nil {
		return nil, 0, err
	}
	return e.Repo.ListProjects(ctx, f)
}

// --- issues ---

// IssueCreateOptions are parameters for opening a new issue.
type IssueCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	Priority    domain.IssuePriority
	AssigneeID  *string
	DueDate     *string
}

func (e Engine) CreateIssue(ctx context.Context, p Principal, opts IssueCreateOptions) (domain.Issue, error) {
	if err := forbid(p, nil, access.CreateIssue); err != nil {
		return domain.Issue{}, err
	}
	if err := validateIssueTitle(opts.Title); err != nil {
		return domain.Issue{}, err
	}
	if err := validateDescription(opts.Description); err != nil {
		return domain.Issue{}, err
	}
	opts.Description = sanitizeMarkdown(opts.Description)
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Issue{}, ValidationError{"priority", "unknown priority"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	proj, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Issue{}, err
	}
	if proj.IsArchived {
		return domain.Issue{}, ErrProjectArchived
	}
	if opts.AssigneeID != nil {
		if _, err := e.Repo.GetUserTx(ctx, tx, *opts.AssigneeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Issue{}, ValidationError{"assignee_id", "unknown user"}
			}
			return domain.Issue{}, err
		}
	}
	now := e.nowStr()
	issue := domain.Issue{
		ID:          uuid.New().String(),
		ProjectID:   proj.ID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusOpen,
		Priority:    opts.Priority,
		ReporterID:  p.UserID,
		AssigneeID:  opts.AssigneeID,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return issue, err
	}
	if err := e.Events.Append(ctx, tx, events.IssueCreated, issue.ProjectID, "issue", issue.ID, p.UserID, events.EventPayload{
		"title":    issue.Title,
		"priority": issue.Priority,
	}); err != nil {
		return issue, err
	}
	return issue, tx.Commit()
}

// IssueUpdateOptions carries optional issue mutations; nil means keep.
// AssigneeID distinguishes absent (nil) from clear (pointer to empty string).
type IssueUpdateOptions struct {
	Title       *string
	Description *string
	Priority    *domain.IssuePriority
	Status      *domain.IssueStatus
	AssigneeID  *string
	DueDate     *string
}

func (e Engine) UpdateIssue(ctx context.Context, p Principal, id string, opts IssueUpdateOptions) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return issue, err
	}
	rel := access.IssueRelations(issue, p.UserID)
	if err := forbid(p, rel, access.EditIssue); err != nil {
		return issue, err
	}
	original := issue

	if opts.Title != nil {
		if err := validateIssueTitle(*opts.Title); err != nil {
			return issue, err
		}
		issue.Title = *opts.Title
	}
	if opts.Description != nil {
		if err := validateDescription(*opts.Description); err != nil {
			return issue, err
		}
		issue.Description = sanitizeMarkdown(*opts.Description)
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return issue, ValidationError{"priority", "unknown priority"}
		}
		issue.Priority = *opts.Priority
	}
	if opts.DueDate != nil {
		if *opts.DueDate == "" {
			issue.DueDate = nil
		} else {
			issue.DueDate = opts.DueDate
		}
	}

	assigneeChanged := false
	if opts.AssigneeID != nil {
		if err := forbid(p, rel, access.ChangeAssignee); err != nil {
			return issue, err
		}
		if *opts.AssigneeID == "" {
			assigneeChanged = issue.AssigneeID != nil
			issue.AssigneeID = nil
		} else {
			if _, err := e.Repo.GetUserTx(ctx, tx, *opts.AssigneeID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return issue, ValidationError{"assignee_id", "unknown user"}
				}
				return issue, err
			}
			assigneeChanged = issue.AssigneeID == nil || *issue.AssigneeID != *opts.AssigneeID
			issue.AssigneeID = opts.AssigneeID
		}
	}

	statusChanged := false
	if opts.Status != nil && *opts.Status != issue.Status {
		if !opts.Status.Valid() {
			return issue, ValidationError{"status", "unknown status"}
		}
		hasComment := false
		if *opts.Status == domain.StatusClosed && issue.IsCritical() {
			hasComment, err = e.Repo.IssueHasComment(ctx, tx, issue.ID)
			if err != nil {
				return issue, err
			}
		}
		next, err := lifecycle.Transition(issue.Status, *opts.Status, issue.Priority, hasComment)
		if err != nil {
			return issue, err
		}
		issue.Status = next
		statusChanged = true
	}

	issue.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateIssue(ctx, tx, issue); err != nil {
		return issue, err
	}
	if statusChanged {
		if err := e.Events.Append(ctx, tx, events.IssueStatusChanged, issue.ProjectID, "issue", issue.ID, p.UserID, events.EventPayload{
			"from": original.Status,
			"to":   issue.Status,
		}); err != nil {
			return issue, err
		}
	}
	if assigneeChanged {
		if err := e.Events.Append(ctx, tx, events.IssueAssigneeChange, issue.ProjectID, "issue", issue.ID, p.UserID, events.EventPayload{
			"from": original.AssigneeID,
			"to":   issue.AssigneeID,
		}); err != nil {
			return issue, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.IssueUpdated, issue.ProjectID, "issue", issue.ID, p.UserID, events.EventPayload{}); err != nil {
		return issue, err
	}
	return issue, tx.Commit()
}

func (e Engine) GetIssue(ctx context.Context, p Principal, id string) (domain.Issue, error) {
	if err := forbid(p, nil, access.ViewIssue); err != nil {
		return domain.Issue{}, err
	}
	return e.Repo.GetIssue(ctx, id)
}

func (e Engine) ListIssues(ctx context.Context, p Principal, f repo.IssueFilters) ([]domain.Issue, int, error) {
	if err := forbid(p, nil, access.ViewIssue); err != nil {
		return nil, 0, err
	}
	if f.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, f.ProjectID); err != nil {
			return nil, 0, err
		}
	}
	return e.Repo.ListIssues(ctx, f)
}

// IssueTransitions returns the statuses reachable from the issue's current one.
func (e Engine) IssueTransitions(ctx context.Context, p Principal, id string) (domain.Issue, []domain.IssueStatus, error) {
	issue, err := e.GetIssue(ctx, p, id)
	if err != nil {
		return issue, nil, err
	}
	return issue, lifecycle.ValidTransitions(issue.Status), nil
}

// --- comments ---

func (e Engine) AddComment(ctx context.Context, p Principal, issueID, content string) (domain.Comment, error) {
	if err := forbid(p, nil, access.AddComment); err != nil {
		return domain.Comment{}, err
	}
	if err := validateCommentContent(content); err != nil {
		return domain.Comment{}, err
	}
	content = sanitizeMarkdown(content)
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Comment{}, err
	}
	now := e.nowStr()
	c := domain.Comment{
		ID:        uuid.New().String(),
		IssueID:   issue.ID,
		AuthorID:  p.UserID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.CommentAdded, issue.ProjectID, "comment", c.ID, p.UserID, events.EventPayload{"issue_id": issue.ID}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

func (e Engine) EditComment(ctx context.Context, p Principal, commentID, content string) (domain.Comment, error) {
	c, err := e.Repo.GetComment(ctx, commentID)
	if err != nil {
		return c, err
	}
	if err := forbid(p, access.CommentRelations(c, p.UserID), access.EditComment); err != nil {
		return c, err
	}
	if err := validateCommentContent(content); err != nil {
		return c, err
	}
	content = sanitizeMarkdown(content)
	issue, err := e.Repo.GetIssue(ctx, c.IssueID)
	if err != nil {
		return c, err
	}
	c.Content = content
	c.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.CommentEdited, issue.ProjectID, "comment", c.ID, p.UserID, events.EventPayload{"issue_id": issue.ID}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

func (e Engine) ListComments(ctx context.Context, p Principal, issueID string, page repo.Page) ([]domain.Comment, int, error) {
	if err := forbid(p, nil, access.ViewIssue); err != nil {
		return nil, 0, err
	}
	if _, err := e.Repo.GetIssue(ctx, issueID); err != nil {
		return nil, 0, err
	}
	return e.Repo.ListComments(ctx, issueID, page)
}

// --- users ---

func (e Engine) GetUser(ctx context.Context, p Principal, id string) (domain.User, error) {
	if err := forbid(p, nil, access.ViewUsers); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) ListUsers(ctx context.Context, p Principal, f repo.UserFilters) ([]domain.User, int, error) {
	if err := forbid(p, nil, access.ViewUsers); err != nil {
		return nil, 0, err
	}
	return e.Repo.ListUsers(ctx, f)
}

// UserUpdateOptions carries the admin-managed user fields.
type UserUpdateOptions struct {
	Role     *domain.Role
	IsActive *bool
}

func (e Engine) UpdateUser(ctx context.Context, p Principal, id string, opts UserUpdateOptions) (domain.User, error) {
	if err := forbid(p, nil, access.ManageUsers); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return u, err
	}
	deactivated := false
	if opts.Role != nil {
		if !opts.Role.Valid() {
			return u, ValidationError{"role", "unknown role"}
		}
		u.Role = *opts.Role
	}
	if opts.IsActive != nil {
		deactivated = u.IsActive && !*opts.IsActive
		u.IsActive = *opts.IsActive
	}
	u.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
		return u, err
	}
	evtType := events.UserUpdated
	if deactivated {
		// a deactivated account loses every open session
		if _, err := e.Repo.DeleteUserSessions(ctx, tx, u.ID); err != nil {
			return u, err
		}
		evtType = events.UserDeactivated
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "user", u.ID, p.UserID, events.EventPayload{"role": u.Role, "is_active": u.IsActive}); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// --- audit ---

func (e Engine) ListAudit(ctx context.Context, p Principal, f events.ListFilter) ([]domain.Event, error) {
	if p.Role != domain.RoleAdmin {
		return nil, access.ForbiddenError{Action: "view_audit"}
	}
	return e.Events.List(ctx, f)
}
