package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/engine/access"
	"bugline/internal/engine/lifecycle"
	"bugline/internal/migrate"
	"bugline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	Admin     engine.Principal
	Manager   engine.Principal
	Developer engine.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.BcryptCost = 4
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	env := testEnv{Engine: eng, Ctx: ctx}
	env.Admin = env.addUser(t, "admin1", domain.RoleAdmin)
	env.Manager = env.addUser(t, "manager1", domain.RoleManager)
	env.Developer = env.addUser(t, "dev1", domain.RoleDeveloper)
	return env
}

func (env testEnv) addUser(t *testing.T, username string, role domain.Role) engine.Principal {
	t.Helper()
	u, err := env.Engine.Register(env.Ctx, username, username+"@example.com", "Password1", role)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return engine.Principal{UserID: u.ID, Role: u.Role}
}

func (env testEnv) addProject(t *testing.T, name string) domain.Project {
	t.Helper()
	proj, err := env.Engine.CreateProject(env.Ctx, env.Manager, name, "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return proj
}

func (env testEnv) addIssue(t *testing.T, p engine.Principal, projectID string, priority domain.IssuePriority) domain.Issue {
	t.Helper()
	issue, err := env.Engine.CreateIssue(env.Ctx, p, engine.IssueCreateOptions{
		ProjectID: projectID,
		Title:     "Something broke",
		Priority:  priority,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return issue
}

func status(s domain.IssueStatus) *domain.IssueStatus { return &s }

func TestDeveloperCannotCreateProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, env.Developer, "nope", "")
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, env.Manager, "yep", ""); err != nil {
		t.Fatalf("manager create: %v", err)
	}
}

func TestIssueStatusPath(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityLow)

	for _, next := range []domain.IssueStatus{domain.StatusInProgress, domain.StatusResolved, domain.StatusClosed} {
		var err error
		issue, err = env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(next)})
		if err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
		if issue.Status != next {
			t.Fatalf("status = %s, want %s", issue.Status, next)
		}
	}
	// closed only reopens
	_, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusInProgress)})
	var invalid lifecycle.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusReopened)}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestCriticalCloseNeedsComment(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityCritical)

	for _, next := range []domain.IssueStatus{domain.StatusInProgress, domain.StatusResolved} {
		var err error
		issue, err = env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(next)})
		if err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	_, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusClosed)})
	var missing lifecycle.MissingCommentError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCommentError, got %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, env.Developer, issue.ID, "root cause: off by one"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	issue, err = env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusClosed)})
	if err != nil {
		t.Fatalf("close with comment: %v", err)
	}
	if issue.Status != domain.StatusClosed {
		t.Fatalf("status = %s, want closed", issue.Status)
	}
}

func TestEditIssueRequiresRelation(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityMedium)
	outsider := env.addUser(t, "dev2", domain.RoleDeveloper)

	title := "renamed"
	_, err := env.Engine.UpdateIssue(env.Ctx, outsider, issue.ID, engine.IssueUpdateOptions{Title: &title})
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	// reporter may edit
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Title: &title}); err != nil {
		t.Fatalf("reporter edit: %v", err)
	}
	// assignee may edit once assigned by the manager
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Manager, issue.ID, engine.IssueUpdateOptions{AssigneeID: &outsider.UserID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.UpdateIssue(env.Ctx, outsider, issue.ID, engine.IssueUpdateOptions{Title: &title}); err != nil {
		t.Fatalf("assignee edit: %v", err)
	}
}

func TestDeveloperCannotChangeAssignee(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityMedium)

	_, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{AssigneeID: &env.Developer.UserID})
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for reporter assignee change, got %v", err)
	}
}

func TestCommentEditAuthorOnly(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityMedium)
	c, err := env.Engine.AddComment(env.Ctx, env.Developer, issue.ID, "first")
	if err != nil {
		t.Fatal(err)
	}
	other := env.addUser(t, "dev2", domain.RoleDeveloper)
	_, err = env.Engine.EditComment(env.Ctx, other, c.ID, "hijack")
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	got, err := env.Engine.EditComment(env.Ctx, env.Developer, c.ID, "edited")
	if err != nil {
		t.Fatalf("author edit: %v", err)
	}
	if got.Content != "edited" {
		t.Fatalf("content = %q", got.Content)
	}
	// admin may edit anyone's comment
	if _, err := env.Engine.EditComment(env.Ctx, env.Admin, c.ID, "moderated"); err != nil {
		t.Fatalf("admin edit: %v", err)
	}
}

func TestArchivedProjectRejectsNewIssues(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "legacy")
	if _, err := env.Engine.ArchiveProject(env.Ctx, env.Manager, proj.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := env.Engine.CreateIssue(env.Ctx, env.Developer, engine.IssueCreateOptions{ProjectID: proj.ID, Title: "late"})
	if !errors.Is(err, engine.ErrProjectArchived) {
		t.Fatalf("expected ErrProjectArchived, got %v", err)
	}
	if _, err := env.Engine.UnarchiveProject(env.Ctx, env.Manager, proj.ID); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if _, err := env.Engine.CreateIssue(env.Ctx, env.Developer, engine.IssueCreateOptions{ProjectID: proj.ID, Title: "late"}); err != nil {
		t.Fatalf("create after unarchive: %v", err)
	}
}

func TestIssueTransitionsListing(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityMedium)
	_, next, err := env.Engine.IssueTransitions(env.Ctx, env.Developer, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0] != domain.StatusInProgress {
		t.Fatalf("transitions from open = %v", next)
	}
}

func TestListIssuesFilters(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	env.addIssue(t, env.Developer, proj.ID, domain.PriorityCritical)
	env.addIssue(t, env.Developer, proj.ID, domain.PriorityLow)

	items, total, err := env.Engine.ListIssues(env.Ctx, env.Developer, repo.IssueFilters{
		ProjectID: proj.ID,
		Priority:  domain.PriorityCritical,
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(items))
	}
	_, total, err = env.Engine.ListIssues(env.Ctx, env.Developer, repo.IssueFilters{ProjectID: proj.ID})
	if err != nil || total != 2 {
		t.Fatalf("total=%d err=%v, want 2", total, err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityLow)
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, issue.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types[typ] = true
	}
	if !types["issue.created"] || !types["issue.status_changed"] {
		t.Fatalf("missing audit events, got %v", types)
	}
}

func TestEmptyDescriptionsPersist(t *testing.T) {
	env := newTestEnv(t)
	proj, err := env.Engine.CreateProject(env.Ctx, env.Manager, "bare", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	issue, err := env.Engine.CreateIssue(env.Ctx, env.Developer, engine.IssueCreateOptions{
		ProjectID: proj.ID,
		Title:     "no details yet",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	// clearing an existing description must also stick
	empty := ""
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Description: &empty}); err != nil {
		t.Fatalf("clear description: %v", err)
	}
	got, err := env.Engine.GetIssue(env.Ctx, env.Developer, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "" {
		t.Fatalf("description = %q, want empty", got.Description)
	}
}

func TestDuplicateProjectNameRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, "Backend")
	_, err := env.Engine.CreateProject(env.Ctx, env.Manager, "Backend", "second")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "name" {
		t.Fatalf("expected ConflictError on name, got %v", err)
	}
	other := env.addProject(t, "Frontend")
	name := "Backend"
	_, err = env.Engine.UpdateProject(env.Ctx, env.Manager, other.ID, engine.ProjectUpdateOptions{Name: &name})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on rename, got %v", err)
	}
	// renaming to its own current name is a no-op, not a conflict
	same := "Frontend"
	if _, err := env.Engine.UpdateProject(env.Ctx, env.Manager, other.ID, engine.ProjectUpdateOptions{Name: &same}); err != nil {
		t.Fatalf("rename to same name: %v", err)
	}
}

func TestMarkdownSanitized(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	issue, err := env.Engine.CreateIssue(env.Ctx, env.Developer, engine.IssueCreateOptions{
		ProjectID:   proj.ID,
		Title:       "xss attempt",
		Description: `<p>steps</p><script>alert(1)</script>`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(issue.Description, "<script>") {
		t.Fatalf("script survived: %q", issue.Description)
	}
	if !strings.Contains(issue.Description, "<p>steps</p>") {
		t.Fatalf("safe markup stripped: %q", issue.Description)
	}
	c, err := env.Engine.AddComment(env.Ctx, env.Developer, issue.ID, `hello <img src=x onerror=alert(1)>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(c.Content, "onerror") {
		t.Fatalf("handler survived: %q", c.Content)
	}
	if !strings.Contains(c.Content, "hello") {
		t.Fatalf("text stripped: %q", c.Content)
	}
}

func TestProjectDetailCounts(t *testing.T) {
	env := newTestEnv(t)
	proj := env.addProject(t, "core")
	env.addIssue(t, env.Developer, proj.ID, domain.PriorityLow)
	issue := env.addIssue(t, env.Developer, proj.ID, domain.PriorityHigh)
	if _, err := env.Engine.UpdateIssue(env.Ctx, env.Developer, issue.ID, engine.IssueUpdateOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatal(err)
	}
	_, counts, err := env.Engine.ProjectDetail(env.Ctx, env.Developer, proj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusOpen] != 1 || counts[domain.StatusInProgress] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestListProjectsSorted(t *testing.T) {
	env := newTestEnv(t)
	env.addProject(t, "beta")
	env.addProject(t, "alpha")
	items, _, err := env.Engine.ListProjects(env.Ctx, env.Developer, repo.ProjectFilters{SortBy: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Name != "alpha" {
		t.Fatalf("name asc order wrong: %v", items)
	}
	items, _, err = env.Engine.ListProjects(env.Ctx, env.Developer, repo.ProjectFilters{SortBy: "name", SortDesc: true})
	if err != nil {
		t.Fatal(err)
	}
	if items[0].Name != "beta" {
		t.Fatalf("name desc order wrong: %v", items)
	}
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateUser(env.Ctx, env.Manager, env.Developer.UserID, engine.UserUpdateOptions{})
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for manager, got %v", err)
	}
	role := domain.RoleManager
	u, err := env.Engine.UpdateUser(env.Ctx, env.Admin, env.Developer.UserID, engine.UserUpdateOptions{Role: &role})
	if err != nil {
		t.Fatalf("admin promote: %v", err)
	}
	if u.Role != domain.RoleManager {
		t.Fatalf("role = %s", u.Role)
	}
}
