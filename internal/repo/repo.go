package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bugline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,name,description,created_by,is_archived,created_at,updated_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedBy, &p.IsArchived, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,created_by,is_archived,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.CreatedBy, p.IsArchived, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE name=?`, name))
}

type ProjectFilters struct {
	IncludeArchived bool
	Search          string
	SortBy          string
	SortDesc        bool
	Page            Page
}

var projectSortCols = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, int, error) {
	var clauses []string
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "is_archived=0")
	}
	if f.Search != "" {
		clauses = append(clauses, "(name LIKE ? OR description LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM projects `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := projectSortCols[f.SortBy]
	dir := "ASC"
	if order == "" {
		order, dir = "created_at", "DESC"
	} else if f.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM projects %s ORDER BY %s %s, id %s`, projectCols, where, order, dir, dir) + f.Page.clause()
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedBy, &p.IsArchived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		res = append(res, p)
	}
	return res, total, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?, description=?, is_archived=?, updated_at=? WHERE id=?`,
		p.Name, p.Description, p.IsArchived, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const issueCols = `id,project_id,title,description,status,priority,reporter_id,assignee_id,due_date,created_at,updated_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var assignee, due sql.NullString
	err := scan(&i.ID, &i.ProjectID, &i.Title, &i.Description, &i.Status, &i.Priority, &i.ReporterID, &assignee, &due, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if assignee.Valid {
		i.AssigneeID = &assignee.String
	}
	if due.Valid {
		i.DueDate = &due.String
	}
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,project_id,title,description,status,priority,reporter_id,assignee_id,due_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.Title, i.Description, i.Status, i.Priority, i.ReporterID,
		nullableStringPtr(i.AssigneeID), nullableStringPtr(i.DueDate), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	i, err := scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id).Scan)
	if err != nil {
		return i, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM comments WHERE issue_id=?`, id).Scan(&i.CommentCount)
	return i, err
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	i, err := scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id).Scan)
	if err != nil {
		return i, err
	}
	err = tx.QueryRowContext(ctx, `SELECT count(*) FROM comments WHERE issue_id=?`, id).Scan(&i.CommentCount)
	return i, err
}

type IssueFilters struct {
	ProjectID  string
	Status     domain.IssueStatus
	Priority   domain.IssuePriority
	AssigneeID string
	ReporterID string
	Search     string
	SortBy     string
	SortDesc   bool
	Page       Page
}

var issueSortCols = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"priority":   "CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END",
	"status":     "status",
	"title":      "title",
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, int, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ReporterID != "" {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	if f.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM issues `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := issueSortCols[f.SortBy]
	if order == "" {
		order = "created_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s, (SELECT count(*) FROM comments c WHERE c.issue_id=issues.id) AS comment_count FROM issues %s ORDER BY %s %s, id %s`,
		issueCols, where, order, dir, dir) + f.Page.clause()
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		var i domain.Issue
		var assignee, due sql.NullString
		if err := rows.Scan(&i.ID, &i.ProjectID, &i.Title, &i.Description, &i.Status, &i.Priority, &i.ReporterID, &assignee, &due, &i.CreatedAt, &i.UpdatedAt, &i.CommentCount); err != nil {
			return nil, 0, err
		}
		if assignee.Valid {
			i.AssigneeID = &assignee.String
		}
		if due.Valid {
			i.DueDate = &due.String
		}
		res = append(res, i)
	}
	return res, total, rows.Err()
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, status=?, priority=?, assignee_id=?, due_date=?, updated_at=? WHERE id=?`,
		i.Title, i.Description, i.Status, i.Priority, nullableStringPtr(i.AssigneeID), nullableStringPtr(i.DueDate), i.UpdatedAt, i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const commentCols = `id,issue_id,author_id,content,created_at,updated_at`

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,issue_id,author_id,content,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.IssueID, c.AuthorID, c.Content, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetComment(ctx context.Context, id string) (domain.Comment, error) {
	var c domain.Comment
	err := r.DB.QueryRowContext(ctx, `SELECT `+commentCols+` FROM comments WHERE id=?`, id).
		Scan(&c.ID, &c.IssueID, &c.AuthorID, &c.Content, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListComments(ctx context.Context, issueID string, page Page) ([]domain.Comment, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM comments WHERE issue_id=?`, issueID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + commentCols + ` FROM comments WHERE issue_id=? ORDER BY created_at ASC, id ASC` + page.clause()
	rows, err := r.DB.QueryContext(ctx, query, issueID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.AuthorID, &c.Content, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		res = append(res, c)
	}
	return res, total, rows.Err()
}

func (r Repo) UpdateComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	res, err := tx.ExecContext(ctx, `UPDATE comments SET content=?, updated_at=? WHERE id=?`, c.Content, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IssueHasComment reports whether at least one comment exists for the issue.
func (r Repo) IssueHasComment(ctx context.Context, tx *sql.Tx, issueID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM comments WHERE issue_id=?`, issueID).Scan(&n)
	return n > 0, err
}

func (r Repo) CountIssuesByStatus(ctx context.Context, projectID string) (map[domain.IssueStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.IssueStatus]int{}
	for rows.Next() {
		var status domain.IssueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// Page is 1-based offset pagination.
type Page struct {
	Number int
	Limit  int
}

// Normalize clamps page and limit into valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

// Pages returns the total page count for the given item total.
func (p Page) Pages(total int) int {
	if total == 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

func (p Page) clause() string {
	p = p.Normalize()
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, (p.Number-1)*p.Limit)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
