package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bugline/internal/domain"
)

// Event types recorded in the audit trail.
const (
	UserRegistered      = "user.registered"
	UserUpdated         = "user.updated"
	UserDeactivated     = "user.deactivated"
	ProjectCreated      = "project.created"
	ProjectUpdated      = "project.updated"
	ProjectArchived     = "project.archived"
	ProjectUnarchived   = "project.unarchived"
	IssueCreated        = "issue.created"
	IssueUpdated        = "issue.updated"
	IssueStatusChanged  = "issue.status_changed"
	IssueAssigneeChange = "issue.assignee_changed"
	CommentAdded        = "comment.added"
	CommentEdited       = "comment.edited"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// ListFilter narrows the audit listing. Zero values mean no filter.
type ListFilter struct {
	ProjectID string
	Type      string
	AfterID   int64
	Limit     int
}

// List returns events newest last, starting after AfterID.
func (w Writer) List(ctx context.Context, f ListFilter) ([]domain.Event, error) {
	q := `SELECT id, ts, type, COALESCE(project_id,''), entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}
	q += ` ORDER BY id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestID returns the highest event id, or 0 when the table is empty.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(max(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
