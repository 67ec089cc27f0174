// Package access decides whether an actor may perform an action on a
// resource. Decisions depend on the actor's role and on the actor's derived
// relationship to the resource (owner, reporter, assignee, author), evaluated
// against a fixed rule table in priority order. The package is pure: no
// state, no I/O, safe for concurrent use.
package access

import (
	"fmt"

	"bugline/internal/domain"
)

// Action names one guarded operation.
type Action string

const (
	ViewProject    Action = "view_project"
	CreateProject  Action = "create_project"
	EditProject    Action = "edit_project"
	ArchiveProject Action = "archive_project"
	ViewIssue      Action = "view_issue"
	CreateIssue    Action = "create_issue"
	EditIssue      Action = "edit_issue"
	ChangeAssignee Action = "change_assignee"
	AddComment     Action = "add_comment"
	EditComment    Action = "edit_comment"
	ViewUsers      Action = "view_users"
	ManageUsers    Action = "manage_users"
)

// Relation labels how an actor relates to a resource.
type Relation string

const (
	RelOwner    Relation = "owner"
	RelReporter Relation = "reporter"
	RelAssignee Relation = "assignee"
	RelAuthor   Relation = "author"
)

// RelationSet is the set of relations between one actor and one resource.
type RelationSet map[Relation]struct{}

// Relations builds a set from the given labels.
func Relations(rels ...Relation) RelationSet {
	set := make(RelationSet, len(rels))
	for _, r := range rels {
		set[r] = struct{}{}
	}
	return set
}

// Has reports whether the set contains r. Nil sets contain nothing.
func (s RelationSet) Has(r Relation) bool {
	_, ok := s[r]
	return ok
}

// ForbiddenError indicates a denied action, for mapping to 403 at the edge.
type ForbiddenError struct {
	Action Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// openActions require authentication but no particular role or relationship.
var openActions = map[Action]bool{
	ViewProject: true,
	ViewIssue:   true,
	CreateIssue: true,
	AddComment:  true,
	ViewUsers:   true,
}

// Can evaluates the permission matrix. Rules apply in priority order, first
// match wins:
//
//  1. no role (unauthenticated) denies everything
//  2. admin allows everything
//  3. manager allows everything except user management
//  4. open actions allow any authenticated role
//  5. edit_issue requires the reporter or assignee relation
//  6. edit_comment requires the author relation
//  7. everything else (project mutation, assignee changes, user management)
//     is denied for developers regardless of relationship
//
// Can never errors; callers translate false into ForbiddenError.
func Can(role domain.Role, rel RelationSet, action Action) bool {
	if role == "" {
		return false
	}
	if role == domain.RoleAdmin {
		return true
	}
	if role == domain.RoleManager {
		return action != ManageUsers
	}
	if openActions[action] {
		return true
	}
	switch action {
	case EditIssue:
		return rel.Has(RelReporter) || rel.Has(RelAssignee)
	case EditComment:
		return rel.Has(RelAuthor)
	}
	return false
}

// IssueRelations derives the actor's relations to an issue.
func IssueRelations(issue domain.Issue, userID string) RelationSet {
	set := RelationSet{}
	if issue.ReporterID == userID {
		set[RelReporter] = struct{}{}
	}
	if issue.AssigneeID != nil && *issue.AssigneeID == userID {
		set[RelAssignee] = struct{}{}
	}
	return set
}

// ProjectRelations derives the actor's relations to a project.
func ProjectRelations(project domain.Project, userID string) RelationSet {
	set := RelationSet{}
	if project.CreatedBy == userID {
		set[RelOwner] = struct{}{}
	}
	return set
}

// CommentRelations derives the actor's relations to a comment.
func CommentRelations(comment domain.Comment, userID string) RelationSet {
	set := RelationSet{}
	if comment.AuthorID == userID {
		set[RelAuthor] = struct{}{}
	}
	return set
}
