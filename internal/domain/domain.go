package domain

// Role is the single role attached to a user account.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleManager   Role = "manager"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	StatusOpen       IssueStatus = "open"
	StatusInProgress IssueStatus = "in_progress"
	StatusResolved   IssueStatus = "resolved"
	StatusClosed     IssueStatus = "closed"
	StatusReopened   IssueStatus = "reopened"
)

func (s IssueStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed, StatusReopened:
		return true
	}
	return false
}

// IssuePriority orders issues by urgency.
type IssuePriority string

const (
	PriorityLow      IssuePriority = "low"
	PriorityMedium   IssuePriority = "medium"
	PriorityHigh     IssuePriority = "high"
	PriorityCritical IssuePriority = "critical"
)

func (p IssuePriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type User struct {
	ID                  string  `json:"id"`
	Username            string  `json:"username"`
	Email               string  `json:"email"`
	PasswordHash        string  `json:"-"`
	Role                Role    `json:"role" enum:"developer,manager,admin"`
	IsActive            bool    `json:"is_active"`
	FailedLoginAttempts int     `json:"-"`
	LockedUntil         *string `json:"-"`
	LastLogin           *string `json:"last_login,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	IsArchived  bool   `json:"is_archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Issue struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      IssueStatus   `json:"status" enum:"open,in_progress,resolved,closed,reopened"`
	Priority    IssuePriority `json:"priority" enum:"low,medium,high,critical"`
	ReporterID  string        `json:"reporter_id"`
	AssigneeID  *string       `json:"assignee_id,omitempty"`
	DueDate     *string       `json:"due_date,omitempty" format:"date"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`

	// CommentCount is filled in by the repository on reads; it is not a column.
	CommentCount int `json:"comment_count"`
}

// IsCritical reports whether the issue carries critical priority.
func (i Issue) IsCritical() bool { return i.Priority == PriorityCritical }

type Comment struct {
	ID        string `json:"id"`
	IssueID   string `json:"issue_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Session tracks one refresh-token lineage. RefreshHash holds a SHA-256 digest
// of the current refresh token JTI, never the token itself.
type Session struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	RefreshHash string `json:"-"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
