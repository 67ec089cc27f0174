package lifecycle

import (
	"fmt"

	"bugline/internal/domain"
)

// transitions is the issue status graph as an explicit edge set. A status
// change is legal iff (current, requested) appears here; everything else,
// self-transitions included, is rejected.
var transitions = map[domain.IssueStatus][]domain.IssueStatus{
	domain.StatusOpen:       {domain.StatusInProgress},
	domain.StatusInProgress: {domain.StatusResolved},
	domain.StatusResolved:   {domain.StatusClosed, domain.StatusReopened},
	domain.StatusClosed:     {domain.StatusReopened},
	domain.StatusReopened:   {domain.StatusOpen, domain.StatusInProgress},
}

// InvalidTransitionError indicates the requested status is not reachable from
// the current one in a single step.
type InvalidTransitionError struct {
	From domain.IssueStatus
	To   domain.IssueStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %q to %q", e.From, e.To)
}

// MissingCommentError indicates an attempt to close a critical issue that has
// no comment yet.
type MissingCommentError struct{}

func (e MissingCommentError) Error() string {
	return "critical issues cannot be closed without at least one comment"
}

// ValidTransitions returns the allowed next statuses from current. The result
// is a copy; callers may mutate it.
func ValidTransitions(current domain.IssueStatus) []domain.IssueStatus {
	out := transitions[current]
	res := make([]domain.IssueStatus, len(out))
	copy(res, out)
	return res
}

// CanTransition reports whether the edge (current, requested) is in the graph.
func CanTransition(current, requested domain.IssueStatus) bool {
	for _, next := range transitions[current] {
		if next == requested {
			return true
		}
	}
	return false
}

// Transition validates a requested status change and returns the new status.
// It is a pure function: no side effects, same inputs always yield the same
// result. The closing side-constraint (critical priority requires a comment)
// applies only when requested == closed.
func Transition(current, requested domain.IssueStatus, priority domain.IssuePriority, hasComment bool) (domain.IssueStatus, error) {
	if !CanTransition(current, requested) {
		return "", InvalidTransitionError{From: current, To: requested}
	}
	if requested == domain.StatusClosed && priority == domain.PriorityCritical && !hasComment {
		return "", MissingCommentError{}
	}
	return requested, nil
}
