package lifecycle

import (
	"errors"
	"testing"

	"bugline/internal/domain"
)

var allStatuses = []domain.IssueStatus{
	domain.StatusOpen,
	domain.StatusInProgress,
	domain.StatusResolved,
	domain.StatusClosed,
	domain.StatusReopened,
}

func TestAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to domain.IssueStatus
	}{
		{domain.StatusOpen, domain.StatusInProgress},
		{domain.StatusInProgress, domain.StatusResolved},
		{domain.StatusResolved, domain.StatusClosed},
		{domain.StatusResolved, domain.StatusReopened},
		{domain.StatusClosed, domain.StatusReopened},
		{domain.StatusReopened, domain.StatusOpen},
		{domain.StatusReopened, domain.StatusInProgress},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.to, domain.PriorityMedium, false)
		if err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
			continue
		}
		if got != tc.to {
			t.Errorf("%s -> %s: got %s", tc.from, tc.to, got)
		}
	}
}

func TestInvalidEdgesRejected(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				continue
			}
			_, err := Transition(from, to, domain.PriorityLow, true)
			var ite InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
		}
	}
}

func TestSelfTransitionsRejected(t *testing.T) {
	for _, s := range allStatuses {
		_, err := Transition(s, s, domain.PriorityCritical, true)
		var ite InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("%s -> %s: expected InvalidTransitionError, got %v", s, s, err)
		}
	}
}

func TestCriticalCloseRequiresComment(t *testing.T) {
	_, err := Transition(domain.StatusResolved, domain.StatusClosed, domain.PriorityCritical, false)
	var mce MissingCommentError
	if !errors.As(err, &mce) {
		t.Fatalf("expected MissingCommentError, got %v", err)
	}
	got, err := Transition(domain.StatusResolved, domain.StatusClosed, domain.PriorityCritical, true)
	if err != nil {
		t.Fatalf("close with comment: %v", err)
	}
	if got != domain.StatusClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestCommentRuleOnlyAppliesToCritical(t *testing.T) {
	got, err := Transition(domain.StatusResolved, domain.StatusClosed, domain.PriorityHigh, false)
	if err != nil {
		t.Fatalf("high priority close without comment: %v", err)
	}
	if got != domain.StatusClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestCommentRuleOnlyAppliesToClosing(t *testing.T) {
	// Reopening and resolving a commentless critical issue must not trip the rule.
	if _, err := Transition(domain.StatusInProgress, domain.StatusResolved, domain.PriorityCritical, false); err != nil {
		t.Fatalf("resolve critical without comment: %v", err)
	}
	if _, err := Transition(domain.StatusClosed, domain.StatusReopened, domain.PriorityCritical, false); err != nil {
		t.Fatalf("reopen critical without comment: %v", err)
	}
}

func TestTransitionIsIdempotent(t *testing.T) {
	for i := 0; i < 3; i++ {
		got, err := Transition(domain.StatusInProgress, domain.StatusResolved, domain.PriorityLow, false)
		if err != nil || got != domain.StatusResolved {
			t.Fatalf("call %d: got %s, err %v", i, got, err)
		}
	}
}

func TestValidTransitionsCopy(t *testing.T) {
	first := ValidTransitions(domain.StatusResolved)
	if len(first) != 2 {
		t.Fatalf("expected two out-edges from resolved, got %v", first)
	}
	first[0] = domain.StatusOpen
	second := ValidTransitions(domain.StatusResolved)
	if second[0] == domain.StatusOpen {
		t.Fatalf("ValidTransitions must return a copy")
	}
}
