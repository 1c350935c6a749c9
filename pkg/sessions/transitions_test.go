package sessions

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
)

func TestNextStatus(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		current  Status
		action   Action
		expected Status
		err      error
	}{
		{name: "confirm pending", current: StatusPending, action: ActionConfirm, expected: StatusConfirmed},
		{name: "start confirmed", current: StatusConfirmed, action: ActionStart, expected: StatusInProgress},
		{name: "complete in progress", current: StatusInProgress, action: ActionComplete, expected: StatusCompleted},
		{name: "cancel pending", current: StatusPending, action: ActionCancel, expected: StatusCancelled},
		{name: "cancel confirmed", current: StatusConfirmed, action: ActionCancel, expected: StatusCancelled},
		{name: "cancel in progress", current: StatusInProgress, action: ActionCancel, expected: StatusCancelled},
		{name: "start pending", current: StatusPending, action: ActionStart, err: ErrInvalidTransition},
		{name: "complete confirmed", current: StatusConfirmed, action: ActionComplete, err: ErrInvalidTransition},
		{name: "confirm twice", current: StatusConfirmed, action: ActionConfirm, err: ErrInvalidTransition},
		{name: "cancel completed", current: StatusCompleted, action: ActionCancel, err: ErrInvalidTransition},
		{name: "confirm cancelled", current: StatusCancelled, action: ActionConfirm, err: ErrInvalidTransition},
		{name: "create is not a transition", current: StatusPending, action: ActionCreate, err: ErrInvalidTransition},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			next, err := NextStatus(testCase.current, testCase.action)
			if testCase.err != nil {
				if !errors.Is(err, testCase.err) {
					t.Fatalf("expected %v, got %v", testCase.err, err)
				}
				return
			}
			if err != nil || next != testCase.expected {
				t.Fatalf("expected %s, got %s (%v)", testCase.expected, next, err)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()
	for _, status := range []Status{StatusPending, StatusConfirmed, StatusInProgress} {
		if status.Terminal() {
			t.Fatalf("%s must not be terminal", status)
		}
	}
	for _, status := range []Status{StatusCompleted, StatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}

func TestOwnershipPolicy(t *testing.T) {
	t.Parallel()
	session := Session{ID: "s-1", StudentID: mustUser(t, "student"), LecturerID: mustUser(t, "lecturer")}
	student := NewActor("student", RoleStudent)
	lecturer := NewActor("lecturer", RoleLecturer)
	stranger := NewActor("stranger")
	admin := NewActor("root", RoleAdmin)
	policy := OwnershipPolicy{}

	testCases := []struct {
		name     string
		actor    Actor
		action   Action
		expected bool
	}{
		{name: "student creates", actor: student, action: ActionCreate, expected: true},
		{name: "lecturer cannot create for student", actor: lecturer, action: ActionCreate, expected: false},
		{name: "lecturer confirms", actor: lecturer, action: ActionConfirm, expected: true},
		{name: "student cannot confirm", actor: student, action: ActionConfirm, expected: false},
		{name: "student cannot complete", actor: student, action: ActionComplete, expected: false},
		{name: "lecturer starts", actor: lecturer, action: ActionStart, expected: true},
		{name: "student cancels", actor: student, action: ActionCancel, expected: true},
		{name: "lecturer cancels", actor: lecturer, action: ActionCancel, expected: true},
		{name: "admin cancels", actor: admin, action: ActionCancel, expected: true},
		{name: "admin cannot complete", actor: admin, action: ActionComplete, expected: false},
		{name: "stranger cannot cancel", actor: stranger, action: ActionCancel, expected: false},
		{name: "nil actor", actor: nil, action: ActionCancel, expected: false},
	}
	for _, testCase := range testCases {
		if got := policy.Can(testCase.actor, testCase.action, session); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()
	if role, err := ParseRole("lecturer"); err != nil || role != RoleLecturer {
		t.Fatalf("expected lecturer, got %q (%v)", role, err)
	}
	if _, err := ParseRole("owner"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestInvalidPriceWrapsInvalidAmount(t *testing.T) {
	t.Parallel()
	if !errors.Is(ErrInvalidPrice, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidPrice to wrap ledger.ErrInvalidAmount")
	}
}

func mustUser(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}
