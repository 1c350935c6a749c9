package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
)

const (
	MinPriceCredits = 100
	MaxPriceCredits = 10000

	referencePrefix = "session:"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Action is a requested lifecycle event.
type Action string

const (
	ActionCreate   Action = "create"
	ActionConfirm  Action = "confirm"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// Role is a capability granted to a user.
type Role string

const (
	RoleStudent  Role = "student"
	RoleLecturer Role = "lecturer"
	RoleAdmin    Role = "admin"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
	}
}

// Terminal reports whether no further action is possible.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusCancelled
}

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleStudent, RoleLecturer, RoleAdmin:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRole, raw)
	}
}

// Session is a scheduled tutoring engagement between a student and a lecturer.
type Session struct {
	ID           string
	LecturerID   ledger.UserID
	StudentID    ledger.UserID
	Topic        string
	ScheduledAt  time.Time
	PriceCredits int64
	Status       Status
	CancelledBy  string
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reference is the escrow reference that ties the session to its hold.
func (session Session) Reference() (ledger.Reference, error) {
	return ledger.NewReference(referencePrefix + session.ID)
}

// Participant reports whether userID is the student or the lecturer.
func (session Session) Participant(userID string) bool {
	return session.StudentID.String() == userID || session.LecturerID.String() == userID
}

// CreateRequest carries the fields needed to book a session.
type CreateRequest struct {
	LecturerID   ledger.UserID
	StudentID    ledger.UserID
	Topic        string
	ScheduledAt  time.Time
	PriceCredits int64
}

// StatusUpdate is applied together with a status change.
type StatusUpdate struct {
	CancelledBy  string
	CancelReason string
	UpdatedAt    time.Time
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore TxStore) error) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessionsForUser(ctx context.Context, userID ledger.UserID, limit int) ([]Session, error)
}

// TxStore is the transaction-scoped view of Store. Ledger returns the ledger store bound to the same transaction.
type TxStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSessionForUpdate(ctx context.Context, sessionID string) (Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, from, to Status, update StatusUpdate) error
	Ledger() ledger.Store
}

// RoleDirectory answers role membership questions.
type RoleDirectory interface {
	HasRole(ctx context.Context, userID ledger.UserID, role Role) (bool, error)
}

// Escrow is the subset of ledger operations a session needs.
type Escrow interface {
	Hold(ctx context.Context, payerID ledger.UserID, amount int64, reference ledger.Reference, metadata ledger.MetadataJSON) (ledger.Result, error)
	Release(ctx context.Context, reference ledger.Reference, metadata ledger.MetadataJSON) (ledger.Result, error)
	Settle(ctx context.Context, reference ledger.Reference, payeeID ledger.UserID, metadata ledger.MetadataJSON) (ledger.Result, error)
}

// EscrowFactory binds an Escrow to a transaction-scoped ledger store.
type EscrowFactory func(store ledger.Store) Escrow

// LedgerEscrow adapts a ledger service into an EscrowFactory.
func LedgerEscrow(service *ledger.Service) EscrowFactory {
	return func(store ledger.Store) Escrow {
		return service.WithStore(store)
	}
}
