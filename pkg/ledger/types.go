package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative integer quantity of the internal currency.
type Credits int64

// PositiveCredits is a strictly positive mutation amount.
type PositiveCredits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// Reference correlates a ledger mutation to a session, payment, or bonus.
type Reference struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryCredit   EntryKind = "credit"
	EntryDebit    EntryKind = "debit"
	EntryHold     EntryKind = "hold"
	EntryRelease  EntryKind = "release"
	EntryTransfer EntryKind = "transfer"
)

// HoldStatus defines the escrow hold lifecycle.
type HoldStatus string

const (
	HoldStatusOpen     HoldStatus = "open"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusSettled  HoldStatus = "settled"
)

// NewCredits validates a balance quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// Int64 returns the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates a mutation amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount to a balance quantity.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReference validates and normalizes a reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	if strings.Contains(trimmed, " ") {
		return Reference{}, fmt.Errorf("%w: must not contain spaces", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference Reference) String() string {
	return reference.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFrom marshals a map into metadata, falling back to "{}".
func MetadataFrom(values map[string]string) MetadataJSON {
	raw, err := json.Marshal(values)
	if err != nil || len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(raw)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryCredit, EntryDebit, EntryHold, EntryRelease, EntryTransfer:
		return EntryKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the kind label.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseHoldStatus validates a stored hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(raw) {
	case HoldStatusOpen, HoldStatusReleased, HoldStatusSettled:
		return HoldStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
	}
}

// String returns the status label.
func (status HoldStatus) String() string {
	return string(status)
}

// Resolved reports whether the hold can no longer change.
func (status HoldStatus) Resolved() bool {
	return status == HoldStatusReleased || status == HoldStatusSettled
}

// EntryInput is an entry about to be appended.
type EntryInput struct {
	AccountID        string
	UserID           UserID
	Kind             EntryKind
	Amount           PositiveCredits
	Delta            int64
	Reference        Reference
	IdempotencyKey   string
	ResultingBalance Credits
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID          string
	AccountID        string
	UserID           UserID
	Kind             EntryKind
	Amount           PositiveCredits
	Delta            int64
	Reference        Reference
	IdempotencyKey   string
	ResultingBalance Credits
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// Hold reserves credits against the payer until it is released or settled.
type Hold struct {
	Reference         Reference
	PayerID           UserID
	PayeeID           string
	Amount            PositiveCredits
	Status            HoldStatus
	ResolutionEntryID string
	CreatedUnixUTC    int64
	ResolvedUnixUTC   int64
}

// Balance view for an account.
type Balance struct {
	Total     Credits
	Held      Credits
	Available Credits
}

// Result describes the outcome of a mutation.
type Result struct {
	EntryID  string
	Balance  Credits
	Replayed bool
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	AccountID(ctx context.Context, userID UserID) (string, error)
	LockAccount(ctx context.Context, userID UserID) (string, error)
	SumPosted(ctx context.Context, accountID string) (int64, error)
	SumOpenHolds(ctx context.Context, accountID string) (int64, error)
	InsertEntry(ctx context.Context, entry EntryInput) (string, error)
	FindEntryByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (Entry, bool, error)
	CreateHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, reference Reference) (Hold, error)
	ResolveHold(ctx context.Context, reference Reference, from, to HoldStatus, payeeID string, entryID string, resolvedUnixUTC int64) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
