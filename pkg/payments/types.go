package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
)

const creditReferencePrefix = "payment:"

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusInitiated, StatusPending, StatusSuccess, StatusFailed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown payment status %q", raw)
	}
}

// Terminal reports whether the intent can no longer change.
func (status Status) Terminal() bool {
	return status == StatusSuccess || status == StatusFailed
}

// Intent tracks an external payment from initiation to its terminal status.
type Intent struct {
	OrderID       string
	UserID        ledger.UserID
	Amount        int64
	Credits       int64
	Reference     string
	PaymentURL    string
	Status        Status
	CreditEntryID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// CreditReference is the ledger reference used when the intent is credited.
func (intent Intent) CreditReference() (ledger.Reference, error) {
	return ledger.NewReference(creditReferencePrefix + intent.OrderID)
}

// IntentUpdate is applied by a conditional status change.
type IntentUpdate struct {
	Status        Status
	CreditEntryID string
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Payer is the contact information forwarded to the gateway.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// GatewayRequest asks the gateway to open a payment.
type GatewayRequest struct {
	OrderID     string
	Amount      int64
	Payer       Payer
	Description string
}

// GatewayPayment is the gateway's answer to a successful initiation.
type GatewayPayment struct {
	Reference  string
	PaymentURL string
}

// GatewayResult is the gateway's view of a payment.
type GatewayResult struct {
	Reference string
	OrderID   string
	Amount    int64
	Status    Status
	Code      string
	Message   string
}

// Gateway is an external payment processor.
type Gateway interface {
	Initiate(ctx context.Context, request GatewayRequest) (GatewayPayment, error)
	Status(ctx context.Context, reference string) (GatewayResult, error)
}

// Store is the persistence contract for payment intents.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore TxStore) error) error
	CreateIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, orderID string) (Intent, error)
	GetIntentByReference(ctx context.Context, reference string) (Intent, error)
	ListStaleIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]Intent, error)
}

// TxStore is the transaction-scoped view of Store. Ledger returns the ledger store bound to the same transaction.
type TxStore interface {
	GetIntentForUpdate(ctx context.Context, orderID string) (Intent, error)
	UpdateIntent(ctx context.Context, orderID string, from Status, update IntentUpdate) error
	Ledger() ledger.Store
}

// Crediter is the ledger operation used to fund a completed payment.
type Crediter interface {
	Credit(ctx context.Context, userID ledger.UserID, amount int64, reference ledger.Reference, metadata ledger.MetadataJSON) (ledger.Result, error)
}

// CrediterFactory binds a Crediter to a transaction-scoped ledger store.
type CrediterFactory func(store ledger.Store) Crediter

// LedgerCrediter adapts a ledger service into a CrediterFactory.
func LedgerCrediter(service *ledger.Service) CrediterFactory {
	return func(store ledger.Store) Crediter {
		return service.WithStore(store)
	}
}
