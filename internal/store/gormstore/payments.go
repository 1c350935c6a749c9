package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentStore implements payments.Store using GORM.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// WithTx executes fn within a transaction shared with the ledger.
func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.TxStore) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &paymentTx{db: transaction})
	})
}

// CreateIntent records a new intent. A duplicate order id yields payments.ErrOrderConflict.
func (store *PaymentStore) CreateIntent(ctx context.Context, intent payments.Intent) error {
	model := PaymentIntent{
		OrderID:       intent.OrderID,
		UserID:        intent.UserID.String(),
		Amount:        intent.Amount,
		Credits:       intent.Credits,
		Reference:     intent.Reference,
		PaymentURL:    intent.PaymentURL,
		Status:        string(intent.Status),
		CreditEntryID: intent.CreditEntryID,
		CreatedAt:     intent.CreatedAt.UTC(),
		UpdatedAt:     intent.UpdatedAt.UTC(),
		CompletedAt:   intent.CompletedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, payments.ErrOrderConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

// GetIntent returns the intent for orderID.
func (store *PaymentStore) GetIntent(ctx context.Context, orderID string) (payments.Intent, error) {
	return getIntent(store.db.WithContext(ctx).Where("order_id = ?", orderID))
}

// GetIntentByReference returns the intent carrying the gateway reference.
func (store *PaymentStore) GetIntentByReference(ctx context.Context, reference string) (payments.Intent, error) {
	return getIntent(store.db.WithContext(ctx).Where("reference = ?", reference))
}

// ListStaleIntents returns non-terminal intents last updated before updatedBefore, oldest first.
func (store *PaymentStore) ListStaleIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]payments.Intent, error) {
	var rows []PaymentIntent
	err := store.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(payments.StatusInitiated), string(payments.StatusPending)}, updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectIntent, errorCodeList, err)
	}
	intents := make([]payments.Intent, 0, len(rows))
	for _, row := range rows {
		intent, err := mapIntent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

type paymentTx struct {
	db *gorm.DB
}

func (store *paymentTx) Ledger() ledger.Store {
	return &Store{db: store.db, inTx: true}
}

func (store *paymentTx) GetIntentForUpdate(ctx context.Context, orderID string) (payments.Intent, error) {
	return getIntent(store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("order_id = ?", orderID))
}

func (store *paymentTx) UpdateIntent(ctx context.Context, orderID string, from payments.Status, update payments.IntentUpdate) error {
	values := map[string]interface{}{
		"status":     string(update.Status),
		"updated_at": update.UpdatedAt.UTC(),
	}
	if update.CreditEntryID != "" {
		values["credit_entry_id"] = update.CreditEntryID
	}
	if update.CompletedAt != nil {
		values["completed_at"] = update.CompletedAt.UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("order_id = ? AND status = ?", orderID, string(from)).
		Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, payments.ErrIntentFinalized)
	}
	return nil
}

func getIntent(query *gorm.DB) (payments.Intent, error) {
	var model PaymentIntent
	err := query.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, payments.ErrUnknownPaymentIntent)
	}
	if err != nil {
		return payments.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := mapIntent(model)
	if err != nil {
		return payments.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func mapIntent(model PaymentIntent) (payments.Intent, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return payments.Intent{}, err
	}
	status, err := payments.ParseStatus(model.Status)
	if err != nil {
		return payments.Intent{}, err
	}
	var completedAt *time.Time
	if model.CompletedAt != nil {
		value := model.CompletedAt.UTC()
		completedAt = &value
	}
	return payments.Intent{
		OrderID:       model.OrderID,
		UserID:        userID,
		Amount:        model.Amount,
		Credits:       model.Credits,
		Reference:     model.Reference,
		PaymentURL:    model.PaymentURL,
		Status:        status,
		CreditEntryID: model.CreditEntryID,
		CreatedAt:     model.CreatedAt.UTC(),
		UpdatedAt:     model.UpdatedAt.UTC(),
		CompletedAt:   completedAt,
	}, nil
}
