package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithStore returns a copy of the service bound to store, typically a transaction-scoped store
// owned by a caller that must commit its own writes together with the ledger effect.
func (service *Service) WithStore(store Store) *Service {
	bound := *service
	bound.store = store
	return &bound
}

// Balance returns total, held, and available (total minus open holds).
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	accountID, err := service.store.AccountID(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	posted, err := service.store.SumPosted(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	held, err := service.store.SumOpenHolds(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	available, err := calculateAvailable(posted, held)
	if err != nil {
		return Balance{}, err
	}
	total, err := NewCredits(posted)
	if err != nil {
		return Balance{}, WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, err)
	}
	heldCredits, err := NewCredits(held)
	if err != nil {
		return Balance{}, WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, err)
	}
	return Balance{
		Total:     total,
		Held:      heldCredits,
		Available: available,
	}, nil
}

// Credit appends a CREDIT entry. A reference already credited returns the prior result.
func (service *Service) Credit(ctx context.Context, userID UserID, amount int64, reference Reference, metadata MetadataJSON) (Result, error) {
	result, operationError := service.appendIdempotent(ctx, userID, EntryCredit, amount, reference, metadata)
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Reference: reference,
		Amount:    amount,
		EntryID:   result.EntryID,
		Replayed:  result.Replayed,
		Error:     operationError,
	})
	return result, operationError
}

// Debit appends a DEBIT entry if the available balance covers amount.
func (service *Service) Debit(ctx context.Context, userID UserID, amount int64, reference Reference, metadata MetadataJSON) (Result, error) {
	result, operationError := service.appendIdempotent(ctx, userID, EntryDebit, amount, reference, metadata)
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Reference: reference,
		Amount:    amount,
		EntryID:   result.EntryID,
		Replayed:  result.Replayed,
		Error:     operationError,
	})
	return result, operationError
}

// ListEntries lists ledger entries for a user created before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidListLimit, MaxListLimit)
	}
	accountID, err := service.store.AccountID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) appendIdempotent(ctx context.Context, userID UserID, kind EntryKind, amount int64, reference Reference, metadata MetadataJSON) (Result, error) {
	positiveAmount, err := NewPositiveCredits(amount)
	if err != nil {
		return Result{}, err
	}
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		idempotencyKey := deriveIdempotencyKey(kind.String(), reference)
		prior, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, accountID, idempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if prior.Amount != positiveAmount {
				return fmt.Errorf("%w: %s", ErrReferenceConflict, reference.String())
			}
			result = Result{EntryID: prior.EntryID, Balance: prior.ResultingBalance, Replayed: true}
			return nil
		}
		available, err := availableBalance(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		delta := positiveAmount.Int64()
		if kind == EntryCredit {
			if err := ensureCreditFits(ctx, transactionStore, accountID, delta); err != nil {
				return err
			}
		}
		if kind == EntryDebit {
			if available < positiveAmount.ToCredits() {
				return ErrInsufficientFunds
			}
			delta = -delta
		}
		resulting := Credits(available.Int64() + delta)
		entryID, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:        accountID,
			UserID:           userID,
			Kind:             kind,
			Amount:           positiveAmount,
			Delta:            delta,
			Reference:        reference,
			IdempotencyKey:   idempotencyKey,
			ResultingBalance: resulting,
			Metadata:         metadata,
			CreatedUnixUTC:   service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = Result{EntryID: entryID, Balance: resulting}
		return nil
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(prefix string, reference Reference) string {
	return prefix + idempotencyKeyDelimiter + reference.String()
}

func availableBalance(ctx context.Context, store Store, accountID string) (Credits, error) {
	posted, err := store.SumPosted(ctx, accountID)
	if err != nil {
		return 0, err
	}
	held, err := store.SumOpenHolds(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return calculateAvailable(posted, held)
}

// ensureCreditFits rejects a credit that would push the posted total past int64.
func ensureCreditFits(ctx context.Context, store Store, accountID string, amount int64) error {
	posted, err := store.SumPosted(ctx, accountID)
	if err != nil {
		return err
	}
	if posted > 0 && amount > math.MaxInt64-posted {
		return fmt.Errorf("%w: credit of %d overflows the balance", ErrInvalidAmount, amount)
	}
	return nil
}

func calculateAvailable(posted int64, held int64) (Credits, error) {
	available, err := NewCredits(posted - held)
	if err != nil {
		return 0, WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, ErrInvalidBalance)
	}
	return available, nil
}

// IsBusinessError reports whether err is a ledger rule violation rather than an infrastructure failure.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrInsufficientFunds,
		ErrDuplicateHold,
		ErrUnknownHold,
		ErrHoldReleased,
		ErrReferenceConflict,
		ErrInvalidUserID,
		ErrInvalidReference,
		ErrInvalidListLimit,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
