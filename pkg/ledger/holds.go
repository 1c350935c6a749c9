package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Hold reserves amount against the payer's available balance for reference.
// At most one hold ever exists per reference: a reference whose hold was
// already released or settled is refused with ErrDuplicateHold, as is one
// with an open hold.
func (service *Service) Hold(ctx context.Context, payerID UserID, amount int64, reference Reference, metadata MetadataJSON) (Result, error) {
	var result Result
	operationError := func() error {
		positiveAmount, err := NewPositiveCredits(amount)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			accountID, err := transactionStore.LockAccount(ctx, payerID)
			if err != nil {
				return err
			}
			existing, err := transactionStore.GetHold(ctx, reference)
			switch {
			case err == nil:
				return fmt.Errorf("%w: %s is %s", ErrDuplicateHold, reference.String(), existing.Status)
			case !errors.Is(err, ErrUnknownHold):
				return err
			}
			available, err := availableBalance(ctx, transactionStore, accountID)
			if err != nil {
				return err
			}
			if available < positiveAmount.ToCredits() {
				return ErrInsufficientFunds
			}
			nowUnixUTC := service.nowFn()
			if err := transactionStore.CreateHold(ctx, Hold{
				Reference:      reference,
				PayerID:        payerID,
				Amount:         positiveAmount,
				Status:         HoldStatusOpen,
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			resulting := Credits(available.Int64() - positiveAmount.Int64())
			entryID, err := transactionStore.InsertEntry(ctx, EntryInput{
				AccountID:        accountID,
				UserID:           payerID,
				Kind:             EntryHold,
				Amount:           positiveAmount,
				Reference:        reference,
				IdempotencyKey:   deriveIdempotencyKey(EntryHold.String(), reference),
				ResultingBalance: resulting,
				Metadata:         metadata,
				CreatedUnixUTC:   nowUnixUTC,
			})
			if err != nil {
				return err
			}
			result = Result{EntryID: entryID, Balance: resulting}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationHold,
		UserID:    payerID,
		Reference: reference,
		Amount:    amount,
		EntryID:   result.EntryID,
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// Release returns held credits to the payer. Releasing a resolved hold is a no-op
// that reports the payer's current balance and the resolving entry.
func (service *Service) Release(ctx context.Context, reference Reference, metadata MetadataJSON) (Result, error) {
	var (
		result  Result
		payerID UserID
		amount  int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHold(ctx, reference)
		if err != nil {
			return err
		}
		payerID = hold.PayerID
		amount = hold.Amount.Int64()
		accountID, err := transactionStore.LockAccount(ctx, hold.PayerID)
		if err != nil {
			return err
		}
		available, err := availableBalance(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		if hold.Status.Resolved() {
			result = Result{EntryID: hold.ResolutionEntryID, Balance: available, Replayed: true}
			return nil
		}
		nowUnixUTC := service.nowFn()
		resulting := Credits(available.Int64() + hold.Amount.Int64())
		entryID, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:        accountID,
			UserID:           hold.PayerID,
			Kind:             EntryRelease,
			Amount:           hold.Amount,
			Reference:        reference,
			IdempotencyKey:   deriveIdempotencyKey(EntryRelease.String(), reference),
			ResultingBalance: resulting,
			Metadata:         metadata,
			CreatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.ResolveHold(ctx, reference, HoldStatusOpen, HoldStatusReleased, "", entryID, nowUnixUTC); err != nil {
			return err
		}
		result = Result{EntryID: entryID, Balance: resulting}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		UserID:    payerID,
		Reference: reference,
		Amount:    amount,
		EntryID:   result.EntryID,
		Replayed:  result.Replayed,
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// Settle pays a hold out to payee. The returned result describes the payee side.
// Settling an already settled hold returns the prior payout without paying again.
func (service *Service) Settle(ctx context.Context, reference Reference, payeeID UserID, metadata MetadataJSON) (Result, error) {
	var (
		result Result
		amount int64
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHold(ctx, reference)
		if err != nil {
			return err
		}
		amount = hold.Amount.Int64()
		switch hold.Status {
		case HoldStatusReleased:
			return fmt.Errorf("%w: %s", ErrHoldReleased, reference.String())
		case HoldStatusSettled:
			if hold.PayeeID != payeeID.String() {
				return fmt.Errorf("%w: %s settled to another payee", ErrReferenceConflict, reference.String())
			}
			payeeAccountID, err := transactionStore.LockAccount(ctx, payeeID)
			if err != nil {
				return err
			}
			available, err := availableBalance(ctx, transactionStore, payeeAccountID)
			if err != nil {
				return err
			}
			result = Result{EntryID: hold.ResolutionEntryID, Balance: available, Replayed: true}
			return nil
		}

		accountIDs, err := lockAccountsInOrder(ctx, transactionStore, hold.PayerID, payeeID)
		if err != nil {
			return err
		}
		payerAccountID := accountIDs[hold.PayerID.String()]
		payeeAccountID := accountIDs[payeeID.String()]

		payerAvailable, err := availableBalance(ctx, transactionStore, payerAccountID)
		if err != nil {
			return err
		}
		payeeAvailable, err := availableBalance(ctx, transactionStore, payeeAccountID)
		if err != nil {
			return err
		}
		if err := ensureCreditFits(ctx, transactionStore, payeeAccountID, hold.Amount.Int64()); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:        payerAccountID,
			UserID:           hold.PayerID,
			Kind:             EntryTransfer,
			Amount:           hold.Amount,
			Delta:            -hold.Amount.Int64(),
			Reference:        reference,
			IdempotencyKey:   deriveIdempotencyKey(idempotencyPrefixTransfer, reference),
			ResultingBalance: payerAvailable,
			Metadata:         metadata,
			CreatedUnixUTC:   nowUnixUTC,
		}); err != nil {
			return err
		}
		payeeResulting := Credits(payeeAvailable.Int64() + hold.Amount.Int64())
		payeeEntryID, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:        payeeAccountID,
			UserID:           payeeID,
			Kind:             EntryTransfer,
			Amount:           hold.Amount,
			Delta:            hold.Amount.Int64(),
			Reference:        reference,
			IdempotencyKey:   deriveIdempotencyKey(idempotencyPrefixReceive, reference),
			ResultingBalance: payeeResulting,
			Metadata:         metadata,
			CreatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.ResolveHold(ctx, reference, HoldStatusOpen, HoldStatusSettled, payeeID.String(), payeeEntryID, nowUnixUTC); err != nil {
			return err
		}
		result = Result{EntryID: payeeEntryID, Balance: payeeResulting}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		UserID:    payeeID,
		Reference: reference,
		Amount:    amount,
		EntryID:   result.EntryID,
		Replayed:  result.Replayed,
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// GetHold returns the hold recorded for reference.
func (service *Service) GetHold(ctx context.Context, reference Reference) (Hold, error) {
	return service.store.GetHold(ctx, reference)
}

// lockAccountsInOrder locks every distinct user in lexical order so concurrent
// settlements touching the same pair cannot deadlock.
func lockAccountsInOrder(ctx context.Context, store Store, userIDs ...UserID) (map[string]string, error) {
	ordered := make([]UserID, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID.String()]; ok {
			continue
		}
		seen[userID.String()] = struct{}{}
		ordered = append(ordered, userID)
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	accountIDs := make(map[string]string, len(ordered))
	for _, userID := range ordered {
		accountID, err := store.LockAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		accountIDs[userID.String()] = accountID
	}
	return accountIDs, nil
}
