package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestBalanceWrapsNegativeAvailableAsOperationError(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "corrupted")
	accountID, err := store.AccountID(context.Background(), userID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	store.entries = append(store.entries, Entry{EntryID: "entry-bad", AccountID: accountID, UserID: userID, Kind: EntryDebit, Amount: 5, Delta: -5})

	_, err = service.Balance(context.Background(), userID)
	if !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Operation() != errorOperationService || operationError.Subject() != errorSubjectBalance || operationError.Code() != errorCodeNegative {
		test.Fatalf("unexpected segments: %s/%s/%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	expected := "service.balance.negative_available: " + ErrInvalidBalance.Error()
	if err.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, err.Error())
	}
	if IsBusinessError(err) {
		test.Fatalf("a corrupted balance is an infrastructure failure")
	}
}

func TestDebitSurfacesNegativeAvailable(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	userID := mustUserID(test, "overdrawn")
	accountID, err := store.AccountID(context.Background(), userID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	store.entries = append(store.entries, Entry{EntryID: "entry-bad", AccountID: accountID, UserID: userID, Kind: EntryDebit, Amount: 1, Delta: -1})

	_, err = service.Debit(context.Background(), userID, 1, mustReference(test, "download:1"), MetadataJSON{})
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeNegative {
		test.Fatalf("expected negative_available operation error, got %v", err)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected no new entries, got %d", len(store.entries))
	}
}

func TestWrapErrorKeepsNil(test *testing.T) {
	test.Parallel()
	if WrapError(errorOperationService, errorSubjectBalance, errorCodeNegative, nil) != nil {
		test.Fatalf("expected nil for a nil cause")
	}
}
