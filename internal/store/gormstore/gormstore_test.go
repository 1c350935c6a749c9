package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestLedgerOperationsKeepBalanceInvariant(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	service := newLedgerService(test, db)
	ctx := context.Background()
	student := mustUserID(test, "student")
	lecturer := mustUserID(test, "lecturer")

	steps := []func() error{
		func() error {
			_, err := service.Credit(ctx, student, 1000, mustReference(test, "payment:o-1"), ledger.MetadataJSON{})
			return err
		},
		func() error {
			_, err := service.Debit(ctx, student, 100, mustReference(test, "download:f-1"), ledger.MetadataJSON{})
			return err
		},
		func() error {
			_, err := service.Hold(ctx, student, 300, mustReference(test, "session:a"), ledger.MetadataJSON{})
			return err
		},
		func() error {
			_, err := service.Hold(ctx, student, 200, mustReference(test, "session:b"), ledger.MetadataJSON{})
			return err
		},
		func() error {
			_, err := service.Settle(ctx, mustReference(test, "session:a"), lecturer, ledger.MetadataJSON{})
			return err
		},
		func() error {
			_, err := service.Release(ctx, mustReference(test, "session:b"), ledger.MetadataJSON{})
			return err
		},
	}
	for index, step := range steps {
		if err := step(); err != nil {
			test.Fatalf("step %d: %v", index, err)
		}
	}

	assertStoredBalance(test, service, student, 600, 0, 600)
	assertStoredBalance(test, service, lecturer, 300, 0, 300)

	for _, userID := range []ledger.UserID{student, lecturer} {
		var rows []LedgerEntry
		if err := db.Joins("JOIN accounts ON accounts.account_id = ledger_entries.account_id").
			Where("accounts.user_id = ?", userID.String()).
			Find(&rows).Error; err != nil {
			test.Fatalf("load entries: %v", err)
		}
		var fromKinds int64
		for _, row := range rows {
			switch ledger.EntryKind(row.Kind) {
			case ledger.EntryCredit:
				fromKinds += row.Amount
			case ledger.EntryDebit:
				fromKinds -= row.Amount
			case ledger.EntryTransfer:
				fromKinds += row.Delta
			}
		}
		balance, err := service.Balance(ctx, userID)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		if fromKinds != balance.Available.Int64() {
			test.Fatalf("%s: entries sum to %d, available is %d", userID.String(), fromKinds, balance.Available)
		}
	}
}

func TestConcurrentDebitsAllowOnlyOneWinner(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	service := newLedgerService(test, db)
	ctx := context.Background()
	userID := mustUserID(test, "racer")
	if _, err := service.Credit(ctx, userID, 1000, mustReference(test, "seed"), ledger.MetadataJSON{}); err != nil {
		test.Fatalf("seed: %v", err)
	}

	references := []ledger.Reference{mustReference(test, "download:0"), mustReference(test, "download:1")}
	var waitGroup sync.WaitGroup
	results := make([]error, len(references))
	for index := range references {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, results[index] = service.Debit(ctx, userID, 600, references[index], ledger.MetadataJSON{})
		}(index)
	}
	waitGroup.Wait()

	var successes, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		test.Fatalf("expected one success and one insufficient funds, got %d and %d", successes, insufficient)
	}
	assertStoredBalance(test, service, userID, 400, 0, 400)
}

func TestInsertEntryRejectsDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := New(newTestDB(test))
	ctx := context.Background()
	accountID, err := store.AccountID(ctx, mustUserID(test, "dup"))
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	input := ledger.EntryInput{
		AccountID:      accountID,
		UserID:         mustUserID(test, "dup"),
		Kind:           ledger.EntryCredit,
		Amount:         10,
		Delta:          10,
		Reference:      mustReference(test, "ref-1"),
		IdempotencyKey: "credit:ref-1",
		CreatedUnixUTC: 10,
	}
	if _, err := store.InsertEntry(ctx, input); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	if _, err := store.InsertEntry(ctx, input); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	entry, found, err := store.FindEntryByIdempotencyKey(ctx, accountID, "credit:ref-1")
	if err != nil || !found {
		test.Fatalf("expected stored entry, found=%v err=%v", found, err)
	}
	if entry.Amount != 10 || entry.Kind != ledger.EntryCredit || entry.Metadata.String() != "{}" {
		test.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestAccountIDIsStablePerUser(test *testing.T) {
	test.Parallel()
	store := New(newTestDB(test))
	ctx := context.Background()
	first, err := store.AccountID(ctx, mustUserID(test, "stable"))
	if err != nil {
		test.Fatalf("first lookup: %v", err)
	}
	second, err := store.LockAccount(ctx, mustUserID(test, "stable"))
	if err != nil {
		test.Fatalf("second lookup: %v", err)
	}
	if first == "" || first != second {
		test.Fatalf("expected a stable account id, got %q and %q", first, second)
	}
}

func TestHoldLifecycleInStore(test *testing.T) {
	test.Parallel()
	store := New(newTestDB(test))
	ctx := context.Background()
	payer := mustUserID(test, "payer")
	if _, err := store.AccountID(ctx, payer); err != nil {
		test.Fatalf("account: %v", err)
	}
	reference := mustReference(test, "session:h-1")
	hold := ledger.Hold{Reference: reference, PayerID: payer, Amount: 50, Status: ledger.HoldStatusOpen, CreatedUnixUTC: 5}
	if err := store.CreateHold(ctx, hold); err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if err := store.CreateHold(ctx, hold); !errors.Is(err, ledger.ErrDuplicateHold) {
		test.Fatalf("expected ErrDuplicateHold, got %v", err)
	}
	if err := store.ResolveHold(ctx, reference, ledger.HoldStatusOpen, ledger.HoldStatusReleased, "", "entry-1", 6); err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveHold(ctx, reference, ledger.HoldStatusOpen, ledger.HoldStatusSettled, "payee", "entry-2", 7); err == nil {
		test.Fatalf("expected second resolution to fail")
	}
	stored, err := store.GetHold(ctx, reference)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if stored.Status != ledger.HoldStatusReleased || stored.ResolutionEntryID != "entry-1" || stored.ResolvedUnixUTC != 6 {
		test.Fatalf("unexpected hold: %+v", stored)
	}
	if _, err := store.GetHold(ctx, mustReference(test, "session:none")); !errors.Is(err, ledger.ErrUnknownHold) {
		test.Fatalf("expected ErrUnknownHold, got %v", err)
	}
}

func TestStoreErrorsCarryOperationSegments(test *testing.T) {
	test.Parallel()
	store := New(newTestDB(test))
	ctx := context.Background()

	_, err := store.GetHold(ctx, mustReference(test, "session:absent"))
	if !errors.Is(err, ledger.ErrUnknownHold) {
		test.Fatalf("expected ErrUnknownHold, got %v", err)
	}
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected ledger.OperationError, got %T", err)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "hold" || operationError.Code() != "get" {
		test.Fatalf("unexpected segments: %s/%s/%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if expected := "store.hold.get: " + ledger.ErrUnknownHold.Error(); err.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, err.Error())
	}

	payer := mustUserID(test, "payer")
	accountID, err := store.AccountID(ctx, payer)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	input := ledger.EntryInput{
		AccountID:      accountID,
		UserID:         payer,
		Kind:           ledger.EntryCredit,
		Amount:         10,
		Delta:          10,
		Reference:      mustReference(test, "grant:1"),
		IdempotencyKey: "credit:grant:1",
		Metadata:       ledger.MetadataJSON{},
		CreatedUnixUTC: 1,
	}
	if _, err := store.InsertEntry(ctx, input); err != nil {
		test.Fatalf("insert: %v", err)
	}
	_, err = store.InsertEntry(ctx, input)
	if !errors.As(err, &operationError) || operationError.Subject() != "entry" || operationError.Code() != "duplicate" {
		test.Fatalf("expected store.entry.duplicate, got %v", err)
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	clock := int64(1_700_000_000)
	service, err := ledger.NewService(New(db), func() int64 {
		clock++
		return clock
	})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	ctx := context.Background()
	userID := mustUserID(test, "history")
	for index := 0; index < 3; index++ {
		if _, err := service.Credit(ctx, userID, int64(index+1), mustReference(test, fmt.Sprintf("bonus-%d", index)), ledger.MetadataJSON{}); err != nil {
			test.Fatalf("credit %d: %v", index, err)
		}
	}
	entries, err := service.ListEntries(ctx, userID, 0, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Amount != 3 || entries[1].Amount != 2 {
		test.Fatalf("unexpected entries: %+v", entries)
	}
	older, err := service.ListEntries(ctx, userID, entries[1].CreatedUnixUTC, 10)
	if err != nil {
		test.Fatalf("list older: %v", err)
	}
	if len(older) != 1 || older[0].Amount != 1 {
		test.Fatalf("unexpected older entries: %+v", older)
	}
}

func newTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "market.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return db
}

func newLedgerService(test *testing.T, db *gorm.DB) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(New(db), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func assertStoredBalance(test *testing.T, service *ledger.Service, userID ledger.UserID, total, held, available ledger.Credits) {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total != total || balance.Held != held || balance.Available != available {
		test.Fatalf("expected total=%d held=%d available=%d, got %+v", total, held, available, balance)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	value, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReference(test *testing.T, raw string) ledger.Reference {
	test.Helper()
	value, err := ledger.NewReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return value
}
