package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectHold        = "hold"
	errorSubjectSession     = "session"
	errorSubjectIntent      = "payment_intent"
	errorSubjectRole        = "role"
	errorSubjectReferral    = "referral"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeSumOpenHolds   = "sum_open_holds"
	errorCodeSumPosted      = "sum_posted"
	errorCodeUpdateStatus   = "update_status"
	lockStrengthUpdate      = "UPDATE"
	holdStatusColumn        = "status"
	accountUserIDColumn     = "user_id"
	ledgerCreatedAtOrdering = "created_at DESC"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. A store already bound to a transaction runs fn inline.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true})
	})
}

// AccountID returns the account for userID, creating it on first use.
func (store *Store) AccountID(ctx context.Context, userID ledger.UserID) (string, error) {
	return store.ensureAccount(ctx, userID, false)
}

// LockAccount returns the account for userID and holds its row lock until the transaction ends.
func (store *Store) LockAccount(ctx context.Context, userID ledger.UserID) (string, error) {
	return store.ensureAccount(ctx, userID, true)
}

func (store *Store) ensureAccount(ctx context.Context, userID ledger.UserID, lock bool) (string, error) {
	if userID.String() == "" {
		return "", wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.ErrInvalidUserID)
	}
	account, found, err := store.findAccount(ctx, userID, lock)
	if err != nil {
		return "", err
	}
	if found {
		return account.AccountID, nil
	}
	created := Account{UserID: userID.String(), CreatedAt: time.Now().UTC()}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: accountUserIDColumn}}, DoNothing: true}).
		Create(&created).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	account, found, err = store.findAccount(ctx, userID, lock)
	if err != nil {
		return "", err
	}
	if !found {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, gorm.ErrRecordNotFound)
	}
	return account.AccountID, nil
}

func (store *Store) findAccount(ctx context.Context, userID ledger.UserID, lock bool) (Account, bool, error) {
	query := store.db.WithContext(ctx)
	code := errorCodeLookup
	if lock {
		query = query.Clauses(clause.Locking{Strength: lockStrengthUpdate})
		code = errorCodeLock
	}
	var account Account
	err := query.Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, wrapStoreError(errorSubjectAccount, code, err)
	}
	return account, true, nil
}

// SumPosted returns the signed sum of every entry on the account.
func (store *Store) SumPosted(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPosted, err)
	}
	return sum.Total, nil
}

// SumOpenHolds returns the amount reserved by open holds on the account.
func (store *Store) SumOpenHolds(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Hold{}).
		Select("coalesce(sum(amount),0) as total").
		Where("payer_account_id = ? AND status = ?", accountID, ledger.HoldStatusOpen.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumOpenHolds, err)
	}
	return sum.Total, nil
}

// InsertEntry appends an entry and returns its id.
func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (string, error) {
	entry := LedgerEntry{
		AccountID:        entryInput.AccountID,
		UserID:           entryInput.UserID.String(),
		Kind:             entryInput.Kind.String(),
		Amount:           entryInput.Amount.Int64(),
		Delta:            entryInput.Delta,
		Reference:        entryInput.Reference.String(),
		IdempotencyKey:   entryInput.IdempotencyKey,
		ResultingBalance: entryInput.ResultingBalance.Int64(),
		Metadata:         datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:        unixOrNow(entryInput.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err) {
		return "", wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry.EntryID, nil
}

// FindEntryByIdempotencyKey looks up a prior entry on the account.
func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, idempotencyKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// CreateHold records a new hold. The payer account must already exist.
func (store *Store) CreateHold(ctx context.Context, hold ledger.Hold) error {
	account, found, err := store.findAccount(ctx, hold.PayerID, false)
	if err != nil {
		return err
	}
	if !found {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, gorm.ErrRecordNotFound)
	}
	model := Hold{
		Reference:      hold.Reference.String(),
		PayerAccountID: account.AccountID,
		PayerID:        hold.PayerID.String(),
		PayeeID:        hold.PayeeID,
		Amount:         hold.Amount.Int64(),
		Status:         hold.Status.String(),
		CreatedAt:      unixOrNow(hold.CreatedUnixUTC),
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, ledger.ErrDuplicateHold)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

// GetHold returns the hold for reference, row locked when called inside a transaction.
func (store *Store) GetHold(ctx context.Context, reference ledger.Reference) (ledger.Hold, error) {
	query := store.db.WithContext(ctx)
	if store.inTx {
		query = query.Clauses(clause.Locking{Strength: lockStrengthUpdate})
	}
	var model Hold
	err := query.Where("reference = ?", reference.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, ledger.ErrUnknownHold)
	}
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return ledger.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

// ResolveHold moves a hold from one status to another only if it is still in from.
func (store *Store) ResolveHold(ctx context.Context, reference ledger.Reference, from, to ledger.HoldStatus, payeeID string, entryID string, resolvedUnixUTC int64) error {
	resolvedAt := unixOrNow(resolvedUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("reference = ? AND status = ?", reference.String(), from.String()).
		Updates(map[string]interface{}{
			holdStatusColumn:      to.String(),
			"payee_id":            payeeID,
			"resolution_entry_id": entryID,
			"resolved_at":         resolvedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, ledger.ErrDuplicateHold)
	}
	return nil
}

// ListEntries lists entries created before beforeUnixUTC (now when zero), newest first.
func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order(ledgerCreatedAtOrdering).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveCredits(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference, err := ledger.NewReference(row.Reference)
	if err != nil {
		return ledger.Entry{}, err
	}
	resulting, err := ledger.NewCredits(row.ResultingBalance)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:          row.EntryID,
		AccountID:        row.AccountID,
		UserID:           userID,
		Kind:             kind,
		Amount:           amount,
		Delta:            row.Delta,
		Reference:        reference,
		IdempotencyKey:   row.IdempotencyKey,
		ResultingBalance: resulting,
		Metadata:         metadata,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func mapHold(model Hold) (ledger.Hold, error) {
	reference, err := ledger.NewReference(model.Reference)
	if err != nil {
		return ledger.Hold{}, err
	}
	payerID, err := ledger.NewUserID(model.PayerID)
	if err != nil {
		return ledger.Hold{}, err
	}
	amount, err := ledger.NewPositiveCredits(model.Amount)
	if err != nil {
		return ledger.Hold{}, err
	}
	status, err := ledger.ParseHoldStatus(model.Status)
	if err != nil {
		return ledger.Hold{}, err
	}
	return ledger.Hold{
		Reference:         reference,
		PayerID:           payerID,
		PayeeID:           model.PayeeID,
		Amount:            amount,
		Status:            status,
		ResolutionEntryID: model.ResolutionEntryID,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
		ResolvedUnixUTC:   timeOrZero(model.ResolvedAt),
	}, nil
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
