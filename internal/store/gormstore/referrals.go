package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
	"gorm.io/gorm"
)

// ReferralStore implements rewards.ReferralStore using GORM.
type ReferralStore struct {
	db *gorm.DB
}

// NewReferralStore returns a ReferralStore backed by gorm.DB.
func NewReferralStore(db *gorm.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// WithTx executes fn within a transaction shared with the ledger.
func (store *ReferralStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.ReferralTx) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &referralTx{db: transaction})
	})
}

type referralTx struct {
	db *gorm.DB
}

func (store *referralTx) Ledger() ledger.Store {
	return &Store{db: store.db, inTx: true}
}

// ClaimReferral inserts the referee row. The primary key turns a second claim
// for the same referee into rewards.ErrAlreadyClaimed.
func (store *referralTx) ClaimReferral(ctx context.Context, refereeID, referrerID ledger.UserID, claimedAt time.Time) error {
	model := ReferralClaim{
		RefereeID:  refereeID.String(),
		ReferrerID: referrerID.String(),
		CreatedAt:  claimedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReferral, errorCodeDuplicate, rewards.ErrAlreadyClaimed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeCreate, err)
	}
	return nil
}
