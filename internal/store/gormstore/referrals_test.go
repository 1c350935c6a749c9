package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
)

func TestReferralClaimPaysOneReferrerPerReferee(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	ledgerService := newLedgerService(test, db)
	service, err := rewards.NewService(ledgerService, rewards.Settings{}, func() time.Time { return time.Unix(1_700_000_000, 0) },
		rewards.WithReferrals(NewReferralStore(db), rewards.LedgerCrediter(ledgerService)))
	if err != nil {
		test.Fatalf("rewards: %v", err)
	}
	ctx := context.Background()
	newcomer := mustUserID(test, "newcomer")
	referrers := []ledger.UserID{mustUserID(test, "referrer-a"), mustUserID(test, "referrer-b"), mustUserID(test, "referrer-c")}

	var waitGroup sync.WaitGroup
	results := make([]error, len(referrers))
	for index := range referrers {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, results[index] = service.ReferralBonus(ctx, referrers[index], newcomer)
		}(index)
	}
	waitGroup.Wait()

	var winner ledger.UserID
	var successes, claimed int
	for index, err := range results {
		switch {
		case err == nil:
			successes++
			winner = referrers[index]
		case errors.Is(err, rewards.ErrAlreadyClaimed):
			claimed++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || claimed != len(referrers)-1 {
		test.Fatalf("expected one payout, got %d successes and %d already claimed", successes, claimed)
	}
	for _, referrer := range referrers {
		if referrer == winner {
			assertStoredBalance(test, ledgerService, referrer, rewards.DefaultReferralCredits, 0, rewards.DefaultReferralCredits)
			continue
		}
		assertStoredBalance(test, ledgerService, referrer, 0, 0, 0)
	}

	var claims []ReferralClaim
	if err := db.Find(&claims).Error; err != nil {
		test.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 || claims[0].RefereeID != "newcomer" || claims[0].ReferrerID != winner.String() {
		test.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestReferralClaimRollsBackWithFailedCredit(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := NewReferralStore(db)
	ctx := context.Background()
	failure := errors.New("credit failed")

	err := store.WithTx(ctx, func(ctx context.Context, txStore rewards.ReferralTx) error {
		if err := txStore.ClaimReferral(ctx, mustUserID(test, "newcomer"), mustUserID(test, "referrer"), time.Unix(1, 0)); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected failure, got %v", err)
	}
	var count int64
	if err := db.Model(&ReferralClaim{}).Count(&count).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 0 {
		test.Fatalf("expected the claim to roll back, got %d rows", count)
	}
}
