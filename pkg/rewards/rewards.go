// Package rewards grants credits for daily claims, watched ads, and referrals.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
)

const (
	DefaultDailyCredits    = 10
	DefaultAdCredits       = 5
	DefaultReferralCredits = 50

	dailyDateLayout = "2006-01-02"
)

var (
	ErrAlreadyClaimed  = errors.New("reward already claimed")
	ErrSelfReferral    = errors.New("users cannot refer themselves")
	ErrInvalidAdID     = errors.New("invalid ad id")
	ErrInvalidSettings = errors.New("invalid reward settings")
	ErrNoReferrals     = errors.New("referral program is not configured")
)

// Crediter is the ledger operation rewards are paid through.
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

// ReferralTx is the transaction-scoped view used to record a referral claim.
type ReferralTx interface {
	// ClaimReferral records that referrerID brought in refereeID. A referee
	// can be claimed once; a second claim yields ErrAlreadyClaimed.
	ClaimReferral(ctx context.Context, refereeID, referrerID ledger.UserID, claimedAt time.Time) error
	Ledger() ledger.Store
}

// ReferralStore persists referral claims.
type ReferralStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore ReferralTx) error) error
}

// Option customises a Service.
type Option func(*Service)

// WithReferrals enables ReferralBonus. The claim and the credit commit together.
func WithReferrals(store ReferralStore, bind CrediterFactory) Option {
	return func(service *Service) {
		service.referrals = store
		service.bindLedger = bind
	}
}

// Settings are the credit amounts per program.
type Settings struct {
	DailyCredits    int64
	AdCredits       int64
	ReferralCredits int64
}

// Validate fills defaults for unset amounts.
func (settings *Settings) Validate() error {
	if settings.DailyCredits == 0 {
		settings.DailyCredits = DefaultDailyCredits
	}
	if settings.AdCredits == 0 {
		settings.AdCredits = DefaultAdCredits
	}
	if settings.ReferralCredits == 0 {
		settings.ReferralCredits = DefaultReferralCredits
	}
	if settings.DailyCredits < 0 || settings.AdCredits < 0 || settings.ReferralCredits < 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidSettings)
	}
	return nil
}

// Service pays rewards. Each reward is keyed by a reference so it can be paid once.
type Service struct {
	ledger     Crediter
	referrals  ReferralStore
	bindLedger CrediterFactory
	settings   Settings
	now        func() time.Time
}

// NewService wires a Service.
func NewService(crediter Crediter, settings Settings, now func() time.Time, options ...Option) (*Service, error) {
	if crediter == nil {
		return nil, fmt.Errorf("%w: crediter is required", ErrInvalidSettings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	service := &Service{ledger: crediter, settings: settings, now: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if (service.referrals == nil) != (service.bindLedger == nil) {
		return nil, fmt.Errorf("%w: referral store and ledger binding go together", ErrInvalidSettings)
	}
	return service, nil
}

// DailyClaim credits userID once per UTC day.
func (service *Service) DailyClaim(ctx context.Context, userID ledger.UserID) (ledger.Result, error) {
	day := service.now().UTC().Format(dailyDateLayout)
	return service.grant(ctx, service.ledger, userID, service.settings.DailyCredits, "daily:"+userID.String()+":"+day, map[string]string{
		"program": "daily",
		"day":     day,
	})
}

// AdReward credits userID once per ad.
func (service *Service) AdReward(ctx context.Context, userID ledger.UserID, adID string) (ledger.Result, error) {
	trimmed := strings.TrimSpace(adID)
	if trimmed == "" || strings.ContainsAny(trimmed, " :") {
		return ledger.Result{}, fmt.Errorf("%w: %q", ErrInvalidAdID, adID)
	}
	return service.grant(ctx, service.ledger, userID, service.settings.AdCredits, "ad:"+userID.String()+":"+trimmed, map[string]string{
		"program": "ad",
		"ad_id":   trimmed,
	})
}

// ReferralBonus credits referrerID for bringing in refereeID. Each referee
// pays out once across all referrers.
func (service *Service) ReferralBonus(ctx context.Context, referrerID, refereeID ledger.UserID) (ledger.Result, error) {
	if referrerID == refereeID {
		return ledger.Result{}, ErrSelfReferral
	}
	if service.referrals == nil {
		return ledger.Result{}, ErrNoReferrals
	}
	var result ledger.Result
	err := service.referrals.WithTx(ctx, func(ctx context.Context, txStore ReferralTx) error {
		if err := txStore.ClaimReferral(ctx, refereeID, referrerID, service.now().UTC()); err != nil {
			return err
		}
		granted, err := service.grant(ctx, service.bindLedger(txStore.Ledger()), referrerID, service.settings.ReferralCredits, "referral:"+refereeID.String(), map[string]string{
			"program":    "referral",
			"referee_id": refereeID.String(),
		})
		if err != nil {
			return err
		}
		result = granted
		return nil
	})
	if err != nil {
		return ledger.Result{}, err
	}
	return result, nil
}

func (service *Service) grant(ctx context.Context, crediter Crediter, userID ledger.UserID, amount int64, rawReference string, metadata map[string]string) (ledger.Result, error) {
	reference, err := ledger.NewReference(rawReference)
	if err != nil {
		return ledger.Result{}, err
	}
	result, err := crediter.Credit(ctx, userID, amount, reference, ledger.MetadataFrom(metadata))
	if err != nil {
		return ledger.Result{}, err
	}
	if result.Replayed {
		return result, fmt.Errorf("%w: %s", ErrAlreadyClaimed, reference.String())
	}
	return result, nil
}
