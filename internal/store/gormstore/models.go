package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"not null;size:191;uniqueIndex:idx_accounts_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID          string         `gorm:"primaryKey;size:36"`
	AccountID        string         `gorm:"not null;size:36;index:idx_ledger_account_created,priority:1;uniqueIndex:uniq_entry_idem,priority:1"`
	UserID           string         `gorm:"not null;size:191"`
	Kind             string         `gorm:"not null;size:16"`
	Amount           int64          `gorm:"not null;check:chk_ledger_entries_amount,amount > 0"`
	Delta            int64          `gorm:"not null"`
	Reference        string         `gorm:"not null;size:191;index:idx_ledger_reference"`
	IdempotencyKey   string         `gorm:"not null;size:255;uniqueIndex:uniq_entry_idem,priority:2"`
	ResultingBalance int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Hold mirrors the holds table. One row per reference, ever.
type Hold struct {
	Reference         string     `gorm:"primaryKey;size:191"`
	PayerAccountID    string     `gorm:"not null;size:36;index:idx_holds_payer_status,priority:1"`
	PayerID           string     `gorm:"not null;size:191"`
	PayeeID           string     `gorm:"not null;size:191;default:''"`
	Amount            int64      `gorm:"not null;check:chk_holds_amount,amount > 0"`
	Status            string     `gorm:"not null;size:16;index:idx_holds_payer_status,priority:2"`
	ResolutionEntryID string     `gorm:"not null;size:36;default:''"`
	CreatedAt         time.Time  `gorm:"not null"`
	ResolvedAt        *time.Time `gorm:""`
}

func (Hold) TableName() string { return "holds" }

// Session mirrors the sessions table.
type Session struct {
	SessionID    string    `gorm:"primaryKey;size:36"`
	LecturerID   string    `gorm:"not null;size:191;index:idx_sessions_lecturer"`
	StudentID    string    `gorm:"not null;size:191;index:idx_sessions_student"`
	Topic        string    `gorm:"not null"`
	ScheduledAt  time.Time `gorm:"not null"`
	PriceCredits int64     `gorm:"not null"`
	Status       string    `gorm:"not null;size:16"`
	CancelledBy  string    `gorm:"not null;size:191;default:''"`
	CancelReason string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Session) TableName() string { return "sessions" }

// PaymentIntent mirrors the payment_intents table.
type PaymentIntent struct {
	OrderID       string     `gorm:"primaryKey;size:191"`
	UserID        string     `gorm:"not null;size:191;index:idx_payment_intents_user"`
	Amount        int64      `gorm:"not null"`
	Credits       int64      `gorm:"not null"`
	Reference     string     `gorm:"not null;size:191;index:idx_payment_intents_reference"`
	PaymentURL    string     `gorm:"not null;default:''"`
	Status        string     `gorm:"not null;size:16;index:idx_payment_intents_status_updated,priority:1"`
	CreditEntryID string     `gorm:"not null;size:36;default:''"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null;index:idx_payment_intents_status_updated,priority:2"`
	CompletedAt   *time.Time `gorm:""`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// UserRole mirrors the user_roles table.
type UserRole struct {
	UserID    string    `gorm:"primaryKey;size:191"`
	Role      string    `gorm:"primaryKey;size:32"`
	CreatedAt time.Time `gorm:"not null"`
}

func (UserRole) TableName() string { return "user_roles" }

// ReferralClaim mirrors the referral_claims table. One row per referee, ever.
type ReferralClaim struct {
	RefereeID  string    `gorm:"primaryKey;size:191"`
	ReferrerID string    `gorm:"not null;size:191;index:idx_referral_claims_referrer"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (ReferralClaim) TableName() string { return "referral_claims" }

// Models lists every table owned by the store.
func Models() []interface{} {
	return []interface{}{
		&Account{},
		&LedgerEntry{},
		&Hold{},
		&Session{},
		&PaymentIntent{},
		&UserRole{},
		&ReferralClaim{},
	}
}

// AutoMigrate creates or updates every table owned by the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
