package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EntryType is the business reason behind a ledger entry.
type EntryType string

const (
	EntryAdCredit          EntryType = "ad_credit"
	EntryCashContribution  EntryType = "cash_contribution"
	EntryReferralSignup    EntryType = "referral_signup"
	EntryReferralAction    EntryType = "referral_action"
	EntryReferralRetention EntryType = "referral_retention"
	EntryProjectAllocation EntryType = "project_allocation"
	EntryMatchingCredit    EntryType = "matching_credit"
	EntryBusinessView      EntryType = "business_view"
	EntryBirthdayDonation  EntryType = "birthday_donation"
	EntryAdjustment        EntryType = "adjustment"
)

// LedgerAccount is a user's watershed. Balance always equals
// TotalInflow - TotalOutflow and Version equals the number of entries.
type LedgerAccount struct {
	ID           string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	OwnerID      string          `gorm:"type:varchar(64);uniqueIndex:idx_accounts_owner;not null" json:"owner_id"`
	Balance      decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"balance"`
	TotalInflow  decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_inflow"`
	TotalOutflow decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_outflow"`
	Version      int64           `gorm:"not null;default:0" json:"version"`
}

func (LedgerAccount) TableName() string {
	return "ledger_accounts"
}

func (a *LedgerAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// LedgerEntry is one append-only row of an account's transaction log.
// Credits are positive, debits negative.
type LedgerEntry struct {
	ID           string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	AccountID    string          `gorm:"type:varchar(36);uniqueIndex:idx_entries_account_seq,priority:1;not null" json:"account_id"`
	Sequence     int64           `gorm:"uniqueIndex:idx_entries_account_seq,priority:2;not null" json:"sequence"`
	Type         EntryType       `gorm:"type:varchar(32);index;not null" json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	Description  string          `gorm:"size:255" json:"description"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"balance_after"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
