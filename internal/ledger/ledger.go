// Package ledger maintains watershed accounts and their append-only
// transaction log.
//
// Every mutation locks the account row, updates balance and totals, bumps the
// account version and appends one entry whose sequence equals the new
// version, all inside a single transaction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger struct {
	db       *gorm.DB
	accounts *repository.AccountRepository
	log      *logrus.Logger
	now      func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(db *gorm.DB, log *logrus.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:       db,
		accounts: repository.NewAccountRepository(db, log),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credit adds amount to the owner's watershed and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount decimal.Decimal, typ model.EntryType, description string) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return l.apply(ctx, "ledger.credit", ownerID, amount, typ, description)
}

// Debit removes amount from the owner's watershed and returns the new
// balance. It fails with model.ErrInsufficientBalance without side effects
// when amount exceeds the balance.
func (l *Ledger) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, typ model.EntryType, description string) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return l.apply(ctx, "ledger.debit", ownerID, amount.Neg(), typ, description)
}

func (l *Ledger) apply(ctx context.Context, op, ownerID string, signed decimal.Decimal, typ model.EntryType, description string) (decimal.Decimal, error) {
	var entry *model.LedgerEntry
	err := database.RunInTx(ctx, l.db, func(tx *gorm.DB) error {
		var err error
		entry, err = l.ApplyTx(tx, ownerID, signed, typ, description)
		return err
	})
	if err != nil {
		return decimal.Zero, model.Internal(op, err)
	}

	l.log.WithFields(logrus.Fields{
		"owner_id":      ownerID,
		"type":          typ,
		"amount":        signed.String(),
		"balance_after": entry.BalanceAfter.String(),
		"sequence":      entry.Sequence,
	}).Debug("ledger entry appended")

	return entry.BalanceAfter, nil
}

// ApplyTx applies a signed amount to the owner's account inside tx, which the
// caller owns. Positive amounts count as inflow, negative as outflow.
func (l *Ledger) ApplyTx(tx *gorm.DB, ownerID string, signed decimal.Decimal, typ model.EntryType, description string) (*model.LedgerEntry, error) {
	if err := model.CheckAmount(signed.Abs()); err != nil {
		return nil, err
	}

	acct, err := LockAccount(tx, ownerID)
	if err != nil {
		return nil, err
	}
	return l.write(tx, acct, signed, typ, description)
}

// write applies signed to acct as read under the lock. The update is guarded
// by the version that was read, so a stale acct yields database.ErrConflict.
func (l *Ledger) write(tx *gorm.DB, acct *model.LedgerAccount, signed decimal.Decimal, typ model.EntryType, description string) (*model.LedgerEntry, error) {
	if signed.IsNegative() && acct.Balance.LessThan(signed.Neg()) {
		return nil, model.ErrInsufficientBalance
	}

	prevVersion := acct.Version
	acct.Balance = acct.Balance.Add(signed)
	if signed.IsPositive() {
		acct.TotalInflow = acct.TotalInflow.Add(signed)
	} else {
		acct.TotalOutflow = acct.TotalOutflow.Add(signed.Neg())
	}
	acct.Version++

	res := tx.Model(&model.LedgerAccount{}).
		Where("id = ? AND version = ?", acct.ID, prevVersion).
		Updates(map[string]interface{}{
			"balance":       acct.Balance,
			"total_inflow":  acct.TotalInflow,
			"total_outflow": acct.TotalOutflow,
			"version":       acct.Version,
			"updated_at":    l.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("account %s: %w", acct.ID, database.ErrConflict)
	}

	entry := &model.LedgerEntry{
		AccountID:    acct.ID,
		Sequence:     acct.Version,
		Type:         typ,
		Amount:       signed,
		Description:  description,
		BalanceAfter: acct.Balance,
		CreatedAt:    l.now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}

	return entry, nil
}

// LockAccount returns the owner's account locked for update, creating it
// with a zero balance on first access.
func LockAccount(tx *gorm.DB, ownerID string) (*model.LedgerAccount, error) {
	acct, err := selectForUpdate(tx, ownerID)
	if err != nil || acct != nil {
		return acct, err
	}

	// concurrent first access: losers of the insert race fall through to the lock
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoNothing: true,
	}).Create(&model.LedgerAccount{
		OwnerID:      ownerID,
		Balance:      decimal.Zero,
		TotalInflow:  decimal.Zero,
		TotalOutflow: decimal.Zero,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	acct, err = selectForUpdate(tx, ownerID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account for %s vanished after create", ownerID)
	}
	return acct, nil
}

func selectForUpdate(tx *gorm.DB, ownerID string) (*model.LedgerAccount, error) {
	var acct model.LedgerAccount
	res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		Limit(1).
		Find(&acct)
	if res.Error != nil {
		return nil, fmt.Errorf("lock account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &acct, nil
}

// Account returns the owner's account, creating it on first access.
func (l *Ledger) Account(ctx context.Context, ownerID string) (*model.LedgerAccount, error) {
	acct, err := l.accounts.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, model.Internal("ledger.account", err)
	}
	if acct != nil {
		return acct, nil
	}

	err = database.RunInTx(ctx, l.db, func(tx *gorm.DB) error {
		acct, err = LockAccount(tx, ownerID)
		return err
	})
	if err != nil {
		return nil, model.Internal("ledger.account", err)
	}
	return acct, nil
}

// Entries returns the owner's transaction log in creation order.
func (l *Ledger) Entries(ctx context.Context, ownerID string) ([]model.LedgerEntry, error) {
	acct, err := l.accounts.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, model.Internal("ledger.entries", err)
	}
	if acct == nil {
		return nil, nil
	}

	entries, err := l.accounts.Entries(ctx, acct.ID)
	if err != nil {
		return nil, model.Internal("ledger.entries", err)
	}
	return entries, nil
}
