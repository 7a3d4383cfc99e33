package repository

import (
	"context"

	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AccountRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewAccountRepository(db *gorm.DB, log *logrus.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log,
	}
}

// GetByOwner returns the account of ownerID, or nil when none exists yet.
func (r *AccountRepository) GetByOwner(ctx context.Context, ownerID string) (*model.LedgerAccount, error) {
	var acct model.LedgerAccount
	res := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Limit(1).Find(&acct)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &acct, nil
}

// Entries returns the account's log in sequence order.
func (r *AccountRepository) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("sequence ASC").
		Find(&entries).Error

	return entries, err
}

// List pages through all accounts in a stable order.
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]model.LedgerAccount, error) {
	var accounts []model.LedgerAccount
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&accounts).Error

	return accounts, err
}

// Count returns total count of accounts
func (r *AccountRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.LedgerAccount{}).Count(&count).Error
	return count, err
}
