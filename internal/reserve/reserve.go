// Package reserve manages the platform collateral pool that fronts
// disbursements ahead of settlement.
package reserve

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Watch    HealthStatus = "watch"
	Critical HealthStatus = "critical"
)

// epsilon keeps the coverage ratio finite when nothing is pending.
var epsilon = decimal.RequireFromString("0.01")

type Health struct {
	Balance              decimal.Decimal
	PendingDisbursements decimal.Decimal
	CoverageRatio        decimal.Decimal
	Status               HealthStatus
}

type Fund struct {
	db      *gorm.DB
	log     *logrus.Logger
	healthy decimal.Decimal
	watch   decimal.Decimal
	now     func() time.Time
}

func New(db *gorm.DB, cfg config.ReserveConfig, log *logrus.Logger) *Fund {
	return &Fund{
		db:      db,
		log:     log,
		healthy: cfg.HealthyRatio,
		watch:   cfg.WatchRatio,
		now:     time.Now,
	}
}

// Health reports the reserve balance against everything funded but not yet
// disbursed.
func (f *Fund) Health(ctx context.Context) (Health, error) {
	fund, err := f.Get(ctx)
	if err != nil {
		return Health{}, err
	}

	var pending decimal.NullDecimal
	row := f.db.WithContext(ctx).
		Model(&model.Allocation{}).
		Select("SUM(allocations.amount)").
		Joins("JOIN projects ON projects.id = allocations.project_id").
		Where("allocations.status = ? AND projects.status = ?", model.AllocationPledged, model.ProjectFunded).
		Row()
	if err := row.Scan(&pending); err != nil && err != sql.ErrNoRows {
		return Health{}, model.Internal("reserve.health", err)
	}

	h := Health{Balance: fund.Balance, PendingDisbursements: decimal.Zero}
	if pending.Valid {
		h.PendingDisbursements = pending.Decimal.Round(2)
	}
	h.CoverageRatio, h.Status = f.classify(h.Balance, h.PendingDisbursements)
	return h, nil
}

func (f *Fund) classify(balance, pending decimal.Decimal) (decimal.Decimal, HealthStatus) {
	ratio := balance.Div(decimal.Max(pending, epsilon)).Round(4)
	switch {
	case !pending.IsPositive():
		return ratio, Healthy
	case ratio.GreaterThanOrEqual(f.healthy):
		return ratio, Healthy
	case ratio.GreaterThanOrEqual(f.watch):
		return ratio, Watch
	}
	return ratio, Critical
}

// Get returns the reserve row, creating it empty on first access.
func (f *Fund) Get(ctx context.Context) (*model.ReserveFund, error) {
	var fund *model.ReserveFund
	err := database.RunInTx(ctx, f.db, func(tx *gorm.DB) error {
		var err error
		fund, err = lockFund(tx)
		return err
	})
	if err != nil {
		return nil, model.Internal("reserve.get", err)
	}
	return fund, nil
}

// Front debits the reserve by amount on behalf of a disbursement. When the
// balance is short it returns a *model.ReserveShortfallError and changes
// nothing.
func (f *Fund) Front(ctx context.Context, amount decimal.Decimal, disbursementID string) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err := database.RunInTx(ctx, f.db, func(tx *gorm.DB) error {
		var err error
		balance, err = f.FrontTx(tx, amount, disbursementID)
		return err
	})
	if err != nil {
		return decimal.Zero, model.Internal("reserve.front", err)
	}

	f.log.WithFields(logrus.Fields{
		"disbursement_id": disbursementID,
		"amount":          amount.String(),
		"balance_after":   balance.String(),
	}).Info("reserve fronted disbursement")

	return balance, nil
}

// FrontTx is Front inside a caller-owned transaction.
func (f *Fund) FrontTx(tx *gorm.DB, amount decimal.Decimal, disbursementID string) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}

	fund, err := lockFund(tx)
	if err != nil {
		return decimal.Zero, err
	}
	if fund.Balance.LessThan(amount) {
		return decimal.Zero, &model.ReserveShortfallError{Requested: amount, Available: fund.Balance}
	}

	fund.Balance = fund.Balance.Sub(amount)
	fund.TotalFronted = fund.TotalFronted.Add(amount)
	if err := f.save(tx, fund); err != nil {
		return decimal.Zero, err
	}

	err = tx.Create(&model.ReserveMovement{
		Kind:           model.ReserveFront,
		Amount:         amount,
		DisbursementID: &disbursementID,
		BalanceAfter:   fund.Balance,
		CreatedAt:      f.now(),
	}).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("record front: %w", err)
	}
	return fund.Balance, nil
}

// Deposit tops up the reserve.
func (f *Fund) Deposit(ctx context.Context, amount decimal.Decimal, note string) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err := database.RunInTx(ctx, f.db, func(tx *gorm.DB) error {
		fund, err := lockFund(tx)
		if err != nil {
			return err
		}

		fund.Balance = fund.Balance.Add(amount)
		fund.TotalDeposited = fund.TotalDeposited.Add(amount)
		if err := f.save(tx, fund); err != nil {
			return err
		}

		balance = fund.Balance
		return tx.Create(&model.ReserveMovement{
			Kind:         model.ReserveDeposit,
			Amount:       amount,
			Note:         note,
			BalanceAfter: fund.Balance,
			CreatedAt:    f.now(),
		}).Error
	})
	if err != nil {
		return decimal.Zero, model.Internal("reserve.deposit", err)
	}

	f.log.WithFields(logrus.Fields{
		"amount":        amount.String(),
		"balance_after": balance.String(),
	}).Info("reserve deposit recorded")

	return balance, nil
}

// Movements returns the reserve audit trail, oldest first.
func (f *Fund) Movements(ctx context.Context) ([]model.ReserveMovement, error) {
	var ms []model.ReserveMovement
	if err := f.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&ms).Error; err != nil {
		return nil, model.Internal("reserve.movements", err)
	}
	return ms, nil
}

func (f *Fund) save(tx *gorm.DB, fund *model.ReserveFund) error {
	prev := fund.Version
	fund.Version++
	res := tx.Model(&model.ReserveFund{}).
		Where("id = ? AND version = ?", fund.ID, prev).
		Updates(map[string]interface{}{
			"balance":         fund.Balance,
			"total_deposited": fund.TotalDeposited,
			"total_fronted":   fund.TotalFronted,
			"version":         fund.Version,
			"updated_at":      f.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update reserve: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("reserve: %w", database.ErrConflict)
	}
	return nil
}

func lockFund(tx *gorm.DB) (*model.ReserveFund, error) {
	fund, err := selectFund(tx)
	if err != nil || fund != nil {
		return fund, err
	}

	err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ReserveFund{
		ID:             model.ReserveFundID,
		Balance:        decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalFronted:   decimal.Zero,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("create reserve: %w", err)
	}

	fund, err = selectFund(tx)
	if err != nil {
		return nil, err
	}
	if fund == nil {
		return nil, fmt.Errorf("reserve row missing after create")
	}
	return fund, nil
}

func selectFund(tx *gorm.DB) (*model.ReserveFund, error) {
	var fund model.ReserveFund
	res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", model.ReserveFundID).
		Limit(1).
		Find(&fund)
	if res.Error != nil {
		return nil, fmt.Errorf("lock reserve: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &fund, nil
}
