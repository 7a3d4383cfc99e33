package disbursement

import (
	"context"
	"fmt"

	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/reserve"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoTrigger settles a funded project from the reserve. Settlement is
// skipped while reserve health is critical; the allocations then stay
// pledged until a later sweep or a manual trigger.
func (e *Engine) AutoTrigger(ctx context.Context, projectID string) error {
	var p model.Project
	res := e.db.WithContext(ctx).Where("id = ?", projectID).Limit(1).Find(&p)
	if res.Error != nil {
		return model.Internal("disbursement.auto_trigger", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrProjectNotFound
	}
	if p.Status != model.ProjectFunded {
		return nil
	}

	health, err := e.reserve.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status == reserve.Critical {
		e.log.WithFields(logrus.Fields{
			"project_id":     projectID,
			"coverage_ratio": health.CoverageRatio.String(),
			"pending":        health.PendingDisbursements.String(),
		}).Warn("reserve critical, automatic settlement deferred")
		return nil
	}

	_, err = e.Trigger(ctx, projectID, model.SourceReserveFronted, SystemInitiator, "automatic settlement on funding")
	return err
}

// Reconcile retries the reserve front for an open reconciliation item and,
// on success, marks the disbursement fronted.
func (e *Engine) Reconcile(ctx context.Context, itemID string) (*model.ReconciliationItem, error) {
	item, balance, err := e.settle(ctx, itemID)
	if err != nil {
		return nil, model.Internal("disbursement.reconcile", err)
	}

	e.log.WithFields(logrus.Fields{
		"item_id":         item.ID,
		"disbursement_id": item.DisbursementID,
		"amount":          item.Amount.String(),
		"reserve_balance": balance.String(),
	}).Info("reconciliation resolved")

	return item, nil
}

// settle fronts the item's full amount, resolves the item and marks its
// disbursement fronted in one transaction. The item row is locked for the
// whole attempt so an amount is fronted at most once.
func (e *Engine) settle(ctx context.Context, itemID string) (*model.ReconciliationItem, decimal.Decimal, error) {
	var (
		item    model.ReconciliationItem
		balance decimal.Decimal
	)
	err := database.RunInTx(ctx, e.db, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status = ?", itemID, model.ReconciliationOpen).
			Limit(1).
			Find(&item)
		if res.Error != nil {
			return fmt.Errorf("lock reconciliation item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrReconciliationNotFound
		}

		var err error
		balance, err = e.reserve.FrontTx(tx, item.Amount, item.DisbursementID)
		if err != nil {
			return err
		}

		now := e.now()
		item.Status = model.ReconciliationResolved
		item.ResolvedAt = &now
		err = tx.Model(&model.ReconciliationItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":      item.Status,
				"resolved_at": now,
				"updated_at":  now,
			}).Error
		if err != nil {
			return fmt.Errorf("resolve item: %w", err)
		}

		return tx.Model(&model.ProjectDisbursement{}).
			Where("id = ?", item.DisbursementID).
			Updates(map[string]interface{}{
				"reconciliation": model.ReconciliationFronted,
				"shortfall":      decimal.Zero,
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return &item, balance, nil
}

// OpenReconciliations lists unresolved items, oldest first.
func (e *Engine) OpenReconciliations(ctx context.Context) ([]model.ReconciliationItem, error) {
	var items []model.ReconciliationItem
	err := e.db.WithContext(ctx).
		Where("status = ?", model.ReconciliationOpen).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, model.Internal("disbursement.open_reconciliations", err)
	}
	return items, nil
}
