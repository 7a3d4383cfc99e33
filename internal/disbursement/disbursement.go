// Package disbursement releases a project's pledged allocations and fronts
// the money from the platform reserve.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/WanderlustCoder/Deluge-sub008/internal/reserve"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SystemInitiator marks disbursements started without a human operator.
const SystemInitiator = "system"

// Collateral is the reserve as seen by the engine.
type Collateral interface {
	Health(ctx context.Context) (reserve.Health, error)
	FrontTx(tx *gorm.DB, amount decimal.Decimal, disbursementID string) (decimal.Decimal, error)
}

// Reconciliation is the collateral state of a disbursement: NotRequired,
// Fronted or PendingReconciliation.
type Reconciliation interface {
	State() model.ReconciliationState
}

type NotRequired struct{}

func (NotRequired) State() model.ReconciliationState { return model.ReconciliationNotRequired }

type Fronted struct {
	ReserveBalance decimal.Decimal
}

func (Fronted) State() model.ReconciliationState { return model.ReconciliationFronted }

type PendingReconciliation struct {
	ItemID    string
	Shortfall decimal.Decimal
}

func (PendingReconciliation) State() model.ReconciliationState { return model.ReconciliationPending }

// Outcome describes a disbursement that was recorded.
type Outcome struct {
	Disbursement   model.ProjectDisbursement
	Allocations    int
	Reconciliation Reconciliation
}

type Engine struct {
	db       *gorm.DB
	reserve  Collateral
	log      *logrus.Logger
	notifier notify.Notifier
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(db *gorm.DB, reserve Collateral, log *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		reserve: reserve,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger disburses every pledged allocation of the project. It returns a
// nil Outcome when nothing is pledged.
//
// A reserve-fronted disbursement is committed together with an open
// reconciliation item for its full amount. The front then resolves that item;
// if the reserve is short the item simply stays open and the call succeeds.
// If the front fails unexpectedly the Outcome is still returned together with
// the error, and the open item is picked up by a later reconciliation pass.
func (e *Engine) Trigger(ctx context.Context, projectID string, source model.DisbursementSource, initiatedBy, notes string) (*Outcome, error) {
	if source != model.SourceReserveFronted && source != model.SourceDirect {
		return nil, fmt.Errorf("unknown disbursement source %q", source)
	}

	var out *Outcome
	err := database.RunInTx(ctx, e.db, func(tx *gorm.DB) error {
		var err error
		out, err = e.disburseTx(tx, projectID, source, initiatedBy, notes)
		return err
	})
	if err != nil {
		return nil, model.Internal("disbursement.trigger", err)
	}
	if out == nil {
		e.log.WithField("project_id", projectID).Debug("nothing pledged, disbursement skipped")
		return nil, nil
	}

	d := out.Disbursement
	e.log.WithFields(logrus.Fields{
		"project_id":      projectID,
		"disbursement_id": d.ID,
		"amount":          d.Amount.String(),
		"allocations":     out.Allocations,
		"source":          source,
	}).Info("disbursement recorded")

	var frontErr error
	if pending, ok := out.Reconciliation.(PendingReconciliation); ok {
		out.Reconciliation, frontErr = e.front(ctx, &out.Disbursement, pending)
	}

	notify.Dispatch(ctx, e.notifier, e.log, notify.Event{
		Kind:      notify.Disbursed,
		ProjectID: projectID,
		Amount:    notify.Amount(d.Amount),
	})

	return out, frontErr
}

func (e *Engine) disburseTx(tx *gorm.DB, projectID string, source model.DisbursementSource, initiatedBy, notes string) (*Outcome, error) {
	var p model.Project
	found := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", projectID).
		Limit(1).
		Find(&p)
	if found.Error != nil {
		return nil, fmt.Errorf("lock project: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, model.ErrProjectNotFound
	}

	var pledged []model.Allocation
	err := tx.Where("project_id = ? AND status = ?", projectID, model.AllocationPledged).
		Order("created_at ASC, id ASC").
		Find(&pledged).Error
	if err != nil {
		return nil, fmt.Errorf("load pledged allocations: %w", err)
	}

	sum := decimal.Zero
	ids := make([]string, 0, len(pledged))
	for _, a := range pledged {
		sum = sum.Add(a.Amount)
		ids = append(ids, a.ID)
	}
	if !sum.IsPositive() {
		return nil, nil
	}

	now := e.now()
	d := model.ProjectDisbursement{
		ProjectID:      projectID,
		Amount:         sum,
		Source:         source,
		Status:         model.DisbursementCompleted,
		InitiatedBy:    initiatedBy,
		Notes:          notes,
		Reconciliation: model.ReconciliationNotRequired,
		Shortfall:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if source == model.SourceReserveFronted {
		// nothing is fronted until the item is resolved
		d.Reconciliation = model.ReconciliationPending
		d.Shortfall = sum
	}
	if err := tx.Create(&d).Error; err != nil {
		return nil, fmt.Errorf("create disbursement: %w", err)
	}

	var rec Reconciliation = NotRequired{}
	if source == model.SourceReserveFronted {
		item := model.ReconciliationItem{
			DisbursementID: d.ID,
			ProjectID:      projectID,
			Amount:         sum,
			Shortfall:      sum,
			Status:         model.ReconciliationOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, fmt.Errorf("queue reconciliation item: %w", err)
		}
		rec = PendingReconciliation{ItemID: item.ID, Shortfall: sum}
	}

	upd := tx.Model(&model.Allocation{}).
		Where("id IN ? AND status = ?", ids, model.AllocationPledged).
		Updates(map[string]interface{}{
			"status":          model.AllocationDisbursed,
			"disbursed_at":    now,
			"disbursement_id": d.ID,
			"updated_at":      now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("mark allocations disbursed: %w", upd.Error)
	}
	if upd.RowsAffected != int64(len(ids)) {
		return nil, fmt.Errorf("project %s allocations: %w", projectID, database.ErrConflict)
	}

	disbursed := p.DisbursedAmount.Add(sum)
	updates := map[string]interface{}{
		"disbursed_amount":    disbursed,
		"disbursement_status": model.DisbursementPartial,
		"version":             p.Version + 1,
		"updated_at":          now,
	}
	if disbursed.GreaterThanOrEqual(p.FundingRaised) {
		updates["disbursement_status"] = model.DisbursementDisbursed
		if p.Status == model.ProjectFunded {
			updates["status"] = model.ProjectCompleted
		}
	}
	prj := tx.Model(&model.Project{}).
		Where("id = ? AND version = ?", projectID, p.Version).
		Updates(updates)
	if prj.Error != nil {
		return nil, fmt.Errorf("update project disbursement: %w", prj.Error)
	}
	if prj.RowsAffected != 1 {
		return nil, fmt.Errorf("project %s: %w", projectID, database.ErrConflict)
	}

	return &Outcome{Disbursement: d, Allocations: len(ids), Reconciliation: rec}, nil
}

// front resolves the disbursement's reconciliation item from the reserve. On
// a shortfall the item stays open and d is annotated; nothing is fronted.
func (e *Engine) front(ctx context.Context, d *model.ProjectDisbursement, pending PendingReconciliation) (Reconciliation, error) {
	_, balance, err := e.settle(ctx, pending.ItemID)
	switch {
	case err == nil:
		d.Reconciliation = model.ReconciliationFronted
		d.Shortfall = decimal.Zero
		return Fronted{ReserveBalance: balance}, nil
	case errors.Is(err, model.ErrReconciliationNotFound):
		// a concurrent reconciliation pass resolved it first
		d.Reconciliation = model.ReconciliationFronted
		d.Shortfall = decimal.Zero
		return Fronted{ReserveBalance: balance}, nil
	}

	var short *model.ReserveShortfallError
	if !errors.As(err, &short) {
		e.log.WithFields(logrus.Fields{
			"disbursement_id": d.ID,
			"item_id":         pending.ItemID,
			"error":           err,
		}).Error("reserve front failed; item stays open for reconciliation")
		return pending, model.Internal("disbursement.front", err)
	}

	d.Notes = appendNote(d.Notes, fmt.Sprintf("reserve insufficient: shortfall %s, reserve available %s",
		pending.Shortfall.StringFixed(2), short.Available.StringFixed(2)))
	if err := e.annotate(ctx, d.ID, d.Notes); err != nil {
		e.log.WithFields(logrus.Fields{
			"disbursement_id": d.ID,
			"error":           err,
		}).Warn("failed to annotate under-collateralized disbursement")
	}

	e.log.WithFields(logrus.Fields{
		"disbursement_id": d.ID,
		"project_id":      d.ProjectID,
		"shortfall":       pending.Shortfall.String(),
		"available":       short.Available.String(),
	}).Warn("disbursement under-collateralized, queued for reconciliation")

	notify.Dispatch(ctx, e.notifier, e.log, notify.Event{
		Kind:      notify.ReconciliationQueued,
		ProjectID: d.ProjectID,
		Amount:    notify.Amount(pending.Shortfall),
	})

	return pending, nil
}

// annotate records why a disbursement is still pending. The open
// reconciliation item is what drives the retry, so this is informational.
func (e *Engine) annotate(ctx context.Context, disbursementID, notes string) error {
	err := e.db.WithContext(ctx).
		Model(&model.ProjectDisbursement{}).
		Where("id = ?", disbursementID).
		Updates(map[string]interface{}{
			"notes":      notes,
			"updated_at": e.now(),
		}).Error
	return model.Internal("disbursement.annotate", err)
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}
