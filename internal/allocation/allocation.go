// Package allocation commits watershed funds to community projects.
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/cascade"
	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/ledger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Settler settles a project once it becomes fully funded.
type Settler interface {
	AutoTrigger(ctx context.Context, projectID string) error
}

type Ledger struct {
	db       *gorm.DB
	wallet   *ledger.Ledger
	log      *logrus.Logger
	minimum  decimal.Decimal
	notifier notify.Notifier
	settler  Settler
	now      func() time.Time
}

type Option func(*Ledger)

func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithSettler registers the hook run after a commit funds a project.
func WithSettler(s Settler) Option {
	return func(l *Ledger) { l.settler = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(db *gorm.DB, wallet *ledger.Ledger, cfg config.LedgerConfig, log *logrus.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		wallet:  wallet,
		log:     log,
		minimum: cfg.MinAllocation,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Result describes a successful commit.
type Result struct {
	Allocation   model.Allocation
	Category     string
	ActualAmount decimal.Decimal
	StageBefore  cascade.Stage
	StageAfter   cascade.Stage
	StageChanged bool
	// Funded is set when this commit moved the project to funded.
	Funded bool
}

// Commit pledges up to requested from the user's watershed to the project.
// The amount is capped at the project's remaining need, read under the same
// row lock that the write happens under.
func (l *Ledger) Commit(ctx context.Context, userID, projectID string, requested decimal.Decimal) (*Result, error) {
	if err := model.CheckAmount(requested); err != nil {
		return nil, err
	}

	var res *Result
	err := database.RunInTx(ctx, l.db, func(tx *gorm.DB) error {
		var err error
		res, err = l.commitTx(tx, userID, projectID, requested)
		return err
	})
	if err != nil {
		return nil, model.Internal("allocation.commit", err)
	}

	l.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"project_id": projectID,
		"requested":  requested.String(),
		"actual":     res.ActualAmount.String(),
		"stage":      res.StageAfter.Name,
		"funded":     res.Funded,
	}).Info("allocation committed")

	l.afterCommit(ctx, userID, projectID, res)
	return res, nil
}

func (l *Ledger) commitTx(tx *gorm.DB, userID, projectID string, requested decimal.Decimal) (*Result, error) {
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
	if p.Status != model.ProjectActive {
		return nil, model.ErrProjectNotFundable
	}
	return l.pledge(tx, &p, userID, requested)
}

// pledge moves the capped amount from the user to p as read under the lock.
// The project update is guarded by p.Version, so a stale p yields
// database.ErrConflict.
func (l *Ledger) pledge(tx *gorm.DB, p *model.Project, userID string, requested decimal.Decimal) (*Result, error) {
	acct, err := ledger.LockAccount(tx, userID)
	if err != nil {
		return nil, err
	}
	if acct.Balance.LessThan(requested) {
		return nil, model.ErrInsufficientBalance
	}

	actual := decimal.Min(requested, p.Remaining())
	if actual.LessThan(l.minimum) {
		return nil, model.ErrBelowMinimumAmount
	}

	before := cascade.StageFor(p.FundingRaised, p.FundingGoal)

	if _, err := l.wallet.ApplyTx(tx, userID, actual.Neg(), model.EntryProjectAllocation,
		fmt.Sprintf("Allocation to %s", p.Title)); err != nil {
		return nil, err
	}

	now := l.now()
	alloc := model.Allocation{
		OwnerID:   userID,
		ProjectID: p.ID,
		Amount:    actual,
		Status:    model.AllocationPledged,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&alloc).Error; err != nil {
		return nil, fmt.Errorf("create allocation: %w", err)
	}

	raised := p.FundingRaised.Add(actual)
	updates := map[string]interface{}{
		"funding_raised": raised,
		"backer_count":   p.BackerCount + 1,
		"version":        p.Version + 1,
		"updated_at":     now,
	}
	funded := raised.GreaterThanOrEqual(p.FundingGoal)
	if funded {
		updates["status"] = model.ProjectFunded
		updates["funded_at"] = now
	}

	upd := tx.Model(&model.Project{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(updates)
	if upd.Error != nil {
		return nil, fmt.Errorf("update project: %w", upd.Error)
	}
	if upd.RowsAffected != 1 {
		return nil, fmt.Errorf("project %s: %w", p.ID, database.ErrConflict)
	}

	after := cascade.StageFor(raised, p.FundingGoal)
	return &Result{
		Allocation:   alloc,
		Category:     p.Category,
		ActualAmount: actual,
		StageBefore:  before,
		StageAfter:   after,
		StageChanged: cascade.Crossed(before, after),
		Funded:       funded,
	}, nil
}

// afterCommit fires side effects. None of them can undo the commit.
func (l *Ledger) afterCommit(ctx context.Context, userID, projectID string, res *Result) {
	if res.StageChanged {
		notify.Dispatch(ctx, l.notifier, l.log, notify.Event{
			Kind:      notify.StageCrossed,
			UserID:    userID,
			ProjectID: projectID,
			Stage:     res.StageAfter.Name,
			Amount:    notify.Amount(res.ActualAmount),
		})
	}
	if !res.Funded {
		return
	}

	notify.Dispatch(ctx, l.notifier, l.log, notify.Event{
		Kind:      notify.ProjectFunded,
		ProjectID: projectID,
	})

	if l.settler == nil {
		return
	}
	if err := l.settler.AutoTrigger(context.WithoutCancel(ctx), projectID); err != nil {
		l.log.WithFields(logrus.Fields{
			"project_id": projectID,
			"error":      err,
		}).Error("automatic settlement failed; allocations stay pledged")
	}
}
