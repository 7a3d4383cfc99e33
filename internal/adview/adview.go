// Package adview credits watershed funds earned by watching ads.
package adview

import (
	"context"
	"fmt"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/ledger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// View is one impression as reported by ad serving. Only WatershedCredit
// reaches the ledger; Gross and PlatformCut are kept for reporting.
type View struct {
	EventID         string
	UserID          string
	AdID            string
	Gross           decimal.Decimal
	PlatformCut     decimal.Decimal
	WatershedCredit decimal.Decimal
	ViewedAt        time.Time
}

type Recorder struct {
	db        *gorm.DB
	wallet    *ledger.Ledger
	log       *logrus.Logger
	dailyCap  int64
	dupWindow time.Duration
	now       func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(db *gorm.DB, wallet *ledger.Ledger, cfg config.LedgerConfig, log *logrus.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		db:        db,
		wallet:    wallet,
		log:       log,
		dailyCap:  int64(cfg.AdDailyCap),
		dupWindow: cfg.AdDuplicateWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record credits the view. The daily cap, the duplicate-view window and the
// event id are checked under the user's account lock in the same transaction
// that writes the view, so concurrent views of one user cannot slip past them.
func (r *Recorder) Record(ctx context.Context, v View) (*model.AdView, error) {
	if err := model.CheckAmount(v.WatershedCredit); err != nil {
		return nil, err
	}
	if v.UserID == "" || v.AdID == "" {
		return nil, fmt.Errorf("ad view needs user and ad ids")
	}
	if v.ViewedAt.IsZero() {
		v.ViewedAt = r.now()
	}
	v.ViewedAt = v.ViewedAt.UTC()

	var view *model.AdView
	err := database.RunInTx(ctx, r.db, func(tx *gorm.DB) error {
		var err error
		view, err = r.recordTx(tx, v)
		return err
	})
	if err != nil {
		return nil, model.Internal("adview.record", err)
	}

	r.log.WithFields(logrus.Fields{
		"user_id":  v.UserID,
		"ad_id":    v.AdID,
		"event_id": v.EventID,
		"credit":   v.WatershedCredit.String(),
	}).Debug("ad view credited")

	return view, nil
}

func (r *Recorder) recordTx(tx *gorm.DB, v View) (*model.AdView, error) {
	if _, err := ledger.LockAccount(tx, v.UserID); err != nil {
		return nil, err
	}

	if v.EventID != "" {
		var seen int64
		if err := tx.Model(&model.AdView{}).Where("event_id = ?", v.EventID).Count(&seen).Error; err != nil {
			return nil, fmt.Errorf("check event: %w", err)
		}
		if seen > 0 {
			return nil, model.ErrAlreadyProcessed
		}
	}

	dayStart := v.ViewedAt.Truncate(24 * time.Hour)
	var today int64
	err := tx.Model(&model.AdView{}).
		Where("user_id = ? AND viewed_at >= ? AND viewed_at < ?", v.UserID, dayStart, dayStart.Add(24*time.Hour)).
		Count(&today).Error
	if err != nil {
		return nil, fmt.Errorf("count daily views: %w", err)
	}
	if today >= r.dailyCap {
		return nil, model.ErrDailyCapReached
	}

	var recent int64
	err = tx.Model(&model.AdView{}).
		Where("user_id = ? AND ad_id = ? AND viewed_at > ? AND viewed_at <= ?",
			v.UserID, v.AdID, v.ViewedAt.Add(-r.dupWindow), v.ViewedAt).
		Count(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("count recent views: %w", err)
	}
	if recent > 0 {
		return nil, model.ErrDuplicateView
	}

	entry, err := r.wallet.ApplyTx(tx, v.UserID, v.WatershedCredit, model.EntryAdCredit,
		fmt.Sprintf("Ad view %s", v.AdID))
	if err != nil {
		return nil, err
	}

	view := &model.AdView{
		UserID:          v.UserID,
		AdID:            v.AdID,
		Gross:           v.Gross,
		PlatformCut:     v.PlatformCut,
		WatershedCredit: v.WatershedCredit,
		ViewedAt:        v.ViewedAt,
		EntryID:         entry.ID,
	}
	if v.EventID != "" {
		view.EventID = &v.EventID
	}
	if err := tx.Create(view).Error; err != nil {
		return nil, fmt.Errorf("create ad view: %w", err)
	}
	return view, nil
}
