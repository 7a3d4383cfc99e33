// Package matching co-funds user contributions from sponsor budget pools.
package matching

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 20

var one = decimal.NewFromInt(1)

// Candidate is a campaign that would match a contribution right now.
type Candidate struct {
	Campaign       model.MatchingCampaign
	PotentialMatch decimal.Decimal
	ActualMatch    decimal.Decimal
}

// Result describes an Apply call. Matched is false when the campaign had
// nothing to add.
type Result struct {
	Matched         bool
	MatchAmount     decimal.Decimal
	RemainingBudget decimal.Decimal
	Exhausted       bool
	Contribution    *model.MatchingContribution
}

type Pool struct {
	db       *gorm.DB
	log      *logrus.Logger
	notifier notify.Notifier
	pageSize int
	now      func() time.Time
}

type Option func(*Pool)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithPageSize sets how many campaigns FindApplicable reads per query.
func WithPageSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func New(db *gorm.DB, log *logrus.Logger, opts ...Option) *Pool {
	p := &Pool{
		db:       db,
		log:      log,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateCampaign registers a sponsor pool. RemainingBudget starts at
// TotalBudget and StartsAt defaults to now.
func (p *Pool) CreateCampaign(ctx context.Context, c *model.MatchingCampaign) error {
	if err := model.CheckAmount(c.TotalBudget); err != nil {
		return err
	}
	if !c.MatchRatio.GreaterThan(one) || !c.MatchRatio.Equal(c.MatchRatio.Round(2)) {
		return fmt.Errorf("match ratio %s must exceed 1 with at most two decimals", c.MatchRatio)
	}
	switch c.TargetType {
	case model.TargetAll:
	case model.TargetProject, model.TargetCategory:
		if c.TargetValue == "" {
			return fmt.Errorf("target %s needs a value", c.TargetType)
		}
	default:
		return fmt.Errorf("unknown target type %q", c.TargetType)
	}

	c.RemainingBudget = c.TotalBudget
	c.Status = model.CampaignActive
	if c.StartsAt.IsZero() {
		c.StartsAt = p.now()
	}
	if c.EndsAt != nil && !c.EndsAt.After(c.StartsAt) {
		return fmt.Errorf("campaign ends before it starts")
	}

	if err := p.db.WithContext(ctx).Create(c).Error; err != nil {
		return model.Internal("matching.create_campaign", err)
	}

	p.log.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"sponsor":     c.SponsorName,
		"budget":      c.TotalBudget.String(),
		"ratio":       c.MatchRatio.String(),
		"target":      c.TargetType,
	}).Info("matching campaign created")

	return nil
}

// Campaign returns a campaign by id.
func (p *Pool) Campaign(ctx context.Context, id string) (*model.MatchingCampaign, error) {
	var c model.MatchingCampaign
	res := p.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&c)
	if res.Error != nil {
		return nil, model.Internal("matching.campaign", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, model.ErrCampaignNotFound
	}
	return &c, nil
}

// FindApplicable yields campaigns that cover the project and could match
// amount, highest ratio first. Campaigns are read one page at a time, so
// stopping early skips the remaining queries. The figures are a snapshot;
// Apply re-validates them.
func (p *Pool) FindApplicable(ctx context.Context, projectID, category string, amount decimal.Decimal) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		if model.CheckAmount(amount) != nil {
			return
		}
		now := p.now()
		for offset := 0; ; offset += p.pageSize {
			page, err := p.applicablePage(ctx, projectID, category, now, offset)
			if err != nil {
				yield(Candidate{}, model.Internal("matching.find_applicable", err))
				return
			}
			for _, c := range page {
				potential, actual := matchFor(amount, c.MatchRatio, c.RemainingBudget)
				if !actual.IsPositive() {
					continue
				}
				if !yield(Candidate{Campaign: c, PotentialMatch: potential, ActualMatch: actual}, nil) {
					return
				}
			}
			if len(page) < p.pageSize {
				return
			}
		}
	}
}

func (p *Pool) applicablePage(ctx context.Context, projectID, category string, now time.Time, offset int) ([]model.MatchingCampaign, error) {
	var page []model.MatchingCampaign
	err := p.db.WithContext(ctx).
		Where("status = ? AND remaining_budget > 0", model.CampaignActive).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)", now, now).
		Where(p.db.Where("target_type = ?", model.TargetAll).
			Or("target_type = ? AND target_value = ?", model.TargetProject, projectID).
			Or("target_type = ? AND target_value = ?", model.TargetCategory, category)).
		Order("match_ratio DESC, created_at ASC, id ASC").
		Limit(p.pageSize).
		Offset(offset).
		Find(&page).Error

	return page, err
}

// Apply matches userAmount against the campaign. The campaign row is locked
// and re-validated so concurrent applies never spend more than the budget.
func (p *Pool) Apply(ctx context.Context, campaignID, userID, projectID string, userAmount decimal.Decimal) (*Result, error) {
	if err := model.CheckAmount(userAmount); err != nil {
		return nil, err
	}

	var res *Result
	err := database.RunInTx(ctx, p.db, func(tx *gorm.DB) error {
		var err error
		res, err = p.applyTx(tx, campaignID, userID, projectID, userAmount)
		return err
	})
	if err != nil {
		return nil, model.Internal("matching.apply", err)
	}
	if !res.Matched {
		return res, nil
	}

	p.log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"user_id":     userID,
		"project_id":  projectID,
		"user_amount": userAmount.String(),
		"match":       res.MatchAmount.String(),
		"remaining":   res.RemainingBudget.String(),
	}).Info("contribution matched")

	notify.Dispatch(ctx, p.notifier, p.log, notify.Event{
		Kind:       notify.Matched,
		UserID:     userID,
		ProjectID:  projectID,
		CampaignID: campaignID,
		Amount:     notify.Amount(res.MatchAmount),
	})

	return res, nil
}

func (p *Pool) applyTx(tx *gorm.DB, campaignID, userID, projectID string, userAmount decimal.Decimal) (*Result, error) {
	var c model.MatchingCampaign
	found := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", campaignID).
		Limit(1).
		Find(&c)
	if found.Error != nil {
		return nil, fmt.Errorf("lock campaign: %w", found.Error)
	}
	if found.RowsAffected == 0 {
		return nil, model.ErrCampaignNotFound
	}

	now := p.now()
	if c.Status != model.CampaignActive || !c.OpenAt(now) || !c.RemainingBudget.IsPositive() {
		return nil, model.ErrCampaignExpiredOrExhausted
	}
	return p.spend(tx, &c, userID, projectID, userAmount, now)
}

// spend records the match against c as read under the lock. The budget
// update is guarded by c.Version, so a stale c yields database.ErrConflict.
func (p *Pool) spend(tx *gorm.DB, c *model.MatchingCampaign, userID, projectID string, userAmount decimal.Decimal, now time.Time) (*Result, error) {
	_, actual := matchFor(userAmount, c.MatchRatio, c.RemainingBudget)
	if !actual.IsPositive() {
		return &Result{RemainingBudget: c.RemainingBudget}, nil
	}

	contribution := &model.MatchingContribution{
		CampaignID:  c.ID,
		UserID:      userID,
		ProjectID:   projectID,
		UserAmount:  userAmount,
		MatchAmount: actual,
		CreatedAt:   now,
	}
	if err := tx.Create(contribution).Error; err != nil {
		return nil, fmt.Errorf("create contribution: %w", err)
	}

	remaining := c.RemainingBudget.Sub(actual)
	updates := map[string]interface{}{
		"remaining_budget": remaining,
		"version":          c.Version + 1,
		"updated_at":       now,
	}
	exhausted := !remaining.IsPositive()
	if exhausted {
		updates["status"] = model.CampaignCompleted
	}

	upd := tx.Model(&model.MatchingCampaign{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(updates)
	if upd.Error != nil {
		return nil, fmt.Errorf("update campaign budget: %w", upd.Error)
	}
	if upd.RowsAffected != 1 {
		return nil, fmt.Errorf("campaign %s: %w", c.ID, database.ErrConflict)
	}

	return &Result{
		Matched:         true,
		MatchAmount:     actual,
		RemainingBudget: remaining,
		Exhausted:       exhausted,
		Contribution:    contribution,
	}, nil
}

// Contributions lists a campaign's matched events, oldest first.
func (p *Pool) Contributions(ctx context.Context, campaignID string) ([]model.MatchingContribution, error) {
	var cs []model.MatchingContribution
	err := p.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at ASC, id ASC").
		Find(&cs).Error
	if err != nil {
		return nil, model.Internal("matching.contributions", err)
	}
	return cs, nil
}

// matchFor returns amount*(ratio-1) and that figure capped at remaining,
// both rounded to cents.
func matchFor(amount, ratio, remaining decimal.Decimal) (potential, actual decimal.Decimal) {
	potential = amount.Mul(ratio.Sub(one)).Round(2)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return potential, decimal.Min(potential, remaining)
}
