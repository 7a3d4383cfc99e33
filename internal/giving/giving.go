// Package giving is the entry point for a user contribution: it commits the
// allocation and then tries to match it from a sponsor campaign.
package giving

import (
	"context"
	"errors"

	"github.com/WanderlustCoder/Deluge-sub008/internal/allocation"
	"github.com/WanderlustCoder/Deluge-sub008/internal/matching"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Contribution is the combined outcome. Match is nil when no campaign
// added anything.
type Contribution struct {
	*allocation.Result
	CampaignID string
	Match      *matching.Result
}

type Service struct {
	allocations *allocation.Ledger
	pool        *matching.Pool
	log         *logrus.Logger
}

func New(allocations *allocation.Ledger, pool *matching.Pool, log *logrus.Logger) *Service {
	return &Service{
		allocations: allocations,
		pool:        pool,
		log:         log,
	}
}

// Contribute commits amount to the project, then applies the best matching
// campaign to the amount actually committed. Matching failures are logged
// and never undo the allocation.
func (s *Service) Contribute(ctx context.Context, userID, projectID string, amount decimal.Decimal) (*Contribution, error) {
	res, err := s.allocations.Commit(ctx, userID, projectID, amount)
	if err != nil {
		return nil, err
	}

	out := &Contribution{Result: res}
	if s.pool == nil {
		return out, nil
	}

	for cand, err := range s.pool.FindApplicable(ctx, projectID, res.Category, res.ActualAmount) {
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"project_id": projectID,
				"error":      err,
			}).Warn("matching lookup failed")
			break
		}

		m, err := s.pool.Apply(ctx, cand.Campaign.ID, userID, projectID, res.ActualAmount)
		if errors.Is(err, model.ErrCampaignExpiredOrExhausted) {
			// spent or closed since the lookup; try the next one
			continue
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"campaign_id": cand.Campaign.ID,
				"project_id":  projectID,
				"error":       err,
			}).Warn("matching apply failed")
			break
		}
		if m.Matched {
			out.CampaignID = cand.Campaign.ID
			out.Match = m
			break
		}
	}

	return out, nil
}
