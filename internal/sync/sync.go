package sync

import (
	"context"
	"errors"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/sirupsen/logrus"
)

const (
	sweepTimeout = 30 * time.Second
)

// Store pages funded projects that still hold pledged allocations.
type Store interface {
	CountAwaitingSettlement(ctx context.Context) (int64, error)
	ListAwaitingSettlement(ctx context.Context, limit, offset int) ([]model.Project, error)
}

type Settler interface {
	AutoTrigger(ctx context.Context, projectID string) error
}

// Reconciler retries reserve fronts that came up short.
type Reconciler interface {
	OpenReconciliations(ctx context.Context) ([]model.ReconciliationItem, error)
	Reconcile(ctx context.Context, itemID string) (*model.ReconciliationItem, error)
}

// Engine is what the sweeper drives; disbursement.Engine implements it.
type Engine interface {
	Settler
	Reconciler
}

// SweepSettlements periodically retries automatic settlement for funded
// projects that were skipped while the reserve was critical, and retries
// open reconciliation items.
func SweepSettlements(
	ctx context.Context,
	store Store,
	engine Engine,
	batchSize int,
	interval time.Duration,
	log *logrus.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial sweep
	RunSweep(ctx, store, engine, batchSize, log)
	RunReconciliation(ctx, engine, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping settlement sweeper")
			return
		case <-ticker.C:
			RunSweep(ctx, store, engine, batchSize, log)
			RunReconciliation(ctx, engine, log)
		}
	}
}

// RunReconciliation retries every open item, oldest first, and returns how
// many were resolved.
func RunReconciliation(ctx context.Context, r Reconciler, log *logrus.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	items, err := r.OpenReconciliations(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list open reconciliations")
		return 0
	}

	resolved := 0
	for _, item := range items {
		_, err := r.Reconcile(ctx, item.ID)
		if errors.Is(err, model.ErrReserveInsufficient) {
			log.WithFields(logrus.Fields{
				"item_id":   item.ID,
				"shortfall": item.Shortfall.String(),
			}).Debug("reserve still short, reconciliation deferred")
			continue
		}
		if err != nil && !errors.Is(err, model.ErrReconciliationNotFound) {
			log.WithFields(logrus.Fields{
				"item_id": item.ID,
				"error":   err,
			}).Warn("reconciliation retry failed")
			continue
		}
		if err == nil {
			resolved++
		}
	}

	if len(items) > 0 {
		log.WithFields(logrus.Fields{
			"open":     len(items),
			"resolved": resolved,
		}).Info("reconciliation pass completed")
	}
	return resolved
}

// RunSweep makes one pass and returns how many projects it settled.
func RunSweep(
	ctx context.Context,
	store Store,
	settler Settler,
	batchSize int,
	log *logrus.Logger,
) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	total, err := store.CountAwaitingSettlement(ctx)
	if err != nil {
		log.WithError(err).Error("failed to count projects awaiting settlement")
		return 0
	}

	if total == 0 {
		log.Debug("no projects awaiting settlement")
		return 0
	}

	log.WithField("total", total).Debug("starting settlement sweep")

	// Settled projects drop out of the result set, so the offset only
	// advances past projects that are still waiting.
	var attempted, settled int
	offset := 0

	for {
		projects, err := store.ListAwaitingSettlement(ctx, batchSize, offset)
		if err != nil {
			log.WithError(err).Error("failed to fetch projects awaiting settlement")
			break
		}

		if len(projects) == 0 {
			break
		}

		for _, p := range projects {
			attempted++
			if err := settler.AutoTrigger(ctx, p.ID); err != nil {
				log.WithFields(logrus.Fields{
					"project_id": p.ID,
					"error":      err,
				}).Warn("settlement retry failed")
			}
		}

		remaining, err := store.CountAwaitingSettlement(ctx)
		if err != nil {
			log.WithError(err).Error("failed to recount projects awaiting settlement")
			break
		}
		done := int(total - remaining)
		if done < 0 {
			done = 0
		}
		settled = done
		offset = attempted - done

		// Check if we've processed all records
		if len(projects) < batchSize || remaining == 0 || int64(attempted) >= total {
			break
		}

		// Check context cancellation
		select {
		case <-ctx.Done():
			log.Info("settlement sweep cancelled")
			return settled
		default:
		}
	}

	log.WithFields(logrus.Fields{
		"settled": settled,
		"total":   total,
	}).Info("settlement sweep completed")

	return settled
}
