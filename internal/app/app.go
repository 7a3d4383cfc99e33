// Package app assembles the ledger services over one database and notifier.
package app

import (
	"github.com/WanderlustCoder/Deluge-sub008/internal/adview"
	"github.com/WanderlustCoder/Deluge-sub008/internal/allocation"
	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/disbursement"
	"github.com/WanderlustCoder/Deluge-sub008/internal/giving"
	"github.com/WanderlustCoder/Deluge-sub008/internal/ledger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/matching"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/WanderlustCoder/Deluge-sub008/internal/repository"
	"github.com/WanderlustCoder/Deluge-sub008/internal/reserve"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App is the in-process API of the service. Request handlers and the
// background workers share one instance.
type App struct {
	Ledger        *ledger.Ledger
	Reserve       *reserve.Fund
	Disbursements *disbursement.Engine
	Allocations   *allocation.Ledger
	Matching      *matching.Pool
	AdViews       *adview.Recorder
	Giving        *giving.Service

	Projects *repository.ProjectRepository
	Events   *repository.EventRepository
}

func New(db *gorm.DB, cfg *config.Config, notifier notify.Notifier, log *logrus.Logger) *App {
	wallet := ledger.New(db, log)
	fund := reserve.New(db, cfg.Reserve, log)
	engine := disbursement.New(db, fund, log, disbursement.WithNotifier(notifier))
	allocations := allocation.New(db, wallet, cfg.Ledger, log,
		allocation.WithNotifier(notifier),
		allocation.WithSettler(engine),
	)
	pool := matching.New(db, log, matching.WithNotifier(notifier))

	return &App{
		Ledger:        wallet,
		Reserve:       fund,
		Disbursements: engine,
		Allocations:   allocations,
		Matching:      pool,
		AdViews:       adview.New(db, wallet, cfg.Ledger, log),
		Giving:        giving.New(allocations, pool, log),
		Projects:      repository.NewProjectRepository(db, log),
		Events:        repository.NewEventRepository(db, log),
	}
}
