package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/WanderlustCoder/Deluge-sub008/internal/app"
	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/consumer"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/logger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/WanderlustCoder/Deluge-sub008/internal/processor"
	settlement "github.com/WanderlustCoder/Deluge-sub008/internal/sync"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	// Initialize database
	db, err := database.New(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Rabbit.Enabled {
		publisher, err := notify.NewAMQPPublisher(cfg.Rabbit.URL(), cfg.Rabbit.NotifyExchange, cfg.Rabbit.NotifyQueue, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize notification publisher")
		}
		defer publisher.Close()
		notifier = publisher
	}

	svc := app.New(db.DB, cfg, notifier, log)

	// Verify conservation before taking traffic
	failed, err := svc.Ledger.AuditAll(ctx, cfg.Sweep.BatchSize)
	if err != nil {
		log.WithError(err).Fatal("ledger audit failed")
	}
	for _, report := range failed {
		log.WithFields(logrus.Fields{
			"owner_id":   report.OwnerID,
			"violations": report.Violations,
		}).Error("ledger account failed audit")
	}

	// Start settlement sweeper goroutine
	go settlement.SweepSettlements(
		ctx,
		svc.Projects,
		svc.Disbursements,
		cfg.Sweep.BatchSize,
		cfg.Sweep.Interval,
		log,
	)

	if !cfg.Rabbit.Enabled {
		log.Info("RabbitMQ disabled, ad view consumer not started")
		<-ctx.Done()
		log.Info("graceful shutdown complete")
		return
	}

	// Create channel for incoming ad views
	updates := make(chan processor.IncomingUpdate, cfg.Batch.Size*2)

	// Start processor goroutine
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		processor.ProcessBatches(
			ctx,
			svc.AdViews,
			svc.Events,
			updates,
			cfg.Batch.Size,
			cfg.Batch.Interval,
			log,
		)
	}()

	// Initialize and start RabbitMQ consumer
	rmqConsumer, err := consumer.New(cfg.Rabbit, log, updates)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize RabbitMQ consumer")
	}
	defer rmqConsumer.Close()

	// Start consuming messages
	if err := rmqConsumer.Start(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("consumer stopped unexpectedly")
	}

	<-processed
	log.Info("graceful shutdown complete")
}
