package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxTxAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// ErrConflict signals that an optimistic version check lost a race. The
// enclosing transaction is retried by RunInTx.
var ErrConflict = errors.New("concurrent update conflict")

type Database struct {
	DB *gorm.DB
}

func New(cfg config.DatabaseConfig, log *logrus.Logger) (*Database, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// single writer; transactions queue on the one connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.WithFields(logrus.Fields{
		"driver": cfg.Driver,
		"host":   cfg.Host,
		"db":     cfg.DBName,
	}).Info("connected to database")

	return &Database{DB: db}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
		)
		return mysql.Open(dsn), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		return sqlite.Open(cfg.Path + "?_busy_timeout=5000&_foreign_keys=on"), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// RunInTx runs fn in a transaction and retries the whole transaction when the
// database reports a deadlock, serialization failure or busy lock. Domain
// errors returned by fn are passed through untouched and never retried.
func RunInTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !retryable(err) {
			return err
		}

		select {
		case <-time.After(retryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func retryable(err error) bool {
	if model.IsDomain(err) {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"40001", // postgres serialization_failure
		"40P01", // postgres deadlock_detected
		"1213",  // mysql deadlock
		"Deadlock",
		"deadlock",
		"database is locked",
		"could not serialize",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
