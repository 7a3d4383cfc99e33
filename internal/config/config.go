package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	LogLevel string
	Database DatabaseConfig
	Rabbit   RabbitConfig
	Batch    BatchConfig
	Sweep    SweepConfig
	Ledger   LedgerConfig
	Reserve  ReserveConfig
}

type DatabaseConfig struct {
	Driver   string // postgres, mysql or sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite only
}

type RabbitConfig struct {
	Enabled        bool
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	Queue          string
	NotifyExchange string
	NotifyQueue    string
	Prefetch       int
	Workers        int

	// DeadLetterExchange receives rejected ad views; empty disables it.
	DeadLetterExchange string
}

// URL returns the amqp:// dial string.
func (c RabbitConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

type BatchConfig struct {
	Size     int
	Interval time.Duration
}

// SweepConfig drives the deferred settlement sweeper.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
}

type LedgerConfig struct {
	MinAllocation     decimal.Decimal
	AdDailyCap        int
	AdDuplicateWindow time.Duration
}

type ReserveConfig struct {
	HealthyRatio decimal.Decimal
	WatchRatio   decimal.Decimal
}

func Load() *Config {
	return &Config{
		LogLevel: getenv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getenv("DB_DRIVER", "postgres")),
			Host:     getenv("DB_HOST", "localhost"),
			Port:     intFromEnv("DB_PORT", 5432),
			User:     getenv("DB_USER", "postgres"),
			Password: getenv("DB_PASSWORD", "postgres"),
			DBName:   getenv("DB_NAME", "deluge"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
			Path:     getenv("DB_PATH", "./data/deluge.db"),
		},
		Rabbit: RabbitConfig{
			Enabled:            boolFromEnv("RABBITMQ_ENABLED", true),
			Host:               getenv("RABBITMQ_HOST", "localhost"),
			Port:               intFromEnv("RABBITMQ_PORT", 5672),
			User:               getenv("RABBITMQ_USER", "guest"),
			Password:           getenv("RABBITMQ_PASSWORD", "guest"),
			VHost:              getenv("RABBITMQ_VHOST", "/"),
			Queue:              getenv("RABBITMQ_QUEUE", "ad_views"),
			NotifyExchange:     getenv("RABBITMQ_NOTIFY_EXCHANGE", "deluge_events"),
			NotifyQueue:        getenv("RABBITMQ_NOTIFY_QUEUE", "ledger_notifications"),
			Prefetch:           intFromEnv("RABBITMQ_PREFETCH", 50),
			Workers:            clamp(intFromEnv("RABBITMQ_WORKERS", 5), 1, 10),
			DeadLetterExchange: getenv("RABBITMQ_DEAD_LETTER_EXCHANGE", ""),
		},
		Batch: BatchConfig{
			Size:     intFromEnv("BATCH_SIZE", 100),
			Interval: time.Duration(intFromEnv("BATCH_INTERVAL_SECONDS", 5)) * time.Second,
		},
		Sweep: SweepConfig{
			Interval:  time.Duration(intFromEnv("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize: intFromEnv("SWEEP_BATCH_SIZE", 100),
		},
		Ledger: LedgerConfig{
			MinAllocation:     decimalFromEnv("MIN_ALLOCATION", "1.00"),
			AdDailyCap:        intFromEnv("AD_DAILY_CAP", 50),
			AdDuplicateWindow: time.Duration(intFromEnv("AD_DUPLICATE_WINDOW_MINUTES", 60)) * time.Minute,
		},
		Reserve: ReserveConfig{
			HealthyRatio: decimalFromEnv("RESERVE_HEALTHY_RATIO", "1.00"),
			WatchRatio:   decimalFromEnv("RESERVE_WATCH_RATIO", "0.50"),
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("unsupported DB_DRIVER %q", c.Database.Driver))
	}
	if c.Batch.Size <= 0 {
		problems = append(problems, "BATCH_SIZE must be positive")
	}
	if c.Batch.Interval <= 0 {
		problems = append(problems, "BATCH_INTERVAL_SECONDS must be positive")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.BatchSize <= 0 {
		problems = append(problems, "sweep interval and batch size must be positive")
	}
	if !c.Ledger.MinAllocation.IsPositive() {
		problems = append(problems, "MIN_ALLOCATION must be positive")
	}
	if c.Ledger.AdDailyCap <= 0 {
		problems = append(problems, "AD_DAILY_CAP must be positive")
	}
	if c.Reserve.WatchRatio.IsNegative() || c.Reserve.HealthyRatio.LessThan(c.Reserve.WatchRatio) {
		problems = append(problems, "reserve ratios must satisfy 0 <= watch <= healthy")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return def
}

func intFromEnv(key string, def int) int {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}

	return def
}

func boolFromEnv(key string, def bool) bool {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.ParseBool(val); err == nil {
		return parsed
	}

	return def
}

func decimalFromEnv(key, def string) decimal.Decimal {
	if parsed, err := decimal.NewFromString(getenv(key, def)); err == nil {
		return parsed
	}

	return decimal.RequireFromString(def)
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
