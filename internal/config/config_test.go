package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "ad_views", cfg.Rabbit.Queue)
	require.Equal(t, 5, cfg.Rabbit.Workers)
	require.Empty(t, cfg.Rabbit.DeadLetterExchange)
	require.Equal(t, time.Hour, cfg.Ledger.AdDuplicateWindow)
	require.Equal(t, "1", cfg.Ledger.MinAllocation.String())
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("RABBITMQ_WORKERS", "40")
	t.Setenv("RABBITMQ_ENABLED", "false")
	t.Setenv("RABBITMQ_DEAD_LETTER_EXCHANGE", "ad_views_dlx")
	t.Setenv("MIN_ALLOCATION", "0.25")
	t.Setenv("AD_DAILY_CAP", "not-a-number")

	cfg := Load()

	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "/tmp/x.db", cfg.Database.Path)
	require.Equal(t, 10, cfg.Rabbit.Workers)
	require.False(t, cfg.Rabbit.Enabled)
	require.Equal(t, "ad_views_dlx", cfg.Rabbit.DeadLetterExchange)
	require.Equal(t, "0.25", cfg.Ledger.MinAllocation.String())
	require.Equal(t, 50, cfg.Ledger.AdDailyCap)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Load()
	cfg.Database.Driver = "oracle"
	cfg.Batch.Size = 0
	cfg.Reserve.WatchRatio = cfg.Reserve.HealthyRatio.Add(cfg.Reserve.HealthyRatio)

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `unsupported DB_DRIVER "oracle"`)
	require.Contains(t, err.Error(), "BATCH_SIZE must be positive")
	require.Contains(t, err.Error(), "reserve ratios")
}

func TestRabbitURL(t *testing.T) {
	c := RabbitConfig{User: "u", Password: "p", Host: "mq", Port: 5672, VHost: "/"}
	require.Equal(t, "amqp://u:p@mq:5672/", c.URL())
}
