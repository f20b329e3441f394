package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBEngine)
	assert.Equal(t, "default", cfg.DBName)
	assert.Equal(t, 5, cfg.DBPoolSize)
	assert.Equal(t, 30*time.Second, cfg.DBPoolTimeout)
	assert.Equal(t, time.Minute, cfg.DispatcherPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.DispatcherMaxSleep)
	assert.Equal(t, time.Minute, cfg.MinCronInterval)
	assert.Equal(t, 5, cfg.WorkerPoolSize)
	assert.Equal(t, 10, cfg.ClaimBatchSize)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.AuxDBEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("DB_ENGINE", "postgres")
	t.Setenv("DB_DSN", "postgres://localhost:5432/jobu")
	t.Setenv("DB_POOL_SIZE", "12")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("AUX_DB_DSN", "./aux.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, "postgres", cfg.DBEngine)
	assert.Equal(t, 12, cfg.DBPoolSize)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AuxDBEnabled())
}
