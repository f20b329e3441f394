// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// The same struct is shared by the dispatcher, worker and admin processes.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"jobu"`
	Port        int    `env:"PORT" envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	// Scheduler database. Engine is one of sqlite, mysql, postgres.
	// DSN is a file path for sqlite and a driver DSN otherwise.
	DBName        string        `env:"DB_NAME" envDefault:"default"`
	DBEngine      string        `env:"DB_ENGINE" envDefault:"sqlite"`
	DBDSN         string        `env:"DB_DSN" envDefault:"./data/jobu.db"`
	DBPoolSize    int           `env:"DB_POOL_SIZE" envDefault:"5"`
	DBPoolTimeout time.Duration `env:"DB_POOL_TIMEOUT" envDefault:"30s"`
	DBMaxIdleTime time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`

	// Optional auxiliary database for handlers that span two stores
	// (e.g. sync_source_to_target). Empty DSN disables it.
	AuxDBName   string `env:"AUX_DB_NAME" envDefault:"aux"`
	AuxDBEngine string `env:"AUX_DB_ENGINE" envDefault:"sqlite"`
	AuxDBDSN    string `env:"AUX_DB_DSN"`

	// Cron dispatcher.
	DispatcherPollInterval time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"60s"`
	DispatcherMaxSleep     time.Duration `env:"DISPATCHER_MAX_SLEEP" envDefault:"300s"`
	MinCronInterval        time.Duration `env:"MIN_CRON_INTERVAL" envDefault:"60s"`

	// Worker pool.
	WorkerPoolSize        int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	WorkerPollInterval    time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	ClaimBatchSize        int           `env:"CLAIM_BATCH_SIZE" envDefault:"10"`
	WorkerShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Queue dispatcher (Kafka).
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"jobu.executions"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"jobu-queue-dispatcher"`

	// Admin HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// AuxDBEnabled reports whether the auxiliary database is configured.
func (c Config) AuxDBEnabled() bool { return c.AuxDBDSN != "" }
