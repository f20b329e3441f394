// Package dbx provides the multi-database layer: fixed-size connection
// pools, transaction contexts with readonly enforcement, ambient
// (context-bound) transaction lookup, and a runner that composes N
// databases into one logical unit of work.
//
// The pool is deliberately managed above database/sql: the transaction
// runner needs explicit acquire/release with a distinct pool-exhausted
// error on a bounded wait, and idle refresh must reapply engine session
// options, none of which sql.DB's implicit pooling surfaces.
package dbx

import (
	"fmt"
	"time"

	// Database drivers for the three supported engines.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Engine identifies a supported database engine.
type Engine string

const (
	EngineSQLite   Engine = "sqlite"
	EngineMySQL    Engine = "mysql"
	EnginePostgres Engine = "postgres"
)

// ParseEngine maps a config string to an Engine.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineSQLite, EngineMySQL, EnginePostgres:
		return Engine(s), nil
	}
	return "", fmt.Errorf("op=dbx.parse_engine: unknown engine %q", s)
}

func (e Engine) driverName() string {
	switch e {
	case EngineMySQL:
		return "mysql"
	case EnginePostgres:
		return "pgx"
	default:
		return "sqlite"
	}
}

// PoolConfig bounds the per-database connection pool.
type PoolConfig struct {
	PoolSize    int
	PoolTimeout time.Duration
	MaxIdleTime time.Duration
}

// DefaultPoolConfig mirrors the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{PoolSize: 5, PoolTimeout: 30 * time.Second, MaxIdleTime: 5 * time.Minute}
}

// Config describes one named database.
type Config struct {
	Name   string
	Engine Engine
	// DSN is a file path for sqlite, a driver DSN for mysql/postgres.
	DSN  string
	Pool PoolConfig
}
