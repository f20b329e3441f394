package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/observability"
)

const refreshInterval = 60 * time.Second

// Database is a named engine-specific pool of dedicated connections.
type Database struct {
	name   string
	engine Engine
	cfg    Config

	db  *sql.DB
	sem *semaphore.Weighted

	mu    sync.Mutex
	conns []*pooledConn

	stop     chan struct{}
	stopOnce sync.Once
}

type pooledConn struct {
	conn       *sql.Conn
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
}

// Open initializes the pool: PoolSize dedicated connections, each with
// engine session options applied, plus a background idle refresher.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Pool.PoolSize <= 0 {
		cfg.Pool = DefaultPoolConfig()
	}
	if cfg.Engine == EngineSQLite {
		if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("op=dbx.open db=%s: %w", cfg.Name, err)
			}
		}
	}

	db, err := sql.Open(cfg.Engine.driverName(), dsnFor(cfg))
	if err != nil {
		return nil, fmt.Errorf("op=dbx.open db=%s: %w", cfg.Name, err)
	}
	// One extra slot lets the refresher open a replacement before closing
	// the idle connection it replaces.
	db.SetMaxOpenConns(cfg.Pool.PoolSize + 1)
	db.SetConnMaxIdleTime(0) // lifetime managed by the refresher

	d := &Database{
		name:   cfg.Name,
		engine: cfg.Engine,
		cfg:    cfg,
		db:     db,
		sem:    semaphore.NewWeighted(int64(cfg.Pool.PoolSize)),
		stop:   make(chan struct{}),
	}
	for i := 0; i < cfg.Pool.PoolSize; i++ {
		pc, err := d.newConn(ctx)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.conns = append(d.conns, pc)
	}
	go d.refreshIdle()

	slog.Info("database pool initialized",
		slog.String("db", d.name),
		slog.String("engine", string(d.engine)),
		slog.Int("pool_size", cfg.Pool.PoolSize),
		slog.Duration("pool_timeout", cfg.Pool.PoolTimeout))
	observability.DBPoolAvailable.WithLabelValues(d.name).Set(float64(cfg.Pool.PoolSize))
	return d, nil
}

// Name returns the database name used for ambient lookup.
func (d *Database) Name() string { return d.name }

// Engine returns the database engine.
func (d *Database) Engine() Engine { return d.engine }

func (d *Database) newConn(ctx context.Context) (*pooledConn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=dbx.connect db=%s: %w", d.name, err)
	}
	if err := d.applySessionOptions(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	now := time.Now()
	return &pooledConn{conn: conn, createdAt: now, lastUsedAt: now}, nil
}

// dsnFor decorates the configured DSN with engine options. The sqlite
// pragmas (WAL, NORMAL sync, busy timeout, foreign keys) ride on the DSN
// so every pooled and refreshed connection gets them.
func dsnFor(cfg Config) string {
	if cfg.Engine != EngineSQLite {
		return cfg.DSN
	}
	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

func (d *Database) applySessionOptions(ctx context.Context, conn *sql.Conn) error {
	var stmts []string
	switch d.engine {
	case EngineMySQL:
		stmts = []string{
			"SET NAMES utf8mb4",
			"SET autocommit=0",
		}
	case EnginePostgres, EngineSQLite:
		// sqlite options ride on the DSN; pgx sessions need nothing extra.
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("op=dbx.session_options db=%s stmt=%q: %w", d.name, s, err)
		}
	}
	slog.Debug("connection created with session options applied", slog.String("db", d.name))
	return nil
}

// Acquire takes one connection from the pool, waiting up to PoolTimeout.
// On timeout it returns domain.ErrPoolExhausted.
func (d *Database) Acquire(ctx context.Context) (*pooledConn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.Pool.PoolTimeout)
	defer cancel()
	if err := d.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=dbx.acquire db=%s: %w", d.name, ctx.Err())
		}
		return nil, fmt.Errorf("op=dbx.acquire db=%s timeout=%s: %w",
			d.name, d.cfg.Pool.PoolTimeout, domain.ErrPoolExhausted)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pc := range d.conns {
		if !pc.inUse {
			pc.inUse = true
			pc.lastUsedAt = time.Now()
			observability.DBPoolAvailable.WithLabelValues(d.name).Set(float64(d.available()))
			return pc, nil
		}
	}
	d.sem.Release(1)
	return nil, fmt.Errorf("op=dbx.acquire db=%s: %w", d.name, domain.ErrPoolExhausted)
}

// Release returns a connection to the pool.
func (d *Database) Release(pc *pooledConn) {
	d.mu.Lock()
	pc.inUse = false
	pc.lastUsedAt = time.Now()
	avail := d.available()
	d.mu.Unlock()
	d.sem.Release(1)
	observability.DBPoolAvailable.WithLabelValues(d.name).Set(float64(avail))
	slog.Debug("connection released", slog.String("db", d.name), slog.Int("available", avail))
}

// available must be called with mu held.
func (d *Database) available() int {
	n := 0
	for _, pc := range d.conns {
		if !pc.inUse {
			n++
		}
	}
	return n
}

// Available reports the number of free connections, for health reporting.
func (d *Database) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available()
}

// Size reports the configured pool size.
func (d *Database) Size() int { return d.cfg.Pool.PoolSize }

// refreshIdle periodically closes and reopens connections idle longer
// than MaxIdleTime. A refresh failure logs and keeps the old connection.
func (d *Database) refreshIdle() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		d.mu.Lock()
		now := time.Now()
		for _, pc := range d.conns {
			if pc.inUse || now.Sub(pc.lastUsedAt) <= d.cfg.Pool.MaxIdleTime {
				continue
			}
			fresh, err := d.newConn(context.Background())
			if err != nil {
				slog.Error("failed to refresh idle connection",
					slog.String("db", d.name), slog.Any("error", err))
				continue
			}
			_ = pc.conn.Close()
			pc.conn = fresh.conn
			pc.createdAt = now
			pc.lastUsedAt = now
			slog.Debug("refreshed idle connection", slog.String("db", d.name))
		}
		d.mu.Unlock()
	}
}

// Close shuts the refresher and closes every pooled connection.
func (d *Database) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.mu.Lock()
	for _, pc := range d.conns {
		if err := pc.conn.Close(); err != nil {
			slog.Error("error closing connection", slog.String("db", d.name), slog.Any("error", err))
		}
	}
	d.conns = nil
	d.mu.Unlock()
	err := d.db.Close()
	slog.Info("database pool closed", slog.String("db", d.name))
	return err
}
