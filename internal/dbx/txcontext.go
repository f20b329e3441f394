package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/fairyhunter13/jobu/internal/domain"
)

var writeKeywords = []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "TRUNCATE"}

// TxContext is one connection participating in a transaction. SQL issued
// through it is logged at debug and, for readonly contexts, rejected
// before reaching the connection when it starts with a write keyword.
type TxContext struct {
	db       *Database
	pc       *pooledConn
	readonly bool
	inTx     bool
}

func newTxContext(db *Database, pc *pooledConn, readonly bool) *TxContext {
	return &TxContext{db: db, pc: pc, readonly: readonly}
}

// Readonly reports whether this context rejects writes.
func (t *TxContext) Readonly() bool { return t.readonly }

// InTransaction reports whether a transaction is currently open.
func (t *TxContext) InTransaction() bool { return t.inTx }

// Engine returns the underlying database engine, for dialect switches.
func (t *TxContext) Engine() Engine { return t.db.engine }

// Begin opens a transaction. For sqlite, readonly contexts use DEFERRED
// and writers IMMEDIATE; mysql and postgres use a plain BEGIN.
func (t *TxContext) Begin(ctx context.Context) error {
	if t.inTx {
		slog.Warn("transaction already started", slog.String("db", t.db.name))
		return nil
	}
	stmt := "BEGIN"
	if t.db.engine == EngineSQLite {
		if t.readonly {
			stmt = "BEGIN DEFERRED"
		} else {
			stmt = "BEGIN IMMEDIATE"
		}
	}
	if _, err := t.pc.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("op=dbx.begin db=%s: %w", t.db.name, err)
	}
	t.inTx = true
	slog.Debug("transaction started", slog.String("db", t.db.name), slog.Bool("readonly", t.readonly))
	return nil
}

// Commit commits the open transaction. A commit with no open transaction
// is a logged no-op.
func (t *TxContext) Commit(ctx context.Context) error {
	if !t.inTx {
		slog.Warn("no active transaction to commit", slog.String("db", t.db.name))
		return nil
	}
	if _, err := t.pc.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("op=dbx.commit db=%s: %w", t.db.name, err)
	}
	t.inTx = false
	slog.Debug("transaction committed", slog.String("db", t.db.name))
	return nil
}

// Rollback rolls back the open transaction. A rollback with no open
// transaction is a logged no-op.
func (t *TxContext) Rollback(ctx context.Context) error {
	if !t.inTx {
		slog.Warn("no active transaction to rollback", slog.String("db", t.db.name))
		return nil
	}
	if _, err := t.pc.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("op=dbx.rollback db=%s: %w", t.db.name, err)
	}
	t.inTx = false
	slog.Debug("transaction rolled back", slog.String("db", t.db.name))
	return nil
}

func (t *TxContext) guardReadonly(query string) error {
	if !t.readonly {
		return nil
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range writeKeywords {
		if strings.HasPrefix(upper, kw) {
			return fmt.Errorf("op=dbx.execute db=%s: %w", t.db.name, domain.ErrReadOnly)
		}
	}
	return nil
}

// rebind converts ? placeholders to the engine's dialect.
func (t *TxContext) rebind(query string) string {
	if t.db.engine == EnginePostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func logQuery(query string, params any) {
	oneline := strings.Join(strings.Fields(query), " ")
	if params != nil {
		slog.Debug(fmt.Sprintf("[SQL] %s | params: %v", oneline, params))
	} else {
		slog.Debug(fmt.Sprintf("[SQL] %s", oneline))
	}
}

func logResult(rows int) {
	slog.Debug(fmt.Sprintf("[SQL Result] %d row(s)", rows))
}

// Execute runs a statement and returns the number of affected rows.
func (t *TxContext) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	if err := t.guardReadonly(query); err != nil {
		return 0, err
	}
	logQuery(query, args)
	res, err := t.pc.conn.ExecContext(ctx, t.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("op=dbx.execute db=%s: %w", t.db.name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=dbx.execute db=%s: %w", t.db.name, err)
	}
	return affected, nil
}

// ExecuteMany runs the same statement once per parameter batch.
func (t *TxContext) ExecuteMany(ctx context.Context, query string, batches [][]any) error {
	if err := t.guardReadonly(query); err != nil {
		return err
	}
	logQuery(query, fmt.Sprintf("[%d rows]", len(batches)))
	stmt, err := t.pc.conn.PrepareContext(ctx, t.rebind(query))
	if err != nil {
		return fmt.Errorf("op=dbx.execute_many db=%s: %w", t.db.name, err)
	}
	defer func() { _ = stmt.Close() }()
	for _, args := range batches {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("op=dbx.execute_many db=%s: %w", t.db.name, err)
		}
	}
	return nil
}

// FetchOne runs a query and scans at most one row through scan. It
// reports whether a row was found.
func (t *TxContext) FetchOne(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) (bool, error) {
	logQuery(query, args)
	rows, err := t.pc.conn.QueryContext(ctx, t.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("op=dbx.fetch_one db=%s: %w", t.db.name, err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		logResult(0)
		return false, rows.Err()
	}
	if err := scan(rows); err != nil {
		return false, fmt.Errorf("op=dbx.fetch_one db=%s: %w", t.db.name, err)
	}
	logResult(1)
	return true, rows.Err()
}

// FetchAll runs a query, invoking scan once per row, and returns the
// number of rows seen.
func (t *TxContext) FetchAll(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) (int, error) {
	logQuery(query, args)
	rows, err := t.pc.conn.QueryContext(ctx, t.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("op=dbx.fetch_all db=%s: %w", t.db.name, err)
	}
	defer func() { _ = rows.Close() }()
	n := 0
	for rows.Next() {
		if err := scan(rows); err != nil {
			return n, fmt.Errorf("op=dbx.fetch_all db=%s: %w", t.db.name, err)
		}
		n++
	}
	logResult(n)
	return n, rows.Err()
}

// FetchVal runs a query and scans the first column of the first row into
// dest. It reports whether a row was found.
func (t *TxContext) FetchVal(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	return t.FetchOne(ctx, query, args, func(rows *sql.Rows) error {
		return rows.Scan(dest)
	})
}
