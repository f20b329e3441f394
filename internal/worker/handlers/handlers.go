// Package handlers ships the built-in job handlers: a no-op probe, a
// configurable sleep, a CRUD round-trip on the sample table and a
// two-database row sync.
package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/store"
	"github.com/fairyhunter13/jobu/internal/worker"
)

// Register binds the built-in handlers into reg. schedRunner spans the
// scheduler database; syncRunner spans the source and target databases
// for sync_source_to_target and may be nil when no auxiliary database is
// configured.
func Register(reg *worker.Registry, schedRunner *dbx.Runner, schedDB string, syncRunner *dbx.Runner, sourceDB, targetDB string) {
	reg.Register("sample", domain.HandlerFunc(Sample))
	reg.Register("sleep", domain.HandlerFunc(Sleep))
	reg.Register("sqlite_crud", NewCRUD(schedRunner, schedDB))
	if syncRunner != nil {
		reg.Register("sync_source_to_target", NewSync(syncRunner, sourceDB, targetDB))
	}
}

// Sample is a liveness probe handler.
func Sample(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"message": "ok"}, nil
}

// Sleep blocks for params["seconds"] (default 1), honoring cancellation.
func Sleep(ctx context.Context, params map[string]any) (any, error) {
	seconds := 1.0
	if v, ok := params["seconds"].(float64); ok && v > 0 {
		seconds = v
	}
	d := time.Duration(seconds * float64(time.Second))
	select {
	case <-time.After(d):
		return map[string]any{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CRUD exercises the sample_data table: insert, read back, update,
// delete, all in one transaction.
type CRUD struct {
	runner *dbx.Runner
	db     string
}

// NewCRUD builds the crud handler against the named database.
func NewCRUD(runner *dbx.Runner, db string) *CRUD {
	return &CRUD{runner: runner, db: db}
}

// Execute implements domain.Handler.
func (h *CRUD) Execute(ctx context.Context, params map[string]any) (any, error) {
	name := "crud-probe"
	if v, ok := params["name"].(string); ok && v != "" {
		name = v
	}
	var id int64
	err := h.runner.Run(ctx, func(ctx context.Context) error {
		tx, err := dbx.Tx(ctx, h.db)
		if err != nil {
			return err
		}
		now := store.FormatTime(time.Now())
		if _, err := tx.Execute(ctx,
			`INSERT INTO sample_data (name, value, created_at) VALUES (?,?,?)`,
			name, "created", now); err != nil {
			return err
		}
		found, err := tx.FetchVal(ctx, &id,
			`SELECT id FROM sample_data WHERE name = ? ORDER BY id DESC LIMIT 1`, name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("op=handler.crud: inserted row not found")
		}
		if _, err := tx.Execute(ctx,
			`UPDATE sample_data SET value = ? WHERE id = ?`, "updated", id); err != nil {
			return err
		}
		affected, err := tx.Execute(ctx, `DELETE FROM sample_data WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("op=handler.crud id=%d: delete affected %d rows", id, affected)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"row_id": id, "steps": []string{"insert", "select", "update", "delete"}}, nil
}

// Sync copies sample_data rows from a source database to a target
// database inside one logical unit of work spanning both.
type Sync struct {
	runner   *dbx.Runner
	sourceDB string
	targetDB string
}

// NewSync builds the sync handler over both databases.
func NewSync(runner *dbx.Runner, sourceDB, targetDB string) *Sync {
	return &Sync{runner: runner, sourceDB: sourceDB, targetDB: targetDB}
}

type sampleRow struct {
	name      string
	value     sql.NullString
	createdAt string
}

// Execute implements domain.Handler. params["limit"] caps the number of
// copied rows (default 100).
func (h *Sync) Execute(ctx context.Context, params map[string]any) (any, error) {
	limit := 100
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	copied := 0
	err := h.runner.Run(ctx, func(ctx context.Context) error {
		src, err := dbx.Tx(ctx, h.sourceDB)
		if err != nil {
			return err
		}
		dst, err := dbx.Tx(ctx, h.targetDB)
		if err != nil {
			return err
		}

		var rows []sampleRow
		_, err = src.FetchAll(ctx,
			`SELECT name, value, created_at FROM sample_data ORDER BY id LIMIT ?`,
			[]any{limit}, func(r *sql.Rows) error {
				var row sampleRow
				if err := r.Scan(&row.name, &row.value, &row.createdAt); err != nil {
					return err
				}
				rows = append(rows, row)
				return nil
			})
		if err != nil {
			return err
		}

		for _, row := range rows {
			var n int
			if _, err := dst.FetchVal(ctx, &n,
				`SELECT COUNT(*) FROM sample_data WHERE name = ? AND created_at = ?`,
				row.name, row.createdAt); err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if _, err := dst.Execute(ctx,
				`INSERT INTO sample_data (name, value, created_at) VALUES (?,?,?)`,
				row.name, row.value, row.createdAt); err != nil {
				return err
			}
			copied++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("sync completed",
		slog.String("source", h.sourceDB),
		slog.String("target", h.targetDB),
		slog.Int("copied", copied))
	return map[string]any{"copied": copied}, nil
}
