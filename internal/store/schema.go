package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/jobu/internal/dbx"
)

func cronTableDDL(engine dbx.Engine) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch engine {
	case dbx.EngineMySQL:
		id = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case dbx.EnginePostgres:
		id = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cron_definitions (
		id %s,
		name VARCHAR(255) NOT NULL UNIQUE,
		description TEXT,
		cron_expression VARCHAR(255) NOT NULL,
		handler_name VARCHAR(255) NOT NULL,
		handler_params TEXT,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		allow_overlap INTEGER NOT NULL DEFAULT 1,
		max_retry INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		created_at VARCHAR(19) NOT NULL,
		updated_at VARCHAR(19) NOT NULL
	)`, id)
}

func executionTableDDL(engine dbx.Engine) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch engine {
	case dbx.EngineMySQL:
		id = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case dbx.EnginePostgres:
		id = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS executions (
		id %s,
		job_id BIGINT REFERENCES cron_definitions(id) ON DELETE SET NULL,
		scheduled_time VARCHAR(19) NOT NULL,
		status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
		started_at VARCHAR(19),
		finished_at VARCHAR(19),
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		result TEXT,
		handler_name VARCHAR(255),
		handler_params TEXT,
		created_at VARCHAR(19) NOT NULL,
		UNIQUE(job_id, scheduled_time)
	)`, id)
}

var indexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_executions_status_scheduled ON executions(status, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_job_status ON executions(job_id, status)`,
}

// sample_data backs the sqlite_crud and sync handlers.
func sampleDataDDL(engine dbx.Engine) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch engine {
	case dbx.EngineMySQL:
		id = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case dbx.EnginePostgres:
		id = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sample_data (
		id %s,
		name VARCHAR(255) NOT NULL,
		value TEXT,
		created_at VARCHAR(19) NOT NULL
	)`, id)
}

// EnsureSchema creates the scheduler tables and indexes if missing.
// Must run inside a write transaction on the scheduler database.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	engine := tx.Engine()
	for _, ddl := range []string{cronTableDDL(engine), executionTableDDL(engine), sampleDataDDL(engine)} {
		if _, err := tx.Execute(ctx, ddl); err != nil {
			return fmt.Errorf("op=store.ensure_schema: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := tx.Execute(ctx, ddl); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; a duplicate index on
			// re-run is harmless.
			slog.Debug("index creation skipped", slog.Any("error", err))
		}
	}
	return nil
}

// EnsureSampleSchema creates only the sample_data table, for auxiliary
// databases used by the sync handlers.
func (s *Store) EnsureSampleSchema(ctx context.Context) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Execute(ctx, sampleDataDDL(tx.Engine())); err != nil {
		return fmt.Errorf("op=store.ensure_sample_schema: %w", err)
	}
	return nil
}
