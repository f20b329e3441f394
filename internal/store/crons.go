package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
)

const cronColumns = `id, name, description, cron_expression, handler_name, handler_params,
	is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at`

func scanCron(rows *sql.Rows) (domain.CronDefinition, error) {
	var (
		c                  domain.CronDefinition
		desc, params       sql.NullString
		enabled, overlap   int
		createdAt, updated string
	)
	if err := rows.Scan(&c.ID, &c.Name, &desc, &c.CronExpression, &c.HandlerName, &params,
		&enabled, &overlap, &c.MaxRetry, &c.TimeoutSeconds, &createdAt, &updated); err != nil {
		return domain.CronDefinition{}, err
	}
	c.Description = desc.String
	c.HandlerParams = params.String
	if c.HandlerParams == "" {
		c.HandlerParams = "{}"
	}
	c.IsEnabled = enabled != 0
	c.AllowOverlap = overlap != 0
	var err error
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return domain.CronDefinition{}, err
	}
	if c.UpdatedAt, err = ParseTime(updated); err != nil {
		return domain.CronDefinition{}, err
	}
	return c, nil
}

// ListEnabledCrons loads every enabled cron definition.
func (s *Store) ListEnabledCrons(ctx context.Context) ([]domain.CronDefinition, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.CronDefinition
	q := `SELECT ` + cronColumns + ` FROM cron_definitions WHERE is_enabled = 1 ORDER BY id`
	_, err = tx.FetchAll(ctx, q, nil, func(rows *sql.Rows) error {
		c, err := scanCron(rows)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=cron.list_enabled: %w", err)
	}
	return out, nil
}

// GetCron loads a cron definition by id.
func (s *Store) GetCron(ctx context.Context, id int64) (domain.CronDefinition, error) {
	return s.getCronWhere(ctx, "id = ?", id)
}

// GetCronByName loads a cron definition by its unique name.
func (s *Store) GetCronByName(ctx context.Context, name string) (domain.CronDefinition, error) {
	return s.getCronWhere(ctx, "name = ?", name)
}

// GetCronByHandler loads the first cron definition registered for a
// handler name; used by the queue dispatcher for base-param lookup.
func (s *Store) GetCronByHandler(ctx context.Context, handlerName string) (domain.CronDefinition, error) {
	return s.getCronWhere(ctx, "handler_name = ?", handlerName)
}

func (s *Store) getCronWhere(ctx context.Context, where string, arg any) (domain.CronDefinition, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return domain.CronDefinition{}, err
	}
	var c domain.CronDefinition
	q := `SELECT ` + cronColumns + ` FROM cron_definitions WHERE ` + where + ` LIMIT 1`
	found, err := tx.FetchOne(ctx, q, []any{arg}, func(rows *sql.Rows) error {
		c, err = scanCron(rows)
		return err
	})
	if err != nil {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.get: %w", err)
	}
	if !found {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.get: %w", domain.ErrNotFound)
	}
	return c, nil
}

// CreateCron inserts a definition and returns it with store-assigned id
// and timestamps. Name collisions map to domain.ErrConflict.
func (s *Store) CreateCron(ctx context.Context, c domain.CronDefinition) (domain.CronDefinition, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return domain.CronDefinition{}, err
	}
	if _, err := s.getCronWhere(ctx, "name = ?", c.Name); err == nil {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.create name=%q: %w", c.Name, domain.ErrConflict)
	}
	now := FormatTime(time.Now())
	q := `INSERT INTO cron_definitions
		(name, description, cron_expression, handler_name, handler_params,
		 is_enabled, allow_overlap, max_retry, timeout_seconds, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	id, err := insertReturningID(ctx, tx, q,
		c.Name, c.Description, c.CronExpression, c.HandlerName, c.HandlerParams,
		boolInt(c.IsEnabled), boolInt(c.AllowOverlap), c.MaxRetry, c.TimeoutSeconds, now, now)
	if err != nil {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.create: %w", err)
	}
	return s.GetCron(ctx, id)
}

// UpdateCron overwrites every mutable field of the definition.
func (s *Store) UpdateCron(ctx context.Context, c domain.CronDefinition) (domain.CronDefinition, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return domain.CronDefinition{}, err
	}
	if existing, err := s.getCronWhere(ctx, "name = ?", c.Name); err == nil && existing.ID != c.ID {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.update name=%q: %w", c.Name, domain.ErrConflict)
	}
	q := `UPDATE cron_definitions SET
		name=?, description=?, cron_expression=?, handler_name=?, handler_params=?,
		is_enabled=?, allow_overlap=?, max_retry=?, timeout_seconds=?, updated_at=?
		WHERE id=?`
	affected, err := tx.Execute(ctx, q,
		c.Name, c.Description, c.CronExpression, c.HandlerName, c.HandlerParams,
		boolInt(c.IsEnabled), boolInt(c.AllowOverlap), c.MaxRetry, c.TimeoutSeconds,
		FormatTime(time.Now()), c.ID)
	if err != nil {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.update: %w", err)
	}
	if affected == 0 {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.update id=%d: %w", c.ID, domain.ErrNotFound)
	}
	return s.GetCron(ctx, c.ID)
}

// DeleteCron removes a definition. Execution rows survive with job_id
// set to NULL where the engine enforces the foreign key.
func (s *Store) DeleteCron(ctx context.Context, id int64) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	affected, err := tx.Execute(ctx, `DELETE FROM cron_definitions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("op=cron.delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=cron.delete id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ToggleCron flips is_enabled and returns the updated definition.
func (s *Store) ToggleCron(ctx context.Context, id int64) (domain.CronDefinition, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return domain.CronDefinition{}, err
	}
	q := `UPDATE cron_definitions
		SET is_enabled = CASE WHEN is_enabled = 0 THEN 1 ELSE 0 END, updated_at = ?
		WHERE id = ?`
	affected, err := tx.Execute(ctx, q, FormatTime(time.Now()), id)
	if err != nil {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.toggle: %w", err)
	}
	if affected == 0 {
		return domain.CronDefinition{}, fmt.Errorf("op=cron.toggle id=%d: %w", id, domain.ErrNotFound)
	}
	return s.GetCron(ctx, id)
}

// ListCrons returns one page of definitions plus the unpaged total.
func (s *Store) ListCrons(ctx context.Context, page, size int, isEnabled *bool) ([]domain.CronDefinition, int, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, 0, err
	}
	where := ""
	var args []any
	if isEnabled != nil {
		where = " WHERE is_enabled = ?"
		args = append(args, boolInt(*isEnabled))
	}

	var total int
	if _, err := tx.FetchVal(ctx, &total, `SELECT COUNT(*) FROM cron_definitions`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("op=cron.list: %w", err)
	}

	offset := (page - 1) * size
	q := `SELECT ` + cronColumns + ` FROM cron_definitions` + where + ` ORDER BY id LIMIT ? OFFSET ?`
	var out []domain.CronDefinition
	_, err = tx.FetchAll(ctx, q, append(args, size, offset), func(rows *sql.Rows) error {
		c, err := scanCron(rows)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("op=cron.list: %w", err)
	}
	return out, total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// insertReturningID runs an INSERT and returns the generated id.
// Postgres and sqlite use RETURNING; mysql reads LAST_INSERT_ID().
func insertReturningID(ctx context.Context, tx *dbx.TxContext, query string, args ...any) (int64, error) {
	var id int64
	switch tx.Engine() {
	case dbx.EngineMySQL:
		if _, err := tx.Execute(ctx, query, args...); err != nil {
			return 0, err
		}
		if _, err := tx.FetchVal(ctx, &id, `SELECT LAST_INSERT_ID()`); err != nil {
			return 0, err
		}
	default:
		found, err := tx.FetchVal(ctx, &id, query+" RETURNING id", args...)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("op=store.insert: no id returned")
		}
	}
	return id, nil
}
