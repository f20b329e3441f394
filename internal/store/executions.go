package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
)

const executionColumns = `id, job_id, scheduled_time, status, started_at, finished_at,
	retry_count, error_message, result, handler_name, handler_params, created_at`

func scanExecution(rows *sql.Rows) (domain.Execution, error) {
	var (
		e                      domain.Execution
		jobID                  sql.NullInt64
		scheduled, createdAt   string
		status                 string
		startedAt, finishedAt  sql.NullString
		errMsg, result         sql.NullString
		handlerName, handlerPs sql.NullString
	)
	if err := rows.Scan(&e.ID, &jobID, &scheduled, &status, &startedAt, &finishedAt,
		&e.RetryCount, &errMsg, &result, &handlerName, &handlerPs, &createdAt); err != nil {
		return domain.Execution{}, err
	}
	e.JobID = int64Ptr(jobID)
	e.Status = domain.ExecutionStatus(status)
	e.ErrorMessage = strPtr(errMsg)
	e.Result = strPtr(result)
	e.HandlerName = strPtr(handlerName)
	e.HandlerParams = strPtr(handlerPs)
	var err error
	if e.ScheduledTime, err = ParseTime(scheduled); err != nil {
		return domain.Execution{}, err
	}
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return domain.Execution{}, err
	}
	if e.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return domain.Execution{}, err
	}
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return domain.Execution{}, err
	}
	return e, nil
}

// CreateExecution emits one PENDING row for a cron fire. The
// UNIQUE(job_id, scheduled_time) key makes the insert idempotent across
// dispatcher instances; it reports whether this caller won the insert.
func (s *Store) CreateExecution(ctx context.Context, jobID int64, scheduledTime time.Time) (bool, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return false, err
	}
	cols := `(job_id, scheduled_time, status, retry_count, created_at)`
	vals := `VALUES (?,?,?,?,?)`
	var q string
	switch tx.Engine() {
	case dbx.EngineSQLite:
		q = `INSERT OR IGNORE INTO executions ` + cols + ` ` + vals
	case dbx.EngineMySQL:
		q = `INSERT IGNORE INTO executions ` + cols + ` ` + vals
	default:
		q = `INSERT INTO executions ` + cols + ` ` + vals +
			` ON CONFLICT (job_id, scheduled_time) DO NOTHING`
	}
	affected, err := tx.Execute(ctx, q,
		jobID, FormatTime(scheduledTime), string(domain.StatusPending), 0, FormatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("op=execution.create job_id=%d: %w", jobID, err)
	}
	return affected > 0, nil
}

// CreateEventExecution emits a PENDING row for a queue message, carrying
// its handler metadata on the row itself. jobID may be nil.
func (s *Store) CreateEventExecution(ctx context.Context, jobID *int64, handlerName, handlerParams string, scheduledTime time.Time) (int64, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return 0, err
	}
	q := `INSERT INTO executions
		(job_id, scheduled_time, status, retry_count, handler_name, handler_params, created_at)
		VALUES (?,?,?,?,?,?,?)`
	id, err := insertReturningID(ctx, tx, q,
		jobID, FormatTime(scheduledTime), string(domain.StatusPending), 0,
		handlerName, handlerParams, FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("op=execution.create_event handler=%s: %w", handlerName, err)
	}
	return id, nil
}

// HasIncompleteExecution reports whether the job has a PENDING or
// RUNNING row, for the overlap guard.
func (s *Store) HasIncompleteExecution(ctx context.Context, jobID int64) (bool, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return false, err
	}
	var n int
	q := `SELECT COUNT(*) FROM executions WHERE job_id = ? AND status IN (?, ?)`
	if _, err := tx.FetchVal(ctx, &n, q, jobID,
		string(domain.StatusPending), string(domain.StatusRunning)); err != nil {
		return false, fmt.Errorf("op=execution.has_incomplete job_id=%d: %w", jobID, err)
	}
	return n > 0, nil
}

// ListPendingExecutions returns up to limit PENDING rows joined to their
// cron definition, oldest scheduled_time first. Queue-originated rows
// use their row-level handler metadata; everything else falls back to
// the definition.
func (s *Store) ListPendingExecutions(ctx context.Context, limit int) ([]domain.JobInfo, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT e.id, e.job_id, e.scheduled_time, e.retry_count,
		COALESCE(c.name, ''),
		COALESCE(e.handler_name, c.handler_name, ''),
		COALESCE(e.handler_params, c.handler_params, '{}'),
		COALESCE(c.max_retry, 0),
		COALESCE(c.timeout_seconds, 3600)
		FROM executions e
		LEFT JOIN cron_definitions c ON c.id = e.job_id
		WHERE e.status = ?
		ORDER BY e.scheduled_time ASC
		LIMIT ?`
	var out []domain.JobInfo
	_, err = tx.FetchAll(ctx, q, []any{string(domain.StatusPending), limit}, func(rows *sql.Rows) error {
		var (
			j         domain.JobInfo
			jobID     sql.NullInt64
			scheduled string
		)
		if err := rows.Scan(&j.ID, &jobID, &scheduled, &j.RetryCount,
			&j.JobName, &j.HandlerName, &j.HandlerParams, &j.MaxRetry, &j.TimeoutSeconds); err != nil {
			return err
		}
		j.JobID = int64Ptr(jobID)
		var err error
		if j.ScheduledTime, err = ParseTime(scheduled); err != nil {
			return err
		}
		out = append(out, j)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=execution.list_pending: %w", err)
	}
	return out, nil
}

// ClaimExecution moves a PENDING row to RUNNING. The conditional update
// makes the claim atomic; exactly one competing worker sees affected=1.
func (s *Store) ClaimExecution(ctx context.Context, id int64) (bool, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return false, err
	}
	q := `UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`
	affected, err := tx.Execute(ctx, q,
		string(domain.StatusRunning), FormatTime(time.Now()), id, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("op=execution.claim id=%d: %w", id, err)
	}
	return affected > 0, nil
}

// CompleteExecution records a successful run. Any error_message left
// over from an earlier attempt is cleared.
func (s *Store) CompleteExecution(ctx context.Context, id int64, result string) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	q := `UPDATE executions SET status = ?, finished_at = ?, result = ?, error_message = NULL WHERE id = ?`
	affected, err := tx.Execute(ctx, q,
		string(domain.StatusSuccess), FormatTime(time.Now()), result, id)
	if err != nil {
		return fmt.Errorf("op=execution.complete id=%d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("op=execution.complete id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FailExecution records a failed run and consumes one retry.
func (s *Store) FailExecution(ctx context.Context, id int64, errMsg string) error {
	return s.finishWithError(ctx, id, domain.StatusFailed, errMsg)
}

// TimeoutExecution records a timed-out run and consumes one retry.
func (s *Store) TimeoutExecution(ctx context.Context, id int64, errMsg string) error {
	return s.finishWithError(ctx, id, domain.StatusTimeout, errMsg)
}

func (s *Store) finishWithError(ctx context.Context, id int64, status domain.ExecutionStatus, errMsg string) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	q := `UPDATE executions
		SET status = ?, finished_at = ?, error_message = ?, retry_count = retry_count + 1
		WHERE id = ?`
	affected, err := tx.Execute(ctx, q, string(status), FormatTime(time.Now()), errMsg, id)
	if err != nil {
		return fmt.Errorf("op=execution.finish id=%d status=%s: %w", id, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("op=execution.finish id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ResetToPending requeues a terminal row for another attempt.
// started_at, finished_at and error_message stay on the row for
// diagnostics; the next claim overwrites started_at and the next
// terminal write overwrites the rest.
func (s *Store) ResetToPending(ctx context.Context, id int64) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	q := `UPDATE executions SET status = ? WHERE id = ?`
	affected, err := tx.Execute(ctx, q, string(domain.StatusPending), id)
	if err != nil {
		return fmt.Errorf("op=execution.reset id=%d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("op=execution.reset id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RetryExecution is the admin requeue: only FAILED and TIMEOUT rows move
// back to PENDING, with the retry budget reset.
func (s *Store) RetryExecution(ctx context.Context, id int64) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	var e domain.Execution
	found, err := tx.FetchOne(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, []any{id},
		func(rows *sql.Rows) error {
			e, err = scanExecution(rows)
			return err
		})
	if err != nil {
		return fmt.Errorf("op=execution.retry id=%d: %w", id, err)
	}
	if !found {
		return fmt.Errorf("op=execution.retry id=%d: %w", id, domain.ErrNotFound)
	}
	if !e.Status.Retryable() {
		return fmt.Errorf("op=execution.retry id=%d status=%s: %w", id, e.Status, domain.ErrInvalidStatus)
	}
	q := `UPDATE executions
		SET status = ?, retry_count = 0
		WHERE id = ? AND status IN (?, ?)`
	affected, err := tx.Execute(ctx, q, string(domain.StatusPending), id,
		string(domain.StatusFailed), string(domain.StatusTimeout))
	if err != nil {
		return fmt.Errorf("op=execution.retry id=%d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("op=execution.retry id=%d: %w", id, domain.ErrInvalidStatus)
	}
	return nil
}

// ExecutionFilter narrows ListExecutions. Nil fields match everything.
type ExecutionFilter struct {
	CronID *int64
	Status *domain.ExecutionStatus
	From   *time.Time
	To     *time.Time
}

// ListExecutions returns one page of executions plus the unpaged total,
// newest scheduled_time first.
func (s *Store) ListExecutions(ctx context.Context, page, size int, f ExecutionFilter) ([]domain.Execution, int, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, 0, err
	}
	where := " WHERE 1=1"
	var args []any
	if f.CronID != nil {
		where += " AND job_id = ?"
		args = append(args, *f.CronID)
	}
	if f.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.From != nil {
		where += " AND scheduled_time >= ?"
		args = append(args, FormatTime(*f.From))
	}
	if f.To != nil {
		where += " AND scheduled_time <= ?"
		args = append(args, FormatTime(*f.To))
	}

	var total int
	if _, err := tx.FetchVal(ctx, &total, `SELECT COUNT(*) FROM executions`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("op=execution.list: %w", err)
	}

	offset := (page - 1) * size
	q := `SELECT ` + executionColumns + ` FROM executions` + where +
		` ORDER BY scheduled_time DESC, id DESC LIMIT ? OFFSET ?`
	var out []domain.Execution
	_, err = tx.FetchAll(ctx, q, append(args, size, offset), func(rows *sql.Rows) error {
		e, err := scanExecution(rows)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("op=execution.list: %w", err)
	}
	return out, total, nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (domain.Execution, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return domain.Execution{}, err
	}
	var e domain.Execution
	found, err := tx.FetchOne(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, []any{id},
		func(rows *sql.Rows) error {
			e, err = scanExecution(rows)
			return err
		})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("op=execution.get id=%d: %w", id, err)
	}
	if !found {
		return domain.Execution{}, fmt.Errorf("op=execution.get id=%d: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// DeleteExecution removes one execution row.
func (s *Store) DeleteExecution(ctx context.Context, id int64) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	affected, err := tx.Execute(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("op=execution.delete id=%d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("op=execution.delete id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}
