package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/observability"
	"github.com/fairyhunter13/jobu/internal/store"
)

// Executor claims and runs one execution at a time. The claim, the
// terminal write and the requeue each run in their own short
// transaction; the handler itself runs outside any transaction and
// opens its own through the runner if it needs the database.
type Executor struct {
	runner   *dbx.Runner
	st       *store.Store
	registry *Registry
}

// NewExecutor builds an executor over the scheduler database.
func NewExecutor(runner *dbx.Runner, st *store.Store, registry *Registry) *Executor {
	return &Executor{runner: runner, st: st, registry: registry}
}

// Process claims job and, if the claim wins, runs it to a terminal
// status. It reports whether this executor won the claim.
func (e *Executor) Process(ctx context.Context, job domain.JobInfo) (bool, error) {
	var claimed bool
	err := e.runner.Run(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = e.st.ClaimExecution(ctx, job.ID)
		if err != nil || !claimed {
			return err
		}
		// Another worker may have failed and requeued the row after the
		// poll listed it; the retry budget counts from the row, not from
		// the listing.
		row, err := e.st.GetExecution(ctx, job.ID)
		if err != nil {
			return err
		}
		job.RetryCount = row.RetryCount
		return nil
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		observability.ClaimsTotal.WithLabelValues("lost").Inc()
		slog.Debug("claim lost", slog.Int64("execution_id", job.ID))
		return false, nil
	}
	observability.ClaimsTotal.WithLabelValues("won").Inc()
	slog.Info("execution claimed",
		slog.Int64("execution_id", job.ID),
		slog.String("handler", job.HandlerName),
		slog.Int("retry_count", job.RetryCount))

	result, runErr := e.run(ctx, job)
	return true, e.finish(ctx, job, result, runErr)
}

// run resolves and executes the handler under the job's timeout. The
// handler runs in its own goroutine so a timeout is recorded even when
// the handler ignores cancellation.
func (e *Executor) run(ctx context.Context, job domain.JobInfo) (any, error) {
	handler, err := e.registry.Get(job.HandlerName)
	if err != nil {
		return nil, err
	}

	params := map[string]any{}
	if job.HandlerParams != "" {
		if err := json.Unmarshal([]byte(job.HandlerParams), &params); err != nil {
			return nil, fmt.Errorf("op=worker.run execution_id=%d: bad handler params: %w",
				job.ID, domain.ErrInvalidArgument)
		}
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		res, err := handler.Execute(runCtx, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		observability.HandlerDuration.WithLabelValues(job.HandlerName).Observe(time.Since(started).Seconds())
		return o.result, o.err
	case <-runCtx.Done():
		observability.HandlerDuration.WithLabelValues(job.HandlerName).Observe(time.Since(started).Seconds())
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=worker.run execution_id=%d timeout=%s: %w",
				job.ID, timeout, context.DeadlineExceeded)
		}
		return nil, runCtx.Err()
	}
}

// finish writes the terminal status. Failures and timeouts consume one
// retry and requeue while budget remains.
func (e *Executor) finish(ctx context.Context, job domain.JobInfo, result any, runErr error) error {
	// Terminal writes must land even when the polling context is gone.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if runErr == nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			resultJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(result)))
		}
		err = e.runner.Run(ctx, func(ctx context.Context) error {
			return e.st.CompleteExecution(ctx, job.ID, string(resultJSON))
		})
		if err != nil {
			return err
		}
		observability.ExecutionsFinishedTotal.WithLabelValues(string(domain.StatusSuccess)).Inc()
		slog.Info("execution succeeded", slog.Int64("execution_id", job.ID))
		return nil
	}

	status := domain.StatusFailed
	if errors.Is(runErr, context.DeadlineExceeded) {
		status = domain.StatusTimeout
	}
	newRetryCount := job.RetryCount + 1
	requeue := newRetryCount < job.MaxRetry

	err := e.runner.Run(ctx, func(ctx context.Context) error {
		var werr error
		if status == domain.StatusTimeout {
			werr = e.st.TimeoutExecution(ctx, job.ID, runErr.Error())
		} else {
			werr = e.st.FailExecution(ctx, job.ID, runErr.Error())
		}
		if werr != nil {
			return werr
		}
		if requeue {
			return e.st.ResetToPending(ctx, job.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.ExecutionsFinishedTotal.WithLabelValues(string(status)).Inc()
	slog.Warn("execution finished with error",
		slog.Int64("execution_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("retry_count", newRetryCount),
		slog.Int("max_retry", job.MaxRetry),
		slog.Bool("requeued", requeue),
		slog.Any("error", runErr))
	return nil
}
