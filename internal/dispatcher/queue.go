package dispatcher

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

// QueueDispatcher consumes broker messages and materializes each one as
// a PENDING execution. Messages reference a handler by name; when a cron
// definition is registered for that handler its params act as a base
// layer under the message params.
type QueueDispatcher struct {
	adapter domain.QueueAdapter
	runner  *dbx.Runner
	st      *store.Store

	now func() time.Time // test seam
}

// NewQueueDispatcher builds a queue dispatcher over the scheduler
// database and the given broker adapter.
func NewQueueDispatcher(adapter domain.QueueAdapter, runner *dbx.Runner, st *store.Store) *QueueDispatcher {
	return &QueueDispatcher{adapter: adapter, runner: runner, st: st, now: time.Now}
}

// Run connects the adapter and consumes until ctx is cancelled or the
// message channel closes.
func (q *QueueDispatcher) Run(ctx context.Context) error {
	if err := q.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("op=queue.run: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.adapter.Disconnect(dctx); err != nil {
			slog.Error("queue adapter disconnect failed", slog.Any("error", err))
		}
	}()

	msgs, err := q.adapter.Receive(ctx)
	if err != nil {
		return fmt.Errorf("op=queue.run: %w", err)
	}
	slog.Info("queue dispatcher started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue dispatcher stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				slog.Info("queue dispatcher stopped, message channel closed")
				return nil
			}
			q.handle(ctx, msg)
		}
	}
}

// handle materializes one message. Success completes it; any failure
// abandons it and leaves redelivery to the adapter (the Kafka adapter
// commits on both paths, so malformed messages are not replayed).
func (q *QueueDispatcher) handle(ctx context.Context, msg domain.QueueMessage) {
	id, err := q.materialize(ctx, msg)
	if err == nil {
		observability.ExecutionsEmittedTotal.WithLabelValues("queue").Inc()
		slog.Info("execution emitted from queue",
			slog.Int64("execution_id", id),
			slog.String("handler", msg.HandlerName))
		if err := q.adapter.Complete(ctx, msg); err != nil {
			slog.Error("failed to complete message", slog.Any("error", err))
		}
		return
	}
	if errors.Is(err, domain.ErrInvalidArgument) {
		slog.Warn("abandoning malformed message",
			slog.String("handler", msg.HandlerName), slog.Any("error", err))
	} else {
		slog.Error("failed to materialize message, abandoning",
			slog.String("handler", msg.HandlerName), slog.Any("error", err))
	}
	if err := q.adapter.Abandon(ctx, msg); err != nil {
		slog.Error("failed to abandon message", slog.Any("error", err))
	}
}

func (q *QueueDispatcher) materialize(ctx context.Context, msg domain.QueueMessage) (int64, error) {
	if msg.HandlerName == "" {
		return 0, fmt.Errorf("op=queue.materialize: missing handler name: %w", domain.ErrInvalidArgument)
	}

	var id int64
	err := q.runner.Run(ctx, func(ctx context.Context) error {
		jobID := msg.JobID
		base := map[string]any{}
		if jobID == nil {
			// A registered definition for this handler contributes its id
			// and base params.
			if c, err := q.st.GetCronByHandler(ctx, msg.HandlerName); err == nil {
				jobID = &c.ID
				if err := json.Unmarshal([]byte(c.HandlerParams), &base); err != nil {
					base = map[string]any{}
				}
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		} else if c, err := q.st.GetCron(ctx, *jobID); err == nil {
			if err := json.Unmarshal([]byte(c.HandlerParams), &base); err != nil {
				base = map[string]any{}
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		for k, v := range msg.Params {
			base[k] = v
		}
		params, err := json.Marshal(base)
		if err != nil {
			return fmt.Errorf("op=queue.materialize: %w: %v", domain.ErrInvalidArgument, err)
		}

		id, err = q.st.CreateEventExecution(ctx, jobID, msg.HandlerName, string(params), q.now())
		return err
	})
	return id, err
}
