// Package domain holds the core entities, status machine and error
// taxonomy shared by the dispatcher, worker and admin surfaces.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrReadOnly             = errors.New("write attempted in readonly transaction")
	ErrNoTransaction        = errors.New("no active transaction")
	ErrCronParse            = errors.New("cron parse error")
	ErrCronIntervalTooShort = errors.New("cron interval too short")
	ErrHandlerNotFound      = errors.New("handler not found")
	ErrInvalidStatus        = errors.New("invalid execution status")
	ErrInternal             = errors.New("internal error")
)

// ExecutionStatus enumerates the execution state machine.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusTimeout ExecutionStatus = "TIMEOUT"
)

// Valid reports whether s is a known status value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Terminal reports whether s is SUCCESS, FAILED or TIMEOUT.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// Retryable reports whether the admin retry action may move s back to PENDING.
func (s ExecutionStatus) Retryable() bool {
	return s == StatusFailed || s == StatusTimeout
}

// CronDefinition is a scheduled job definition owned by the admin surface.
// Invariants: Name unique and non-empty; CronExpression parses with a
// minimum inter-fire interval of 60s; MaxRetry in 0..10; TimeoutSeconds
// in 60..86400.
type CronDefinition struct {
	ID             int64
	Name           string
	Description    string
	CronExpression string
	HandlerName    string
	HandlerParams  string // JSON blob, stored as text
	IsEnabled      bool
	AllowOverlap   bool
	MaxRetry       int
	TimeoutSeconds int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution is one materialized invocation of a handler.
// JobID is nil for queue-originated rows with no registered cron; such
// rows carry their own handler name and params.
type Execution struct {
	ID            int64
	JobID         *int64
	ScheduledTime time.Time
	Status        ExecutionStatus
	StartedAt     *time.Time
	FinishedAt    *time.Time
	RetryCount    int
	ErrorMessage  *string
	Result        *string
	HandlerName   *string
	HandlerParams *string
	CreatedAt     time.Time
}

// JobInfo is a claimed execution joined to its cron definition (or to the
// row-level handler metadata for queue-originated executions).
type JobInfo struct {
	ID             int64
	JobID          *int64
	ScheduledTime  time.Time
	RetryCount     int
	JobName        string
	HandlerName    string
	HandlerParams  string
	MaxRetry       int
	TimeoutSeconds int
}

// QueueMessage is one message received from the external broker.
// Ack is an opaque broker handle passed back on Complete/Abandon.
type QueueMessage struct {
	HandlerName string
	Params      map[string]any
	JobID       *int64
	Ack         any
}

// QueueAdapter abstracts the external broker. Receive returns a channel
// closed when the adapter disconnects or ctx is cancelled.
type QueueAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Receive(ctx context.Context) (<-chan QueueMessage, error)
	Complete(ctx context.Context, msg QueueMessage) error
	Abandon(ctx context.Context, msg QueueMessage) error
}

// Handler executes one unit of work. Implementations must honor ctx
// cancellation at their own suspension points.
type Handler interface {
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}
