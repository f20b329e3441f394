// Package store issues the scheduler SQL for cron definitions and
// executions. Every method requires an ambient transaction installed by
// a dbx.Runner; the store itself never opens or commits transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fairyhunter13/jobu/internal/dbx"
)

// TimeLayout is the second-resolution UTC layout used for every
// timestamp column. Timestamps are stored as text on all engines so
// scheduled_time equality (the dedup key) is exact and ordering is
// lexicographic.
const TimeLayout = "2006-01-02 15:04:05"

// Store is bound to the scheduler database name.
type Store struct {
	db string
}

// New builds a Store issuing SQL against the named database.
func New(dbName string) *Store { return &Store{db: dbName} }

// DBName returns the bound database name.
func (s *Store) DBName() string { return s.db }

func (s *Store) tx(ctx context.Context) (*dbx.TxContext, error) {
	return dbx.Tx(ctx, s.db)
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=store.parse_time value=%q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
