package dbx

import (
	"context"
	"log/slog"
)

// Runner composes N named databases into one logical unit of work.
// Run opens a transaction on each database in declared order, binds the
// contexts into the ambient registry, and invokes fn. On normal return
// every transaction is committed in order; on error every transaction is
// rolled back. Commits are sequential and best-effort: a mid-sequence
// commit failure leaves earlier databases committed and rolls back the
// rest. This is not two-phase commit.
type Runner struct {
	dbs      []*Database
	readonly bool
}

// NewRunner builds a runner over the given databases.
func NewRunner(dbs ...*Database) *Runner {
	return &Runner{dbs: dbs}
}

// ReadOnly returns a runner whose transaction contexts reject writes.
func (r *Runner) ReadOnly() *Runner {
	return &Runner{dbs: r.dbs, readonly: true}
}

// Run executes fn inside one transaction per database.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	type opened struct {
		db *Database
		pc *pooledConn
		tc *TxContext
	}
	var open []opened

	release := func() {
		for i := len(open) - 1; i >= 0; i-- {
			open[i].db.Release(open[i].pc)
		}
	}
	rollbackAll := func() {
		for i := len(open) - 1; i >= 0; i-- {
			if err := open[i].tc.Rollback(ctx); err != nil {
				slog.Error("rollback failed",
					slog.String("db", open[i].db.Name()), slog.Any("error", err))
			}
		}
	}

	m := make(ambientMap, len(r.dbs))
	for _, db := range r.dbs {
		pc, err := db.Acquire(ctx)
		if err != nil {
			rollbackAll()
			release()
			return err
		}
		tc := newTxContext(db, pc, r.readonly)
		if err := tc.Begin(ctx); err != nil {
			db.Release(pc)
			rollbackAll()
			release()
			return err
		}
		open = append(open, opened{db: db, pc: pc, tc: tc})
		m[db.Name()] = tc
	}

	err := fn(bind(ctx, m))
	if err != nil {
		rollbackAll()
		release()
		return err
	}

	// Sequential commits in declared order. On a mid-sequence failure the
	// already-committed databases stay committed; the rest roll back.
	for i, o := range open {
		if cerr := o.tc.Commit(ctx); cerr != nil {
			for j := i + 1; j < len(open); j++ {
				if rerr := open[j].tc.Rollback(ctx); rerr != nil {
					slog.Error("rollback failed after commit error",
						slog.String("db", open[j].db.Name()), slog.Any("error", rerr))
				}
			}
			release()
			return cerr
		}
	}
	release()
	return nil
}
