package dbx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobu/internal/domain"
)

func openTestDB(t *testing.T, name string, poolSize int) *Database {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Name:   name,
		Engine: EngineSQLite,
		DSN:    filepath.Join(t.TempDir(), name+".db"),
		Pool: PoolConfig{
			PoolSize:    poolSize,
			PoolTimeout: 200 * time.Millisecond,
			MaxIdleTime: time.Minute,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseEngine(t *testing.T) {
	for _, s := range []string{"sqlite", "mysql", "postgres"} {
		e, err := ParseEngine(s)
		require.NoError(t, err)
		assert.Equal(t, Engine(s), e)
	}
	_, err := ParseEngine("oracle")
	assert.Error(t, err)
}

func TestRunnerCommitPersists(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)
	ctx := context.Background()

	err := runner.Run(ctx, func(ctx context.Context) error {
		tx, err := Tx(ctx, "default")
		require.NoError(t, err)
		if _, err := tx.Execute(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
			return err
		}
		_, err = tx.Execute(ctx, `INSERT INTO items (name) VALUES (?)`, "one")
		return err
	})
	require.NoError(t, err)

	var count int
	err = runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		tx, err := Tx(ctx, "default")
		require.NoError(t, err)
		_, err = tx.FetchVal(ctx, &count, `SELECT COUNT(*) FROM items`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunnerRollbackOnError(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		_, err := tx.Execute(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
		return err
	}))

	boom := assert.AnError
	err := runner.Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		if _, err := tx.Execute(ctx, `INSERT INTO items (name) VALUES (?)`, "doomed"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		_, err := tx.FetchVal(ctx, &count, `SELECT COUNT(*) FROM items`)
		return err
	}))
	assert.Equal(t, 0, count)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)
	ctx := context.Background()

	err := runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		_, err := tx.Execute(ctx, `CREATE TABLE nope (id INTEGER)`)
		return err
	})
	require.ErrorIs(t, err, domain.ErrReadOnly)
}

func TestAmbientRequiresRunner(t *testing.T) {
	_, err := Tx(context.Background(), "default")
	require.ErrorIs(t, err, domain.ErrNoTransaction)
}

func TestAmbientUnknownName(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)

	err := runner.Run(context.Background(), func(ctx context.Context) error {
		_, err := Tx(ctx, "other")
		return err
	})
	require.ErrorIs(t, err, domain.ErrNoTransaction)
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	db := openTestDB(t, "default", 1)
	ctx := context.Background()

	pc, err := db.Acquire(ctx)
	require.NoError(t, err)
	defer db.Release(pc)

	err = NewRunner(db).Run(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAvailableTracksAcquire(t *testing.T) {
	db := openTestDB(t, "default", 2)
	ctx := context.Background()

	assert.Equal(t, 2, db.Available())
	pc, err := db.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, db.Available())
	db.Release(pc)
	assert.Equal(t, 2, db.Available())
}

func TestMultiDBCommit(t *testing.T) {
	first := openTestDB(t, "first", 2)
	second := openTestDB(t, "second", 2)
	runner := NewRunner(first, second)
	ctx := context.Background()

	err := runner.Run(ctx, func(ctx context.Context) error {
		for _, name := range []string{"first", "second"} {
			tx, err := Tx(ctx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Execute(ctx, `CREATE TABLE marks (db TEXT)`); err != nil {
				return err
			}
			if _, err := tx.Execute(ctx, `INSERT INTO marks (db) VALUES (?)`, name); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	for _, name := range []string{"first", "second"} {
		var got string
		require.NoError(t, runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
			tx, _ := Tx(ctx, name)
			_, err := tx.FetchVal(ctx, &got, `SELECT db FROM marks`)
			return err
		}))
		assert.Equal(t, name, got)
	}
}

func TestMultiDBRollbackOnError(t *testing.T) {
	first := openTestDB(t, "first", 2)
	second := openTestDB(t, "second", 2)
	runner := NewRunner(first, second)
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, func(ctx context.Context) error {
		for _, name := range []string{"first", "second"} {
			tx, err := Tx(ctx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Execute(ctx, `CREATE TABLE marks (db TEXT)`); err != nil {
				return err
			}
		}
		return nil
	}))

	boom := assert.AnError
	err := runner.Run(ctx, func(ctx context.Context) error {
		for _, name := range []string{"first", "second"} {
			tx, err := Tx(ctx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Execute(ctx, `INSERT INTO marks (db) VALUES (?)`, name); err != nil {
				return err
			}
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	for _, name := range []string{"first", "second"} {
		var count int
		require.NoError(t, runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
			tx, _ := Tx(ctx, name)
			_, err := tx.FetchVal(ctx, &count, `SELECT COUNT(*) FROM marks`)
			return err
		}))
		assert.Equal(t, 0, count, "write to %s must not survive the rollback", name)
	}
}

func TestExecuteMany(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		if _, err := tx.Execute(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
			return err
		}
		return tx.ExecuteMany(ctx, `INSERT INTO items (name) VALUES (?)`,
			[][]any{{"a"}, {"b"}, {"c"}})
	}))

	var count int
	require.NoError(t, runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		_, err := tx.FetchVal(ctx, &count, `SELECT COUNT(*) FROM items`)
		return err
	}))
	assert.Equal(t, 3, count)
}

func TestWithTxSeam(t *testing.T) {
	db := openTestDB(t, "default", 2)
	ctx := context.Background()

	pc, err := db.Acquire(ctx)
	require.NoError(t, err)
	defer db.Release(pc)

	tc := newTxContext(db, pc, false)
	require.NoError(t, tc.Begin(ctx))
	defer func() { _ = tc.Rollback(ctx) }()

	bound := WithTx(ctx, "default", tc)
	got, err := Tx(bound, "default")
	require.NoError(t, err)
	assert.Same(t, tc, got)
	assert.True(t, got.InTransaction())
}

func TestFetchOneMissingRow(t *testing.T) {
	db := openTestDB(t, "default", 2)
	runner := NewRunner(db)
	ctx := context.Background()

	require.NoError(t, runner.Run(ctx, func(ctx context.Context) error {
		tx, _ := Tx(ctx, "default")
		if _, err := tx.Execute(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY)`); err != nil {
			return err
		}
		var id int64
		found, err := tx.FetchVal(ctx, &id, `SELECT id FROM items WHERE id = ?`, 42)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))
}
