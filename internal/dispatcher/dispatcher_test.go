package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/store"
)

func newTestEnv(t *testing.T) (*store.Store, *dbx.Runner) {
	t.Helper()
	db, err := dbx.Open(context.Background(), dbx.Config{
		Name:   "default",
		Engine: dbx.EngineSQLite,
		DSN:    filepath.Join(t.TempDir(), "jobu.db"),
		Pool:   dbx.PoolConfig{PoolSize: 3, PoolTimeout: time.Second, MaxIdleTime: time.Minute},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New("default")
	runner := dbx.NewRunner(db)
	require.NoError(t, runner.Run(context.Background(), st.EnsureSchema))
	return st, runner
}

func testDispatcher(st *store.Store, runner *dbx.Runner, now time.Time) *Dispatcher {
	d := New(Config{
		PollInterval:    time.Minute,
		MaxSleep:        5 * time.Minute,
		MinCronInterval: time.Minute,
	}, runner, st)
	d.now = func() time.Time { return now }
	return d
}

func mustCreateCron(t *testing.T, st *store.Store, runner *dbx.Runner, c domain.CronDefinition) domain.CronDefinition {
	t.Helper()
	var created domain.CronDefinition
	require.NoError(t, runner.Run(context.Background(), func(ctx context.Context) error {
		var err error
		created, err = st.CreateCron(ctx, c)
		return err
	}))
	return created
}

func listAll(t *testing.T, st *store.Store, runner *dbx.Runner) []domain.Execution {
	t.Helper()
	var execs []domain.Execution
	require.NoError(t, runner.ReadOnly().Run(context.Background(), func(ctx context.Context) error {
		var err error
		execs, _, err = st.ListExecutions(ctx, 1, 100, store.ExecutionFilter{})
		return err
	}))
	return execs
}

func everyMinuteCron(name string) domain.CronDefinition {
	return domain.CronDefinition{
		Name:           name,
		CronExpression: "* * * * *",
		HandlerName:    "sample",
		HandlerParams:  "{}",
		IsEnabled:      true,
		AllowOverlap:   true,
		TimeoutSeconds: 3600,
	}
}

func TestScanEmitsDueExecution(t *testing.T) {
	st, runner := newTestEnv(t)
	mustCreateCron(t, st, runner, everyMinuteCron("due"))

	now := time.Date(2026, 8, 25, 10, 30, 30, 0, time.UTC)
	d := testDispatcher(st, runner, now)

	sleep, err := d.scanOnce(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sleep, d.cfg.PollInterval)
	assert.LessOrEqual(t, sleep, d.cfg.MaxSleep)

	execs := listAll(t, st, runner)
	require.Len(t, execs, 1)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC), execs[0].ScheduledTime)
	assert.Equal(t, domain.StatusPending, execs[0].Status)
}

func TestScanSkipsFireOutsideWindow(t *testing.T) {
	st, runner := newTestEnv(t)
	mustCreateCron(t, st, runner, domain.CronDefinition{
		Name:           "daily",
		CronExpression: "0 2 * * *",
		HandlerName:    "sample",
		IsEnabled:      true,
		AllowOverlap:   true,
		TimeoutSeconds: 3600,
	})

	// Hours after the 02:00 fire, well outside the poll window.
	now := time.Date(2026, 8, 25, 10, 30, 30, 0, time.UTC)
	d := testDispatcher(st, runner, now)

	_, err := d.scanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listAll(t, st, runner))
}

func TestScanDeduplicatesAcrossInstances(t *testing.T) {
	st, runner := newTestEnv(t)
	mustCreateCron(t, st, runner, everyMinuteCron("shared"))

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	first := testDispatcher(st, runner, now)
	second := testDispatcher(st, runner, now)

	_, err := first.scanOnce(context.Background())
	require.NoError(t, err)
	_, err = second.scanOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, listAll(t, st, runner), 1)
}

func TestScanHonorsOverlapGuard(t *testing.T) {
	st, runner := newTestEnv(t)
	c := everyMinuteCron("no-overlap")
	c.AllowOverlap = false
	created := mustCreateCron(t, st, runner, c)

	// An unfinished row from a previous fire.
	require.NoError(t, runner.Run(context.Background(), func(ctx context.Context) error {
		_, err := st.CreateExecution(ctx, created.ID, time.Date(2026, 8, 25, 10, 29, 0, 0, time.UTC))
		return err
	}))

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	d := testDispatcher(st, runner, now)
	_, err := d.scanOnce(context.Background())
	require.NoError(t, err)

	execs := listAll(t, st, runner)
	require.Len(t, execs, 1)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 29, 0, 0, time.UTC), execs[0].ScheduledTime)
}

func TestScanIsolatesBadDefinitions(t *testing.T) {
	st, runner := newTestEnv(t)
	bad := everyMinuteCron("broken")
	bad.CronExpression = "not a cron"
	mustCreateCron(t, st, runner, bad)
	mustCreateCron(t, st, runner, everyMinuteCron("healthy"))

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	d := testDispatcher(st, runner, now)
	_, err := d.scanOnce(context.Background())
	require.NoError(t, err)

	execs := listAll(t, st, runner)
	require.Len(t, execs, 1)
}

func TestScanCommitsEmissionsPerDefinition(t *testing.T) {
	st, runner := newTestEnv(t)
	healthy := mustCreateCron(t, st, runner, everyMinuteCron("healthy"))
	blocked := mustCreateCron(t, st, runner, everyMinuteCron("blocked"))

	// Make every emission for the second definition fail at the store
	// level, past expression validation.
	require.NoError(t, runner.Run(context.Background(), func(ctx context.Context) error {
		tx, err := dbx.Tx(ctx, "default")
		if err != nil {
			return err
		}
		_, err = tx.Execute(ctx, fmt.Sprintf(`CREATE TRIGGER block_emission
			BEFORE INSERT ON executions
			WHEN NEW.job_id = %d
			BEGIN SELECT RAISE(ABORT, 'emission rejected'); END`, blocked.ID))
		return err
	}))

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	d := testDispatcher(st, runner, now)
	_, err := d.scanOnce(context.Background())
	require.NoError(t, err)

	execs := listAll(t, st, runner)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].JobID)
	assert.Equal(t, healthy.ID, *execs[0].JobID)
}

func TestScanRejectsSubMinuteInterval(t *testing.T) {
	st, runner := newTestEnv(t)
	c := everyMinuteCron("too-fast")
	mustCreateCron(t, st, runner, c)

	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	d := testDispatcher(st, runner, now)
	d.cfg.MinCronInterval = 5 * time.Minute

	_, err := d.scanOnce(context.Background())
	require.NoError(t, err)
	// The definition fails interval validation, so nothing is emitted.
	assert.Empty(t, listAll(t, st, runner))
}

func TestRunStopsOnCancel(t *testing.T) {
	st, runner := newTestEnv(t)
	now := time.Date(2026, 8, 25, 10, 30, 10, 0, time.UTC)
	d := testDispatcher(st, runner, now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
