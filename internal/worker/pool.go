package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/observability"
	"github.com/fairyhunter13/jobu/internal/store"
)

// Config tunes the worker pool.
type Config struct {
	PoolSize        int
	PollInterval    time.Duration
	ClaimBatchSize  int
	ShutdownTimeout time.Duration
}

// Pool polls for PENDING executions and fans them out to at most
// PoolSize concurrent executors. Claims stay safe across competing
// pools; a lost claim is simply skipped.
type Pool struct {
	cfg      Config
	runner   *dbx.Runner
	st       *store.Store
	executor *Executor

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inflight int64
	mu       sync.Mutex
}

// NewPool builds a worker pool over the scheduler database.
func NewPool(cfg Config, runner *dbx.Runner, st *store.Store, registry *Registry) *Pool {
	return &Pool{
		cfg:      cfg,
		runner:   runner,
		st:       st,
		executor: NewExecutor(runner, st, registry),
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
	}
}

// Run polls until ctx is cancelled, then drains: inflight handlers get
// ShutdownTimeout to finish before their contexts are cancelled.
func (p *Pool) Run(ctx context.Context) error {
	// Handlers run on a context detached from the polling loop so a
	// shutdown signal does not abort work mid-flight before the drain
	// deadline.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	slog.Info("worker pool started",
		slog.Int("pool_size", p.cfg.PoolSize),
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Int("claim_batch_size", p.cfg.ClaimBatchSize))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx, execCtx)
		select {
		case <-ctx.Done():
			p.drain(execCancel)
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce lists up to the free capacity of pending work and dispatches
// each row to an executor goroutine.
func (p *Pool) pollOnce(ctx context.Context, execCtx context.Context) {
	free := p.cfg.PoolSize - int(p.currentInflight())
	if free <= 0 {
		return
	}
	limit := p.cfg.ClaimBatchSize
	if limit > free {
		limit = free
	}

	var jobs []domain.JobInfo
	err := p.runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		var err error
		jobs, err = p.st.ListPendingExecutions(ctx, limit)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to list pending executions", slog.Any("error", err))
		}
		return
	}

	for _, job := range jobs {
		if !p.sem.TryAcquire(1) {
			return
		}
		p.addInflight(1)
		p.wg.Add(1)
		go func(job domain.JobInfo) {
			defer func() {
				p.sem.Release(1)
				p.addInflight(-1)
				p.wg.Done()
			}()
			if _, err := p.executor.Process(execCtx, job); err != nil {
				slog.Error("failed to process execution",
					slog.Int64("execution_id", job.ID), slog.Any("error", err))
			}
		}(job)
	}
}

// drain waits up to ShutdownTimeout for inflight work, then cancels the
// execution context and waits for the goroutines to unwind.
func (p *Pool) drain(execCancel context.CancelFunc) {
	slog.Info("worker pool draining", slog.Int64("inflight", p.currentInflight()))
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool drained")
	case <-time.After(p.cfg.ShutdownTimeout):
		slog.Warn("worker pool drain timed out, cancelling inflight executions",
			slog.Int64("inflight", p.currentInflight()))
		execCancel()
		<-done
	}
	slog.Info("worker pool stopped")
}

func (p *Pool) addInflight(delta int64) {
	p.mu.Lock()
	p.inflight += delta
	v := p.inflight
	p.mu.Unlock()
	observability.WorkerInflight.Set(float64(v))
}

func (p *Pool) currentInflight() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}
