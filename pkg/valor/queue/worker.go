// worker.go implements the per-project worker loop: pop the next pending
// job, execute it, handle the outcome, then poll for a pending restart. Jobs
// within a project run strictly sequentially; projects are independent.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is what the executor did with a finished job.
type Outcome int

const (
	// OutcomeFinalized means a terminal delivery state was reached.
	OutcomeFinalized Outcome = iota
	// OutcomeContinued means a continuation job was enqueued and this
	// iteration ends without touching the transport.
	OutcomeContinued
	// OutcomeFailed means the job failed and the error was delivered.
	OutcomeFailed
)

// Executor runs one claimed job to a terminal state (including delivery or
// continuation). The worker loop itself never talks to the chat transport.
type Executor interface {
	Execute(ctx context.Context, job *Job) (Outcome, error)
}

// PoolConfig holds the explicit worker pool configuration. Projects are
// passed in, never read from a module-level registry, so tests can run
// multiple independent pools.
type PoolConfig struct {
	// Projects lists the project keys to run a worker for.
	Projects []string

	// PollInterval is the idle sleep between empty pops (default 1s).
	PollInterval time.Duration

	// StoreBackoff is the initial retry delay after a store failure; it
	// doubles per consecutive failure up to 30s (default 2s).
	StoreBackoff time.Duration
}

// Pool runs one worker per project key.
type Pool struct {
	cfg      PoolConfig
	store    Store
	executor Executor
	restart  *RestartSignal
	logger   *slog.Logger

	// activeJobs counts jobs currently executing across all projects. The
	// restart signal fires only when this is zero.
	activeJobs atomic.Int64

	wg sync.WaitGroup
}

// NewPool creates a worker pool. restart may be nil when restart handling is
// not wired.
func NewPool(cfg PoolConfig, store Store, executor Executor, restart *RestartSignal, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 2 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		executor: executor,
		restart:  restart,
		logger:   logger.With("component", "worker"),
	}
}

// Start launches one worker goroutine per project and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for _, project := range p.cfg.Projects {
		p.wg.Add(1)
		go func(project string) {
			defer p.wg.Done()
			p.runLoop(ctx, project)
		}(project)
	}
	p.logger.Info("worker pool started", "projects", len(p.cfg.Projects))
}

// Wait blocks until all workers have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ActiveJobs returns how many jobs are executing right now.
func (p *Pool) ActiveJobs() int {
	return int(p.activeJobs.Load())
}

// runLoop is the per-project loop: idle → popped → executing →
// {finalizing, continuing} → idle.
func (p *Pool) runLoop(ctx context.Context, project string) {
	logger := p.logger.With("project", project)
	backoff := p.cfg.StoreBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.PopNext(ctx, project)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				// Never drop work: back off and retry the pop.
				logger.Warn("store unavailable, backing off", "backoff", backoff.String(), "err", err)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = minDuration(backoff*2, 30*time.Second)
				continue
			}
			logger.Error("pop failed", "err", err)
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		backoff = p.cfg.StoreBackoff

		if job == nil {
			// Queue empty. Idle is the only moment a restart may fire.
			p.maybeRestart(logger)
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.activeJobs.Add(1)
		logger.Info("job popped",
			"id", job.ID,
			"session", job.SessionID,
			"continue_count", job.AutoContinueCount,
			"revived", job.RevivalContext != "",
		)

		outcome, execErr := p.executor.Execute(ctx, job)
		p.activeJobs.Add(-1)

		switch {
		case execErr != nil:
			logger.Error("job execution failed", "id", job.ID, "err", execErr)
		case outcome == OutcomeContinued:
			logger.Info("job continued", "id", job.ID, "session", job.SessionID)
		case outcome == OutcomeFailed:
			logger.Warn("job failed", "id", job.ID)
		default:
			logger.Info("job finalized", "id", job.ID)
		}

		// Restart is polled only between jobs, never preempting one.
		p.maybeRestart(logger)
	}
}

// maybeRestart fires the restart signal when requested and nothing is
// running anywhere; otherwise the restart stays deferred.
func (p *Pool) maybeRestart(logger *slog.Logger) {
	if p.restart == nil || !p.restart.Requested() {
		return
	}
	if p.activeJobs.Load() > 0 {
		logger.Debug("restart deferred, jobs still running", "active", p.activeJobs.Load())
		return
	}
	logger.Info("restart signal honored, all workers idle")
	p.restart.fire()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
