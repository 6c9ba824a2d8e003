package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStore serves a fixed list of jobs, optionally failing the first pops.
type fakeStore struct {
	mu       sync.Mutex
	jobs     []*Job
	popFails int
	popCount atomic.Int64
}

func (f *fakeStore) Enqueue(_ context.Context, job *Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return job.ID, nil
}

func (f *fakeStore) PopNext(_ context.Context, projectKey string) (*Job, error) {
	f.popCount.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.popFails > 0 {
		f.popFails--
		return nil, ErrStoreUnavailable
	}
	for i, job := range f.jobs {
		if job.ProjectKey == projectKey && job.Status == StatusPending {
			job.Status = StatusRunning
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Mark(context.Context, string, Status) error          { return nil }
func (f *fakeStore) MarkFailed(context.Context, string, string) error    { return nil }
func (f *fakeStore) SetDelivery(context.Context, string, DeliveryState) error { return nil }
func (f *fakeStore) SetWorktree(context.Context, string, string) error   { return nil }
func (f *fakeStore) Get(context.Context, string) (*Job, error)           { return nil, ErrJobNotFound }
func (f *fakeStore) Query(context.Context, string, Status) ([]*Job, error) { return nil, nil }
func (f *fakeStore) PruneStale(context.Context, time.Duration) (int, error) { return 0, nil }
func (f *fakeStore) Close() error                                        { return nil }

// fakeExecutor records executed jobs and can block until released.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	block    chan struct{} // when non-nil, Execute waits on it
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Job) (Outcome, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return OutcomeFailed, ctx.Err()
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, job.ID)
	f.mu.Unlock()
	return OutcomeFinalized, nil
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestPoolExecutesSequentially(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	a := NewJob("backend", "/srv", "first")
	b := NewJob("backend", "/srv", "second")
	store.jobs = []*Job{a, b}

	exec := &fakeExecutor{}
	pool := NewPool(PoolConfig{
		Projects:     []string{"backend"},
		PollInterval: 5 * time.Millisecond,
	}, store, exec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for len(exec.executedIDs()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("jobs not executed in time: %v", exec.executedIDs())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	pool.Wait()

	got := exec.executedIDs()
	if got[0] != a.ID || got[1] != b.ID {
		t.Errorf("expected FIFO order [%s %s], got %v", a.ID, b.ID, got)
	}
}

func TestPoolBacksOffOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{popFails: 2}
	job := NewJob("backend", "/srv", "work")
	store.jobs = []*Job{job}

	exec := &fakeExecutor{}
	pool := NewPool(PoolConfig{
		Projects:     []string{"backend"},
		PollInterval: 5 * time.Millisecond,
		StoreBackoff: 5 * time.Millisecond,
	}, store, exec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	deadline := time.After(2 * time.Second)
	for len(exec.executedIDs()) < 1 {
		select {
		case <-deadline:
			t.Fatal("job never executed after store recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	pool.Wait()

	// Two failed pops plus at least one successful one.
	if store.popCount.Load() < 3 {
		t.Errorf("expected retried pops, got %d", store.popCount.Load())
	}
}

func TestRestartDeferredUntilIdle(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	job := NewJob("backend", "/srv", "slow work")
	store.jobs = []*Job{job}

	release := make(chan struct{})
	exec := &fakeExecutor{block: release}

	var fired atomic.Bool
	restart := NewRestartSignal(func() { fired.Store(true) })

	pool := NewPool(PoolConfig{
		Projects:     []string{"backend"},
		PollInterval: 5 * time.Millisecond,
	}, store, exec, restart, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// Wait until the job is actually executing.
	deadline := time.After(2 * time.Second)
	for pool.ActiveJobs() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(2 * time.Millisecond):
		}
	}

	restart.Request()
	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Fatal("restart fired while a job was still running")
	}

	close(release)

	deadline = time.After(2 * time.Second)
	for !fired.Load() {
		select {
		case <-deadline:
			t.Fatal("restart never fired after the job finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	pool.Wait()
}

func TestRestartFiresOnIdlePool(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	exec := &fakeExecutor{}

	var fired atomic.Bool
	restart := NewRestartSignal(func() { fired.Store(true) })

	pool := NewPool(PoolConfig{
		Projects:     []string{"backend"},
		PollInterval: 5 * time.Millisecond,
	}, store, exec, restart, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	restart.Request()

	deadline := time.After(2 * time.Second)
	for !fired.Load() {
		select {
		case <-deadline:
			t.Fatal("restart never fired on an idle pool")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	pool.Wait()
}
