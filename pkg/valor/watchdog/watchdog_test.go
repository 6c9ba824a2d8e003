package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valor-bot/valor/pkg/valor/queue"
	"github.com/valor-bot/valor/pkg/valor/session"
)

// memStore backdates timestamps freely, which a real backend cannot.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*queue.Job)}
}

func (m *memStore) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return job.ID, nil
}

func (m *memStore) PopNext(context.Context, string) (*queue.Job, error) { return nil, nil }

func (m *memStore) Mark(_ context.Context, jobID string, status queue.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	job.Status = status
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	if err := m.Mark(ctx, jobID, queue.StatusFailed); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Error = reason
	return nil
}

func (m *memStore) SetDelivery(_ context.Context, jobID string, state queue.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	if job.Delivery.Terminal() {
		return fmt.Errorf("delivery already terminal for %s", jobID)
	}
	job.Delivery = state
	return nil
}

func (m *memStore) SetWorktree(context.Context, string, string) error { return nil }

func (m *memStore) Get(_ context.Context, jobID string) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) Query(_ context.Context, projectKey string, status queue.Status) ([]*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*queue.Job
	for _, job := range m.jobs {
		if job.Status != status {
			continue
		}
		if projectKey != "" && job.ProjectKey != projectKey {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) PruneStale(context.Context, time.Duration) (int, error) { return 0, nil }
func (m *memStore) Close() error                                           { return nil }

func (m *memStore) pending() []*queue.Job {
	out, _ := m.Query(context.Background(), "", queue.StatusPending)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) SendText(_ context.Context, _, _, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func runningJob(t *testing.T, store *memStore, updatedAt time.Time) *queue.Job {
	t.Helper()
	job := queue.NewJob("backend", "/srv", "do the thing")
	job.Channel = "whatsapp"
	job.ChatID = "123@g.us"
	job.MessageID = "msg-1"
	job.Status = queue.StatusRunning
	job.UpdatedAt = updatedAt
	if _, err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestSweepIgnoresHealthySessions(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	activity := session.NewActivityLog()
	job := runningJob(t, store, time.Now())
	activity.Begin(job.SessionID)

	w := New(Config{}, store, activity, nil, testLogger())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != queue.StatusRunning {
		t.Errorf("healthy job must stay running, got %s", got.Status)
	}
	if len(store.pending()) != 0 {
		t.Error("no revival expected for a healthy session")
	}
}

func TestSweepRevivesSilentSession(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	activity := session.NewActivityLog()
	// Not registered in the activity log: the worker that owned it is gone.
	// Silence falls back to the job's own timestamp.
	job := runningJob(t, store, time.Now().Add(-10*time.Minute))

	w := New(Config{SilenceSeconds: 300}, store, activity, nil, testLogger())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("stuck job should be failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "silence") {
		t.Errorf("verdict not recorded: %q", got.Error)
	}
	if got.Delivery != queue.DeliveredAck {
		t.Errorf("retired job should close quietly, got %s", got.Delivery)
	}

	pending := store.pending()
	if len(pending) != 1 {
		t.Fatalf("expected one revival, got %d", len(pending))
	}
	revival := pending[0]
	if revival.SessionID != job.SessionID {
		t.Error("revival must stay in the session chain")
	}
	if revival.MessageText != job.MessageText {
		t.Errorf("revival must retry the original prompt, got %q", revival.MessageText)
	}
	if revival.RevivalContext == "" {
		t.Error("revival must carry its revival context")
	}
	if revival.AutoContinueCount != job.AutoContinueCount {
		t.Error("revival must not consume an auto-continue round")
	}
}

func TestSweepDetectsErrorCascade(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	activity := session.NewActivityLog()
	job := runningJob(t, store, time.Now())
	activity.Begin(job.SessionID)
	for i := 0; i < 5; i++ {
		activity.RecordError(job.SessionID)
	}

	w := New(Config{ErrorCascade: 5}, store, activity, nil, testLogger())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("cascading job should be failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "error cascade") {
		t.Errorf("verdict not recorded: %q", got.Error)
	}
}

func TestSweepEscalatesAfterSpentRevival(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	activity := session.NewActivityLog()
	notifier := &fakeNotifier{}

	job := runningJob(t, store, time.Now().Add(-10*time.Minute))
	job.RevivalContext = "watchdog revival at earlier sweep"
	store.jobs[job.ID].RevivalContext = job.RevivalContext

	w := New(Config{SilenceSeconds: 300}, store, activity, notifier, testLogger())
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Delivery != queue.DeliveredError {
		t.Errorf("escalated job must surface an error, got %s", got.Delivery)
	}
	if len(store.pending()) != 0 {
		t.Error("one revival per chain: no second re-enqueue allowed")
	}
	texts := notifier.sent()
	if len(texts) != 1 || !strings.Contains(texts[0], "twice") {
		t.Errorf("human escalation message missing: %v", texts)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	w := New(Config{Schedule: "not a cron spec"}, newMemStore(), nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}
