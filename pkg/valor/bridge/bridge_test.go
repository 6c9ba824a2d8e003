package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/valor-bot/valor/pkg/valor/channels"
	"github.com/valor-bot/valor/pkg/valor/dispatch"
	"github.com/valor-bot/valor/pkg/valor/queue"
)

// memStore records enqueues and can simulate a busy backend.
type memStore struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	failTimes int
}

func (m *memStore) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTimes > 0 {
		m.failTimes--
		return "", fmt.Errorf("enqueue: %w", queue.ErrStoreUnavailable)
	}
	cp := *job
	m.jobs = append(m.jobs, &cp)
	return job.ID, nil
}

func (m *memStore) enqueued() []*queue.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*queue.Job(nil), m.jobs...)
}

func (m *memStore) PopNext(context.Context, string) (*queue.Job, error)       { return nil, nil }
func (m *memStore) Mark(context.Context, string, queue.Status) error          { return nil }
func (m *memStore) MarkFailed(context.Context, string, string) error          { return nil }
func (m *memStore) SetDelivery(context.Context, string, queue.DeliveryState) error {
	return nil
}
func (m *memStore) SetWorktree(context.Context, string, string) error { return nil }
func (m *memStore) Get(context.Context, string) (*queue.Job, error) {
	return nil, queue.ErrJobNotFound
}
func (m *memStore) Query(context.Context, string, queue.Status) ([]*queue.Job, error) {
	return nil, nil
}
func (m *memStore) PruneStale(context.Context, time.Duration) (int, error) { return 0, nil }
func (m *memStore) Close() error                                           { return nil }

type fakeTransport struct {
	mu        sync.Mutex
	reactions []string
	texts     []string
}

func (f *fakeTransport) SendReaction(_ context.Context, _, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, _, _, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) sentReactions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func testConfig() Config {
	return Config{
		Trigger: "valor",
		Projects: []Project{
			{Key: "backend", Dir: "/srv/backend", Chats: []string{"whatsapp:123@g.us", "555"}},
			{Key: "scratch", Dir: "/srv/scratch", Default: true},
		},
	}
}

func groupMsg(content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:       "msg-1",
		Channel:  "whatsapp",
		From:     "111@s.whatsapp.net",
		FromName: "ana",
		ChatID:   "123@g.us",
		IsGroup:  true,
		Content:  content,
	}
}

func TestHandleEnqueuesTriggeredGroupMessage(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	transport := &fakeTransport{}
	b := New(testConfig(), store, transport, testLogger())

	b.handle(context.Background(), groupMsg("Valor fix the login bug"))

	jobs := store.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.ProjectKey != "backend" {
		t.Errorf("wrong project: %s", job.ProjectKey)
	}
	if job.MessageText != "fix the login bug" {
		t.Errorf("trigger not stripped: %q", job.MessageText)
	}
	if job.Channel != "whatsapp" || job.ChatID != "123@g.us" || job.MessageID != "msg-1" {
		t.Error("chat identity not carried onto the job")
	}
	if reactions := transport.sentReactions(); len(reactions) != 1 || reactions[0] != dispatch.ReactionProcessing {
		t.Errorf("intake reaction missing, got %v", reactions)
	}
}

func TestHandleIgnoresUntriggeredGroupMessage(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	b := New(testConfig(), store, &fakeTransport{}, testLogger())

	b.handle(context.Background(), groupMsg("anyone seen the deploy runbook?"))

	if jobs := store.enqueued(); len(jobs) != 0 {
		t.Errorf("untriggered group chatter must be ignored, got %d jobs", len(jobs))
	}
}

func TestHandleDMsNeedNoTrigger(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	b := New(testConfig(), store, &fakeTransport{}, testLogger())

	msg := groupMsg("what's the status?")
	msg.IsGroup = false
	msg.ChatID = "111@s.whatsapp.net"
	b.handle(context.Background(), msg)

	jobs := store.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("DM should enqueue without trigger, got %d", len(jobs))
	}
	if jobs[0].MessageText != "what's the status?" {
		t.Errorf("DM content must pass through untouched: %q", jobs[0].MessageText)
	}
	// Unmapped DM lands on the default project.
	if jobs[0].ProjectKey != "scratch" {
		t.Errorf("expected default project, got %s", jobs[0].ProjectKey)
	}
}

func TestHandleDropsTriggerOnlyMessage(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	b := New(testConfig(), store, &fakeTransport{}, testLogger())

	b.handle(context.Background(), groupMsg("valor   "))

	if jobs := store.enqueued(); len(jobs) != 0 {
		t.Errorf("trigger with no content must be dropped, got %d jobs", len(jobs))
	}
}

func TestResolveProject(t *testing.T) {
	t.Parallel()
	b := New(testConfig(), &memStore{}, &fakeTransport{}, testLogger())

	cases := []struct {
		name    string
		channel string
		chatID  string
		want    string
	}{
		{"scoped match", "whatsapp", "123@g.us", "backend"},
		{"bare match any channel", "discord", "555", "backend"},
		{"unmapped falls back to default", "discord", "999", "scratch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := b.resolveProject(&channels.IncomingMessage{Channel: tc.channel, ChatID: tc.chatID})
			if p == nil {
				t.Fatal("expected a project")
			}
			if p.Key != tc.want {
				t.Errorf("got %s, want %s", p.Key, tc.want)
			}
		})
	}

	t.Run("no default drops unmapped", func(t *testing.T) {
		cfg := testConfig()
		cfg.Projects = cfg.Projects[:1]
		b := New(cfg, &memStore{}, &fakeTransport{}, testLogger())
		if p := b.resolveProject(&channels.IncomingMessage{Channel: "discord", ChatID: "999"}); p != nil {
			t.Errorf("expected nil, got %s", p.Key)
		}
	})
}

func TestEnqueueRetriesBusyStore(t *testing.T) {
	t.Parallel()
	store := &memStore{failTimes: 2}
	transport := &fakeTransport{}
	b := New(testConfig(), store, transport, testLogger())

	b.handle(context.Background(), groupMsg("valor run the tests"))

	if jobs := store.enqueued(); len(jobs) != 1 {
		t.Fatalf("expected the job to land after retries, got %d", len(jobs))
	}
	if reactions := transport.sentReactions(); len(reactions) != 1 || reactions[0] != dispatch.ReactionProcessing {
		t.Errorf("intake reaction should follow the successful enqueue, got %v", reactions)
	}
}

func TestRunStopsWhenStreamCloses(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	b := New(testConfig(), store, &fakeTransport{}, testLogger())

	messages := make(chan *channels.IncomingMessage, 1)
	messages <- groupMsg("valor hello there")
	close(messages)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), messages)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the stream closed")
	}
	if jobs := store.enqueued(); len(jobs) != 1 {
		t.Errorf("buffered message should have been handled, got %d", len(jobs))
	}
}
