package workspace

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valor-bot/valor/pkg/valor/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestAcquireSharedTreeWhenIsolationOff(t *testing.T) {
	t.Parallel()
	arena := NewArena(Config{}, testLogger())
	job := queue.NewJob("backend", "/srv/backend", "do the thing")

	dir, err := arena.Acquire(context.Background(), job)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if dir != job.WorkingDir {
		t.Errorf("expected the shared tree, got %s", dir)
	}
	if arena.Active() != 0 {
		t.Error("shared-tree jobs must not be tracked as worktrees")
	}
	// Release of an untracked job is a no-op.
	if err := arena.Release(context.Background(), job); err != nil {
		t.Errorf("Release: %v", err)
	}
}

// initRepo creates a git repository with one commit, which worktree
// allocation needs as a base.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README")
	run("commit", "-m", "initial")
	return dir
}

func TestWorktreeLifecycle(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Parallel()

	repo := initRepo(t)
	arena := NewArena(Config{Isolate: true}, testLogger())
	job := queue.NewJob("backend", repo, "do the thing")

	dir, err := arena.Acquire(context.Background(), job)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if dir == repo {
		t.Fatal("isolated job must not run in the shared tree")
	}
	if _, err := os.Stat(filepath.Join(dir, "README")); err != nil {
		t.Errorf("worktree missing checkout contents: %v", err)
	}
	if arena.Active() != 1 {
		t.Errorf("expected one active worktree, got %d", arena.Active())
	}

	if err := arena.Release(context.Background(), job); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if arena.Active() != 0 {
		t.Errorf("expected zero active worktrees, got %d", arena.Active())
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("worktree directory should be gone, stat err: %v", err)
	}
}

func TestConcurrentJobsGetDistinctWorktrees(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Parallel()

	repo := initRepo(t)
	arena := NewArena(Config{Isolate: true}, testLogger())
	a := queue.NewJob("backend", repo, "task a")
	b := queue.NewJob("backend", repo, "task b")

	dirA, err := arena.Acquire(context.Background(), a)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	dirB, err := arena.Acquire(context.Background(), b)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if dirA == dirB {
		t.Fatal("concurrent jobs must not share a worktree")
	}

	for _, job := range []*queue.Job{a, b} {
		if err := arena.Release(context.Background(), job); err != nil {
			t.Errorf("Release %s: %v", job.ID, err)
		}
	}
}
