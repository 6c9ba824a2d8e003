// Package workspace manages the filesystem side of job execution. The
// baseline hands every job the shared project tree; with isolation enabled,
// each in-flight job gets its own named git worktree, allocated on job start
// and reclaimed on completion. Named worktrees are what make intra-project
// parallelism possible without touching the queue's ordering rules.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/valor-bot/valor/pkg/valor/queue"
)

// Config configures the arena.
type Config struct {
	// Isolate enables per-job git worktrees. Off by default: the sequential
	// baseline owns the shared tree exclusively while a job is running.
	Isolate bool `yaml:"isolate"`

	// Root is where worktrees are created (default "<shared>/.valor-worktrees"
	// next to each project tree).
	Root string `yaml:"root"`
}

// Arena allocates and reclaims per-job workspaces.
type Arena struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]string // job ID → worktree dir
}

// NewArena creates a workspace arena.
func NewArena(cfg Config, logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{
		cfg:    cfg,
		logger: logger.With("component", "workspace"),
		active: make(map[string]string),
	}
}

// Acquire returns the directory the job should run in. With isolation off
// this is the shared tree; with isolation on it is a fresh detached worktree
// named after the job.
func (a *Arena) Acquire(ctx context.Context, job *queue.Job) (string, error) {
	if !a.cfg.Isolate {
		return job.WorkingDir, nil
	}

	root := a.cfg.Root
	if root == "" {
		root = filepath.Join(job.WorkingDir, ".valor-worktrees")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}

	dir := filepath.Join(root, "job-"+job.ID)
	if out, err := runGit(ctx, job.WorkingDir, "worktree", "add", "--detach", dir); err != nil {
		return "", fmt.Errorf("git worktree add: %w: %s", err, out)
	}

	a.mu.Lock()
	a.active[job.ID] = dir
	a.mu.Unlock()

	a.logger.Info("worktree allocated", "job", job.ID, "dir", dir)
	return dir, nil
}

// Release reclaims the job's worktree, if one was allocated.
func (a *Arena) Release(ctx context.Context, job *queue.Job) error {
	a.mu.Lock()
	dir, ok := a.active[job.ID]
	delete(a.active, job.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if out, err := runGit(ctx, job.WorkingDir, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	a.logger.Info("worktree reclaimed", "job", job.ID, "dir", dir)
	return nil
}

// Active returns the number of allocated worktrees.
func (a *Arena) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
