// sqlite.go provides the SQLite-backed Store. A single valor.db file holds
// the job queue and delivery states; WAL mode keeps concurrent reads cheap
// while writes stay serialized through the one *sql.DB.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Job queue. One row per job, flat record keyed by id.
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    project_key         TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    priority            INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    session_id          TEXT NOT NULL,
    working_dir         TEXT DEFAULT '',
    message_text        TEXT DEFAULT '',
    channel             TEXT DEFAULT '',
    sender_name         TEXT DEFAULT '',
    chat_id             TEXT DEFAULT '',
    message_id          TEXT DEFAULT '',
    chat_title          TEXT DEFAULT '',
    auto_continue_count INTEGER NOT NULL DEFAULT 0,
    resume              INTEGER NOT NULL DEFAULT 0,
    revival_context     TEXT DEFAULT '',
    worktree_dir        TEXT DEFAULT '',
    delivery            TEXT NOT NULL DEFAULT 'received',
    error               TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_project_status ON jobs(project_key, status);
CREATE INDEX IF NOT EXISTS idx_jobs_pop_order ON jobs(priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
`

// markAllowedFrom lists, per target status, which current statuses may move
// there. Forward-only, and writing the current status again is a no-op rather
// than an error so retries stay idempotent.
var markAllowedFrom = map[Status][]Status{
	StatusPending:   {StatusPending},
	StatusRunning:   {StatusPending, StatusRunning},
	StatusCompleted: {StatusPending, StatusRunning, StatusCompleted},
	StatusFailed:    {StatusPending, StatusRunning, StatusFailed},
}

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the job database at the given path and runs
// the schema. It enables WAL mode and a busy timeout so a slow reader never
// turns into a spurious "database is locked" failure.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "./data/valor.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.With("component", "jobstore")}, nil
}

// Enqueue persists a new pending job.
func (s *SQLiteStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("job ID is required")
	}
	if job.ProjectKey == "" {
		return "", fmt.Errorf("job project key is required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Delivery == "" {
		job.Delivery = DeliveryReceived
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, project_key, status, priority, created_at, updated_at,
			session_id, working_dir, message_text, channel, sender_name,
			chat_id, message_id, chat_title, auto_continue_count, resume,
			revival_context, worktree_dir, delivery, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectKey, string(job.Status), job.Priority,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		job.SessionID, job.WorkingDir, job.MessageText, job.Channel,
		job.SenderName, job.ChatID, job.MessageID, job.ChatTitle,
		job.AutoContinueCount, boolInt(job.Resume),
		job.RevivalContext, job.WorktreeDir, string(job.Delivery), job.Error,
	)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}

	s.logger.Debug("job enqueued",
		"id", job.ID,
		"project", job.ProjectKey,
		"session", job.SessionID,
		"continue_count", job.AutoContinueCount,
	)
	return job.ID, nil
}

// PopNext claims the next pending job for a project. The claim is a
// conditional UPDATE on (id, status=pending): only one caller can win the
// transition to running, so the single-writer guarantee holds even with
// multiple loops sharing a store.
func (s *SQLiteStore) PopNext(ctx context.Context, projectKey string) (*Job, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE project_key = ? AND status = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, projectKey, string(StatusPending))

		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: pop: %v", ErrStoreUnavailable, err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, delivery = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusRunning), string(DeliveryProcessing),
			formatTime(time.Now().UTC()), job.ID, string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("%w: claim: %v", ErrStoreUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Lost the race to another claimer; pick the next candidate.
			continue
		}

		job.Status = StatusRunning
		job.Delivery = DeliveryProcessing
		return job, nil
	}
}

// Mark transitions a job to the given status, refusing backward moves.
func (s *SQLiteStore) Mark(ctx context.Context, jobID string, status Status) error {
	return s.mark(ctx, jobID, status, "", false)
}

// MarkFailed transitions a job to failed with the error message attached.
func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	return s.mark(ctx, jobID, StatusFailed, reason, true)
}

// mark performs the transition as one conditional UPDATE so two writers
// racing toward different terminal states cannot interleave; the guard lives
// in the WHERE clause and exactly one of them lands.
func (s *SQLiteStore) mark(ctx context.Context, jobID string, status Status, reason string, setError bool) error {
	from := markAllowedFrom[status]
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown status %q (job %s)", ErrInvalidTransition, status, jobID)
	}

	set := `status = ?, updated_at = ?`
	args := []any{string(status), formatTime(time.Now().UTC())}
	if setError {
		set += `, error = ?`
		args = append(args, reason)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args = append(args, jobID)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("%w: mark: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		job, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s → %s (job %s)", ErrInvalidTransition, job.Status, status, jobID)
	}
	return nil
}

// SetDelivery records a delivery state. Once a terminal delivered_* state is
// written it cannot change; the WHERE clause makes the write first-wins.
func (s *SQLiteStore) SetDelivery(ctx context.Context, jobID string, state DeliveryState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET delivery = ?, updated_at = ?
		WHERE id = ? AND delivery NOT IN (?, ?, ?)`,
		string(state), formatTime(time.Now().UTC()), jobID,
		string(DeliveredAck), string(DeliveredReply), string(DeliveredError))
	if err != nil {
		return fmt.Errorf("%w: set delivery: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the job is unknown or the delivery state is already final.
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("delivery state for job %s is already terminal", jobID)
	}
	return nil
}

// SetWorktree records the workspace directory assigned to a job.
func (s *SQLiteStore) SetWorktree(ctx context.Context, jobID, dir string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET worktree_dir = ?, updated_at = ? WHERE id = ?`,
		dir, formatTime(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("%w: set worktree: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStoreUnavailable, err)
	}
	return job, nil
}

// Query returns jobs matching (projectKey, status) in pop order. An empty
// projectKey matches all projects.
func (s *SQLiteStore) Query(ctx context.Context, projectKey string, status Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{string(status)}
	if projectKey != "" {
		query += ` AND project_key = ?`
		args = append(args, projectKey)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PruneStale deletes terminal jobs whose last update is older than the cutoff.
func (s *SQLiteStore) PruneStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("stale jobs pruned", "removed", n, "older_than", olderThan.String())
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------- Row mapping ----------

const jobColumns = `id, project_key, status, priority, created_at, updated_at,
	session_id, working_dir, message_text, channel, sender_name,
	chat_id, message_id, chat_title, auto_continue_count, resume,
	revival_context, worktree_dir, delivery, error`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		status, delivery     string
		createdAt, updatedAt string
		resume               int
	)
	err := row.Scan(
		&j.ID, &j.ProjectKey, &status, &j.Priority, &createdAt, &updatedAt,
		&j.SessionID, &j.WorkingDir, &j.MessageText, &j.Channel, &j.SenderName,
		&j.ChatID, &j.MessageID, &j.ChatTitle, &j.AutoContinueCount, &resume,
		&j.RevivalContext, &j.WorktreeDir, &delivery, &j.Error,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Delivery = DeliveryState(delivery)
	j.Resume = resume != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
