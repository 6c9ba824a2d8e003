package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valor-bot/valor/pkg/valor/queue"
)

// newQueueCmd creates the `valor queue` command group for inspecting jobs.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the job queue",
	}
	cmd.AddCommand(newQueueListCmd(), newQueuePruneCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long: `List jobs in the queue, newest first.

Examples:
  valor queue list
  valor queue list --status running
  valor queue list --project backend`,
		RunE: runQueueList,
	}
	cmd.Flags().String("status", "", "filter by status (pending, running, completed, failed)")
	cmd.Flags().String("project", "", "filter by project key")
	return cmd
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	store, err := queue.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	statusFlag, _ := cmd.Flags().GetString("status")
	project, _ := cmd.Flags().GetString("project")

	var statuses []queue.Status
	if statusFlag != "" {
		statuses = []queue.Status{queue.Status(strings.ToLower(statusFlag))}
	} else {
		statuses = []queue.Status{queue.StatusPending, queue.StatusRunning, queue.StatusCompleted, queue.StatusFailed}
	}

	var jobs []*queue.Job
	for _, st := range statuses {
		batch, err := store.Query(ctx, project, st)
		if err != nil {
			return err
		}
		jobs = append(jobs, batch...)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tDELIVERY\tROUND\tAGE\tMESSAGE")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(job.ID),
			job.ProjectKey,
			job.Status,
			job.Delivery,
			job.AutoContinueCount,
			time.Since(job.CreatedAt).Round(time.Second),
			firstLine(job.MessageText, 48),
		)
	}
	return w.Flush()
}

func newQueuePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old completed and failed jobs",
		RunE:  runQueuePrune,
	}
	cmd.Flags().Int("days", 30, "delete terminal jobs older than this many days")
	return cmd
}

func runQueuePrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	store, err := queue.OpenSQLite(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	days, _ := cmd.Flags().GetInt("days")
	n, err := store.PruneStale(context.Background(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d job(s) older than %d days.\n", n, days)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		return s[:max-1] + "…"
	}
	return s
}
