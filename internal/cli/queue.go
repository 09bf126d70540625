package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"realtysync/internal/models"
	"realtysync/internal/repository"
	"realtysync/internal/worker"

	"github.com/spf13/cobra"
)

// NewQueueCommand groups outbox maintenance commands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the sync outbox",
	}
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueRecoverCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	cmd.AddCommand(newQueueDeadLettersCommand(rootOpts))
	return cmd
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows by status, failed changes and open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			queue, err := e.db.QueueStats(ctx)
			if err != nil {
				return err
			}
			failed, err := e.db.CountFailedChanges(ctx)
			if err != nil {
				return err
			}
			conflicts, err := e.db.CountOpenConflicts(ctx)
			if err != nil {
				return err
			}

			out := map[string]any{"queue": queue, "failed_changes": failed, "open_conflicts": conflicts}
			return render(cmd, rootOpts, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "pending:\t%d\n", queue.Pending)
				fmt.Fprintf(w, "processing:\t%d\n", queue.Processing)
				fmt.Fprintf(w, "completed:\t%d\n", queue.Completed)
				fmt.Fprintf(w, "failed:\t%d\n", queue.Failed)
				fmt.Fprintf(w, "failed changes:\t%d\n", failed)
				fmt.Fprintf(w, "open conflicts:\t%d\n", conflicts)
			})
		},
	}
}

func newQueueRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return processing tasks claimed longer ago than --older-than to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if olderThan <= 0 {
				olderThan = e.cfg.Sync.Lease
			}
			n, err := e.db.RecoverStaleTasks(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, map[string]int64{"recovered": n}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "recovered:\t%d\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "claim age; defaults to sync.lease")
	return cmd
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed tasks processed before --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.db.PurgeFinishedTasks(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			return render(cmd, rootOpts, map[string]int64{"purged": n}, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "purged:\t%d\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of completed tasks to delete")
	return cmd
}

func newQueueDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Show tasks that finished as failed, newest first; conflict halts are under conflicts list",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if e.cfg.Redis.Address == "" {
				// Without Redis the failed rows stay in the outbox.
				tasks, err := e.db.ListDeadTasks(cmd.Context(), int(limit))
				if err != nil {
					return err
				}
				return render(cmd, rootOpts, tasks, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tTYPE\tENTITY\tERROR")
					for _, t := range tasks {
						fmt.Fprintf(w, "%d\t%s\t%s/%d\t%s\n", t.ID, t.TaskType, t.EntityType, t.EntityID, deref(t.LastError))
					}
				})
			}

			client := repository.NewRedisClient(e.cfg.Redis)
			defer client.Close()
			entries, err := client.LRange(cmd.Context(), worker.DefaultDeadLetterKey, 0, limit-1).Result()
			if err != nil {
				return fmt.Errorf("read dead letters: %w", err)
			}
			return render(cmd, rootOpts, entries, func(w *tabwriter.Writer) {
				for _, entry := range entries {
					fmt.Fprintln(w, entry)
				}
			})
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", models.DefaultPaginationSize, "maximum entries")
	return cmd
}
