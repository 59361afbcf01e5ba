package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnel-goat/funnel-goat/internal/outbox"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry outbound webhook tasks",
}

func init() {
	outboxCmd.AddCommand(newOutboxListCmd(), outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}

func newOutboxListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbound tasks of every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch store.TaskStatus(status) {
			case "", store.TaskPending, store.TaskDelivered, store.TaskDead:
			default:
				return fmt.Errorf("invalid status: must be pending, delivered or dead")
			}

			return withStore(func(s *store.SQLiteStore) error {
				tasks, err := outbox.NewQueue(s, cfg.OutboxMaxAttempts).List(cmd.Context(), store.TaskStatus(status), limit)
				if err != nil {
					return fmt.Errorf("failed to list tasks: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "No tasks.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTENANT\tKIND\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						t.ID,
						t.TenantID,
						t.Kind,
						t.Status,
						t.Attempts,
						t.MaxAttempts,
						t.NextAttemptAt.Local().Format(time.DateTime),
						t.LastError,
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, delivered, dead)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to show")

	return cmd
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Reset a task so it is delivered again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.SQLiteStore) error {
			if err := outbox.NewQueue(s, cfg.OutboxMaxAttempts).Requeue(cmd.Context(), args[0]); err != nil {
				return notFound(err, "task", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued task %s\n", args[0])
			return nil
		})
	},
}
