package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/bivy/internal/app"
	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/output"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
		Long: `Inspect the durable job queue.

Jobs that exhausted their attempts are kept as dead jobs until retried.
The memory queue lives inside the worker process and cannot be inspected
from here; use the worker's /status endpoint instead.`,
		Example: `  bivy queue stats
  bivy queue dead -n 20
  bivy queue retry-dead`,
	}

	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueDeadCmd())
	cmd.AddCommand(newQueueRetryDeadCmd())

	return cmd
}

// openDurableQueue opens the configured sqlite queue on its own.
func openDurableQueue() (*dispatch.SQLiteQueue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Dispatch.Queue != "sqlite" {
		return nil, berrors.ValidationError(
			fmt.Sprintf("queue %q is not inspectable from the CLI", cfg.Dispatch.Queue), nil).
			WithSuggestion("query the worker's /status endpoint")
	}
	q, err := app.OpenQueue(cfg.Dispatch, nil)
	if err != nil {
		return nil, err
	}
	return q.(*dispatch.SQLiteQueue), nil
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ready, delayed, in-flight and dead job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, q *dispatch.SQLiteQueue) error {
				out, err := newWriter(cmd)
				if err != nil {
					return err
				}
				d, err := q.Depth(ctx)
				if err != nil {
					return err
				}
				return out.Result(d, nil, nil)
			})
		},
	}
}

func newQueueDeadCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead jobs with their last error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, q *dispatch.SQLiteQueue) error {
				out, err := newWriter(cmd)
				if err != nil {
					return err
				}
				dead, err := q.DeadJobs(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, len(dead))
				for i, d := range dead {
					rows[i] = []string{
						d.Job.ID.String(),
						string(d.Job.Kind),
						d.Job.Ref.String(),
						strconv.Itoa(d.Job.Attempt),
						d.Job.EnqueuedAt.Format(time.RFC3339),
						d.LastError,
					}
				}
				if dead == nil {
					dead = []dispatch.DeadJob{}
				}
				return out.Result(dead, []string{"JOB", "KIND", "RECORD", "ATTEMPTS", "ENQUEUED", "LAST ERROR"}, rows)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs to list")

	return cmd
}

func newQueueRetryDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-dead",
		Short: "Requeue every dead job with a fresh attempt budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, q *dispatch.SQLiteQueue) error {
				out, err := newWriter(cmd)
				if err != nil {
					return err
				}
				n, err := q.RetryDead(ctx)
				if err != nil {
					return err
				}
				if out.Format() == output.FormatJSON {
					return out.Result(map[string]int{"requeued": n}, nil, nil)
				}
				out.Successf("requeued %d dead jobs", n)
				return nil
			})
		},
	}
}

func withQueue(cmd *cobra.Command, fn func(context.Context, *dispatch.SQLiteQueue) error) error {
	q, err := openDurableQueue()
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(cmd.Context(), q)
}
