package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	"github.com/Aman-CERP/bivy/internal/output"
	"github.com/Aman-CERP/bivy/internal/registry"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize one record by hand",
		Long: `Synchronize a single record without waiting for a commit.

'save' re-reads the row and rewrites its documents in every bound index.
'purge' removes its documents by key, so it also works for rows that are
already gone.`,
		Example: `  bivy sync save Tent 7
  bivy sync purge Tent 7
  bivy sync save Trail pct --enqueue`,
	}

	cmd.AddCommand(newSyncSubCmd(dispatch.KindSave, "Re-index one record from the database"))
	cmd.AddCommand(newSyncSubCmd(dispatch.KindPurge, "Remove one record's documents"))

	return cmd
}

func newSyncSubCmd(kind dispatch.Kind, short string) *cobra.Command {
	var enqueue bool

	cmd := &cobra.Command{
		Use:   string(kind) + " <type> <key>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out, err := newWriter(cmd)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ref := registry.RecordRef{Type: args[0], Key: parseKey(args[1])}
			if _, err := a.Registry.Lookup(ref.Type); err != nil {
				return err
			}

			if enqueue {
				h, err := a.Queue.Enqueue(ctx, dispatch.NewJob(kind, ref))
				if err != nil {
					return err
				}
				if out.Format() == output.FormatJSON {
					return out.Result(map[string]string{"job_id": h.JobID.String(), "queue": h.Queue}, nil, nil)
				}
				out.Successf("enqueued %s %s as job %s", kind, ref, h.JobID)
				return nil
			}

			job := dispatch.NewJob(kind, ref)
			job.Attempt = 1
			if err := a.Handler.Handle(ctx, job); err != nil {
				return fmt.Errorf("%s %s: %w", kind, ref, err)
			}
			out.Successf("%s %s done", kind, ref)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Enqueue a job instead of running it now")

	return cmd
}

func newReindexCmd() *cobra.Command {
	var typeName string
	var batch int
	var inline bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-index every row of a model",
		Long: `Walk every row of a model's table in primary-key order.

By default a save job is enqueued per row for the worker to run. With
--inline the rows are synchronized directly and failures are reported at
the end.`,
		Example: `  bivy reindex --type Tent
  bivy reindex --type Tent --inline --batch 200`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := newWriter(cmd)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			types := []string{typeName}
			if typeName == "" {
				types = types[:0]
				for _, d := range a.Registry.Descriptors() {
					types = append(types, d.TypeName())
				}
			}

			result := map[string]int{}
			for _, t := range types {
				n, err := a.Reindex(cmd.Context(), t, batch, inline)
				result[t] = n
				if err != nil {
					return fmt.Errorf("reindex %s after %d records: %w", t, n, err)
				}
				out.Successf("%s: %d records", t, n)
			}
			if out.Format() == output.FormatJSON {
				return out.Result(result, nil, nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "", "Model to reindex (default: all models)")
	cmd.Flags().IntVar(&batch, "batch", 1000, "Rows read per query")
	cmd.Flags().BoolVar(&inline, "inline", false, "Synchronize directly instead of enqueueing jobs")

	return cmd
}
