package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"batch-ingestion-service/internal/models"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Wait bool
	Poll time.Duration
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status INGESTION_ID",
		Short: "Show the status of a submission",
		Long: `Show the aggregate status and per-batch detail of a submission.

With --wait the command polls until every batch has completed, or stops
with an error as soon as a batch reports a failure.

Examples:
  batchctl status 3f2c9c1e-8d4b-4f3e-9a51-0c3f6a2d7b10
  batchctl status --wait --poll 2s 3f2c9c1e-8d4b-4f3e-9a51-0c3f6a2d7b10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Wait && opts.Poll <= 0 {
				return fmt.Errorf("--poll must be positive, got %s", opts.Poll)
			}
			c := opts.client()
			for {
				view, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !opts.Wait || view.Status == models.StatusCompleted {
					return writeStatus(cmd.OutOrStdout(), opts.Format, view)
				}
				// Failed batches are never retried, so waiting would not end.
				if failed := firstFailure(view); failed != nil {
					if err := writeStatus(cmd.OutOrStdout(), opts.Format, view); err != nil {
						return err
					}
					return fmt.Errorf("batch %s failed: %s", failed.ID, *failed.LastError)
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(opts.Poll):
				}
			}
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "poll until the submission completes")
	cmd.Flags().DurationVar(&opts.Poll, "poll", time.Second, "poll interval for --wait")
	return cmd
}

func writeStatus(w io.Writer, format string, view models.SubmissionView) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(w, "%s  %s\n", view.ID, view.Status)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tSTATUS\tIDS")
	for _, b := range view.Batches {
		ids := make([]string, len(b.IDs))
		for i, id := range b.IDs {
			ids[i] = fmt.Sprint(id)
		}
		line := fmt.Sprintf("%s\t%s\t%s", b.ID, b.State, strings.Join(ids, ","))
		if b.LastError != nil {
			line += "\t" + *b.LastError
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func firstFailure(view models.SubmissionView) *models.UnitView {
	for i := range view.Batches {
		if view.Batches[i].LastError != nil {
			return &view.Batches[i]
		}
	}
	return nil
}
