package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"batch-ingestion-service/internal/models"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Priority string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit ID...",
		Short: "Submit identifiers for batched processing",
		Long: `Submit a list of identifiers at a priority tier.

IDs may be given as separate arguments or comma separated.

Examples:
  batchctl submit --priority HIGH 1 2 3 4 5
  batchctl submit --priority low 10,11,12`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			priority, err := models.ParsePriority(opts.Priority)
			if err != nil {
				return err
			}
			id, err := opts.client().Submit(cmd.Context(), ids, priority)
			if err != nil {
				return err
			}
			return writeSubmitted(cmd.OutOrStdout(), opts.Format, id)
		},
	}

	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", string(models.PriorityMedium), "priority tier (HIGH|MEDIUM|LOW)")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, arg := range args {
		for _, field := range strings.Split(arg, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid ID %q", field)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no IDs given")
	}
	return ids, nil
}

func writeSubmitted(w io.Writer, format, id string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(map[string]string{"ingestion_id": id})
	}
	_, err := fmt.Fprintln(w, id)
	return err
}
