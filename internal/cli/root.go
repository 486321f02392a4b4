package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"batch-ingestion-service/internal/client"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr     string
	ClientID string
	Timeout  time.Duration
	Format   string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for batchctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "batchctl",
		Short: "Submit ID batches to batchd and follow their progress",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "http://localhost:8000", "batchd base URL")
	cmd.PersistentFlags().StringVar(&opts.ClientID, "client-id", "", "sent as X-Client-ID for intake throttling")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) client() *client.Client {
	return client.New(o.Addr, o.ClientID, o.Timeout)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
