// Package cli implements the transparencia-etl command line.
package cli

import (
	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	metricsAddr string
}

// NewRootCmd returns the root command for the transparencia-etl CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "transparencia-etl",
		Short:         "Ingest Portal da Transparência benefit payments into a dimensional store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file (environment variables override it)")
	cmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address while running (e.g. :9090)")

	cmd.AddCommand(newIngestCmd(opts))
	cmd.AddCommand(newBatchCmd(opts))
	cmd.AddCommand(newReplayCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newSchemaCmd(opts))

	return cmd
}
