package cli

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/spf13/cobra"
)

func newQueryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a read-only SELECT against the store and print JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Rejected before the database is opened.
			if err := storage.CheckReadOnly(args[0]); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.repo.Query(ctx, args[0])
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, row := range rows {
				data, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("marshal: %w", err)
				}
				fmt.Fprintln(out, string(data))
			}
			return nil
		},
	}
	return cmd
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the raw and dimensional tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s).\n", a.cfg.Database.Driver)
			return nil
		},
	}
}
