package cli

import (
	"fmt"

	"github.com/Sternrassler/transparencia-etl/pkg/client"
	"github.com/Sternrassler/transparencia-etl/pkg/endpoint"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/spf13/cobra"
)

// newFetchCmd fetches one page and prints either its JSON or a single
// "Error: ..." line. It exits 0 in both cases so callers that only read
// stdout always get a result.
func newFetchCmd(opts *rootOptions) *cobra.Command {
	var (
		periodFlag string
		entityFlag string
		pageFlag   int
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch one page of payments and print the raw JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			path, err := endpoint.ResolveStrict(periodFlag)
			if err != nil {
				fmt.Fprintln(out, client.Describe(fmt.Errorf("invalid period %q: %w", periodFlag, err)))
				return nil
			}
			p := period.MustParse(periodFlag)

			ctx := cmd.Context()
			cfg, logger, err := loadConfig(cmd, opts)
			if err != nil {
				fmt.Fprintln(out, client.Describe(err))
				return nil
			}

			a := &app{cfg: cfg, logger: logger}
			defer a.Close()

			if cfg.Portal.APIKey != "" && cfg.NeedsRedis() {
				if a.redis, err = openRedis(ctx, cfg.Redis.URL); err != nil {
					fmt.Fprintln(out, client.Describe(err))
					return nil
				}
			}
			if a.client, _, err = newClient(cfg, a.redis, logger); err != nil {
				fmt.Fprintln(out, client.Describe(err))
				return nil
			}

			body, err := a.client.FetchRaw(ctx, path, p, entityOrDefault(entityFlag, cfg.Pipeline.Entity), pageFlag)
			if err != nil {
				fmt.Fprintln(out, client.Describe(err))
				return nil
			}

			fmt.Fprintln(out, string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&periodFlag, "period", "", "Reference period (YYYYMM)")
	cmd.Flags().StringVar(&entityFlag, "entity", "", "IBGE municipality code")
	cmd.Flags().IntVar(&pageFlag, "page", 1, "Page number, starting at 1")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}
