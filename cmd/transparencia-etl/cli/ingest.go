package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		periodFlag string
		entityFlag string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Walk every page of one period and entity into storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := period.Parse(periodFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			stop, err := serveMetrics(ctx, opts.metricsAddr, a.logger)
			if err != nil {
				return err
			}
			defer stop()

			entity := entityOrDefault(entityFlag, a.cfg.Pipeline.Entity)
			driver := pipeline.NewDriver(a.fetchers(p), a.repo, a.pipelineConfig())
			res := driver.Run(ctx, p, entity)

			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return NewSilentError(fmt.Errorf("ingest %s/%s failed: %w", res.Period, res.Entity, res.Err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&periodFlag, "period", "", "Reference period (YYYYMM)")
	cmd.Flags().StringVar(&entityFlag, "entity", "", "IBGE municipality code (default from ENTITY_CODE, else São Paulo)")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var (
		yearFlag     int
		fromFlag     string
		toFlag       string
		periodFlag   string
		entityFlag   string
		entitiesFlag []string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Ingest a year, a period range, or one period across several entities",
		Long: `Ingest many runs in sequence. A failed period is reported and skipped;
the batch always continues with the next one.

  batch --year 2023
  batch --from 202111 --to 202203
  batch --period 202401 [--entity 3550308]
  batch --period 202401 --entities 3550308,3304557

Without --entity the configured ENTITY_CODE (default São Paulo) is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := batchPlan(yearFlag, fromFlag, toFlag, periodFlag, entitiesFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			stop, err := serveMetrics(ctx, opts.metricsAddr, a.logger)
			if err != nil {
				return err
			}
			defer stop()

			b := pipeline.NewBatch(a.fetchers, a.repo, a.pipelineConfig())
			report, err := run(cmd, b, entityOrDefault(entityFlag, a.cfg.Pipeline.Entity))
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Cancelled {
				return NewSilentError(errors.New("batch cancelled"))
			}
			if report.Failed > 0 {
				return NewSilentError(fmt.Errorf("%d of %d runs failed", report.Failed, len(report.Results)))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&yearFlag, "year", 0, "Ingest the twelve periods of this year")
	cmd.Flags().StringVar(&fromFlag, "from", "", "First period of a range (YYYYMM)")
	cmd.Flags().StringVar(&toFlag, "to", "", "Last period of a range, inclusive (YYYYMM)")
	cmd.Flags().StringVar(&periodFlag, "period", "", "Single period (YYYYMM)")
	cmd.Flags().StringVar(&entityFlag, "entity", "", "IBGE municipality code")
	cmd.Flags().StringSliceVar(&entitiesFlag, "entities", nil, "IBGE municipality codes run in parallel for --period")
	cmd.MarkFlagsMutuallyExclusive("year", "from")
	cmd.MarkFlagsMutuallyExclusive("year", "period")
	cmd.MarkFlagsMutuallyExclusive("from", "period")
	cmd.MarkFlagsRequiredTogether("from", "to")
	cmd.MarkFlagsMutuallyExclusive("entity", "entities")
	return cmd
}

type batchRun func(cmd *cobra.Command, b *pipeline.Batch, entity string) (pipeline.BatchReport, error)

// batchPlan validates the batch flags before anything is opened.
func batchPlan(year int, from, to, single string, entities []string) (batchRun, error) {
	if len(entities) > 0 && single == "" {
		return nil, errors.New("--entities requires --period")
	}

	switch {
	case year != 0:
		if year < 2000 || year > 9999 {
			return nil, fmt.Errorf("invalid year %d", year)
		}
		return func(cmd *cobra.Command, b *pipeline.Batch, entity string) (pipeline.BatchReport, error) {
			return b.RunYear(cmd.Context(), year, entity), nil
		}, nil

	case from != "":
		fp, err := period.Parse(from)
		if err != nil {
			return nil, fmt.Errorf("--from: %w", err)
		}
		tp, err := period.Parse(to)
		if err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
		if tp.Before(fp) {
			return nil, fmt.Errorf("empty period range %s..%s", fp, tp)
		}
		return func(cmd *cobra.Command, b *pipeline.Batch, entity string) (pipeline.BatchReport, error) {
			return b.RunRange(cmd.Context(), fp, tp, entity)
		}, nil

	case single != "":
		p, err := period.Parse(single)
		if err != nil {
			return nil, fmt.Errorf("--period: %w", err)
		}
		if len(entities) == 0 {
			return func(cmd *cobra.Command, b *pipeline.Batch, entity string) (pipeline.BatchReport, error) {
				return b.RunPeriods(cmd.Context(), []period.Period{p}, entity), nil
			}, nil
		}
		var codes []string
		for _, e := range entities {
			if e = strings.TrimSpace(e); e != "" {
				codes = append(codes, e)
			}
		}
		if len(codes) == 0 {
			return nil, errors.New("--entities is empty")
		}
		return func(cmd *cobra.Command, b *pipeline.Batch, _ string) (pipeline.BatchReport, error) {
			return b.RunEntities(cmd.Context(), p, codes), nil
		}, nil
	}

	return nil, errors.New("one of --year, --from/--to or --period is required")
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		periodFlag string
		entityFlag string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the dimensional rows of a period from stored raw pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := period.Parse(periodFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			driver := pipeline.NewDriver(nil, a.repo, a.pipelineConfig())
			res := driver.Replay(ctx, p, entityOrDefault(entityFlag, a.cfg.Pipeline.Entity))

			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return NewSilentError(res.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&periodFlag, "period", "", "Reference period (YYYYMM)")
	cmd.Flags().StringVar(&entityFlag, "entity", "", "IBGE municipality code")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func entityOrDefault(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	return pipeline.DefaultEntity
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
