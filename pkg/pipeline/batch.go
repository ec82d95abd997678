package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/cache"
	"github.com/Sternrassler/transparencia-etl/pkg/client"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FetcherFactory returns the fetcher for one period run.
type FetcherFactory func(p period.Period) Fetcher

// StaticFetcher uses f for every period.
func StaticFetcher(f Fetcher) FetcherFactory {
	return func(period.Period) Fetcher { return f }
}

// RunScoped gives every period its own response cache from newStore, so a
// long batch never accumulates responses of finished periods. A nil newStore
// uses c unchanged.
func RunScoped(c *client.Client, newStore func() cache.Store) FetcherFactory {
	if newStore == nil {
		return StaticFetcher(c)
	}
	return func(period.Period) Fetcher {
		return c.WithCache(newStore())
	}
}

// BatchReport collects the results of a batch.
type BatchReport struct {
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	// Cancelled is set when the context ended before every period ran.
	Cancelled bool `json:"cancelled,omitempty"`
}

func (b *BatchReport) add(r Result) {
	b.Results = append(b.Results, r)
	if r.OK() {
		b.Succeeded++
	} else {
		b.Failed++
	}
}

// FailedResults returns the runs that ended in Failed.
func (b BatchReport) FailedResults() []Result {
	var out []Result
	for _, r := range b.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Batch repeats driver runs across periods or entities.
type Batch struct {
	fetchers FetcherFactory
	store    Store
	config   Config
	sleep    ratelimit.SleepFunc
	logger   zerolog.Logger
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithSleep overrides the cooldown wait (for tests).
func WithSleep(sleep ratelimit.SleepFunc) BatchOption {
	return func(b *Batch) {
		b.sleep = sleep
	}
}

// NewBatch creates a batch runner.
func NewBatch(fetchers FetcherFactory, store Store, config Config, opts ...BatchOption) *Batch {
	b := &Batch{
		fetchers: fetchers,
		store:    store,
		config:   config.withDefaults(),
		sleep:    ratelimit.Sleep,
		logger:   log.With().Str("component", "batch").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RunPeriods runs one driver per period in order, pausing PeriodCooldown
// between periods. A failed period never stops the batch; a cancelled
// context does.
func (b *Batch) RunPeriods(ctx context.Context, periods []period.Period, entityCode string) BatchReport {
	var report BatchReport
	start := time.Now()

	for i, p := range periods {
		if i > 0 && b.config.PeriodCooldown > 0 {
			if err := b.sleep(ctx, b.config.PeriodCooldown); err != nil {
				report.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		driver := NewDriver(b.fetchers(p), b.store, b.config)
		res := driver.Run(ctx, p, entityCode)
		report.add(res)

		if !res.OK() {
			b.logger.Warn().
				Err(res.Err).
				Str("period", p.String()).
				Str("entity", entityCode).
				Msg("Period failed, continuing with next")
		}
	}

	b.logger.Info().
		Int("periods", len(periods)).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Bool("cancelled", report.Cancelled).
		Dur("duration", time.Since(start)).
		Msg("Batch finished")

	return report
}

// RunRange runs every period from from to to, inclusive.
func (b *Batch) RunRange(ctx context.Context, from, to period.Period, entityCode string) (BatchReport, error) {
	periods := period.Range(from, to)
	if len(periods) == 0 {
		return BatchReport{}, fmt.Errorf("empty period range %s..%s", from, to)
	}
	return b.RunPeriods(ctx, periods, entityCode), nil
}

// RunYear runs the twelve periods of year.
func (b *Batch) RunYear(ctx context.Context, year int, entityCode string) BatchReport {
	return b.RunPeriods(ctx, period.Year(year), entityCode)
}

// RunEntities runs p for several entities with Concurrency workers. The
// workers share one fetcher, so request spacing is left to its governor.
func (b *Batch) RunEntities(ctx context.Context, p period.Period, entities []string) BatchReport {
	start := time.Now()
	fetcher := b.fetchers(p)

	queue := make(chan int, len(entities))
	for i := range entities {
		queue <- i
	}
	close(queue)

	results := make([]Result, len(entities))
	ran := make([]bool, len(entities))

	var wg sync.WaitGroup
	for w := 0; w < b.config.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0
			for i := range queue {
				if ctx.Err() != nil {
					b.logger.Debug().
						Int("worker_id", workerID).
						Int("entities_processed", processed).
						Msg("Worker stopping (context cancelled)")
					return
				}
				results[i] = NewDriver(fetcher, b.store, b.config).Run(ctx, p, entities[i])
				ran[i] = true
				processed++
			}
		}(w)
	}
	wg.Wait()

	var report BatchReport
	for i := range entities {
		if !ran[i] {
			report.Cancelled = true
			continue
		}
		report.add(results[i])
	}

	b.logger.Info().
		Str("period", p.String()).
		Int("entities", len(entities)).
		Int("workers", b.config.Concurrency).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Entity batch finished")

	return report
}
