// Package pipeline walks the pages of one period and entity through the
// Portal client into storage, and repeats that walk across period ranges.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/endpoint"
	"github.com/Sternrassler/transparencia-etl/pkg/period"
	"github.com/Sternrassler/transparencia-etl/pkg/portal"
	"github.com/Sternrassler/transparencia-etl/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEntity is the IBGE code of São Paulo.
const DefaultEntity = "3550308"

// Fetcher retrieves one decoded page. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, endpointPath string, p period.Period, entityCode string, page int) (*portal.Page, error)
}

// Store is the persistence the driver needs. storage.Repository implements it.
type Store interface {
	AppendRaw(ctx context.Context, capture storage.RawCapture) (storage.AppendOutcome, error)
	RawCaptures(ctx context.Context, p period.Period, entityCode string) ([]storage.RawCapture, error)
	LoadRecords(ctx context.Context, fallback period.Period, records []portal.Record) (storage.LoadSummary, error)
}

// Config holds the pagination policy.
type Config struct {
	// FullPageThreshold: a page with fewer records is taken as the last one.
	// This is best-effort; an empty page always ends the walk.
	FullPageThreshold int

	// MaxPages forces Done after this many pages.
	MaxPages int

	// PeriodCooldown is the pause between periods of a batch.
	PeriodCooldown time.Duration

	// Concurrency is the number of parallel entity runs in RunEntities.
	Concurrency int
}

// DefaultConfig returns the default pagination policy.
func DefaultConfig() Config {
	return Config{
		FullPageThreshold: 10,
		MaxPages:          500,
		PeriodCooldown:    3 * time.Second,
		Concurrency:       1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FullPageThreshold <= 0 {
		c.FullPageThreshold = def.FullPageThreshold
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.PeriodCooldown < 0 {
		c.PeriodCooldown = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}

// Result reports one driver run.
type Result struct {
	RunID        uuid.UUID     `json:"run_id"`
	Period       string        `json:"period"`
	Entity       string        `json:"entity"`
	Endpoint     string        `json:"endpoint"`
	State        State         `json:"state"`
	Trace        []State       `json:"-"`
	Pages        int           `json:"pages"`
	Records      int           `json:"records"`
	Skipped      int           `json:"skipped"`
	RawInserted  int           `json:"raw_inserted"`
	RawDuplicate int           `json:"raw_duplicate"`
	Capped       bool          `json:"capped,omitempty"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// OK reports whether the run ended in Done.
func (r Result) OK() bool {
	return r.State == StateDone
}

// Driver runs the pagination state machine for one period and entity.
type Driver struct {
	fetcher Fetcher
	store   Store
	config  Config
	logger  zerolog.Logger
}

// NewDriver creates a driver.
func NewDriver(fetcher Fetcher, store Store, config Config) *Driver {
	return &Driver{
		fetcher: fetcher,
		store:   store,
		config:  config.withDefaults(),
		logger:  log.With().Str("component", "pipeline").Logger(),
	}
}

// run carries the mutable state of one walk.
type run struct {
	Result
	p      period.Period
	page   int
	last   *portal.Page
	logger zerolog.Logger
}

func (r *run) transition(to State) {
	r.logger.Debug().
		Stringer("from", r.State).
		Stringer("to", to).
		Int("page", r.page).
		Msg("State transition")
	r.State = to
	r.Trace = append(r.Trace, to)
}

func (r *run) fail(err error) {
	r.Err = err
	r.Error = err.Error()
	r.transition(StateFailed)
}

// Run walks the pages of p for entityCode until Done or Failed. Failures are
// reported in the Result, never returned.
func (d *Driver) Run(ctx context.Context, p period.Period, entityCode string) Result {
	start := time.Now()
	runID := uuid.New()

	r := &run{
		Result: Result{
			RunID:  runID,
			Period: p.String(),
			Entity: entityCode,
			State:  StateStart,
			Trace:  []State{StateStart},
		},
		p: p,
		logger: d.logger.With().
			Str("run_id", runID.String()).
			Str("period", p.String()).
			Str("entity", entityCode).
			Logger(),
	}

	for !r.State.Terminal() {
		switch r.State {
		case StateStart:
			d.start(r)
		case StateFetching:
			d.fetch(ctx, r)
		case StateLoading:
			d.load(ctx, r)
		}
	}

	r.Duration = time.Since(start)
	runsTotal.WithLabelValues(endpoint.Program(p), r.State.String()).Inc()
	runDuration.WithLabelValues(r.State.String()).Observe(r.Duration.Seconds())

	event := r.logger.Info()
	if r.State == StateFailed {
		event = r.logger.Error().Err(r.Err)
	}
	event.
		Str("endpoint", r.Endpoint).
		Stringer("state", r.State).
		Int("pages", r.Pages).
		Int("records", r.Records).
		Int("raw_inserted", r.RawInserted).
		Int("raw_duplicate", r.RawDuplicate).
		Bool("capped", r.Capped).
		Dur("duration", r.Duration).
		Msg("Run finished")

	return r.Result
}

func (d *Driver) start(r *run) {
	if r.p.IsZero() {
		r.fail(fmt.Errorf("invalid period: %w", period.ErrInvalidPeriod))
		return
	}
	if r.Entity == "" {
		r.fail(fmt.Errorf("entity code is required"))
		return
	}
	r.Endpoint = endpoint.Resolve(r.p)
	r.page = 1
	r.logger = r.logger.With().Str("endpoint", r.Endpoint).Logger()
	r.transition(StateFetching)
}

func (d *Driver) fetch(ctx context.Context, r *run) {
	if r.page > d.config.MaxPages {
		r.Capped = true
		r.logger.Warn().Int("max_pages", d.config.MaxPages).Msg("Page safety cap reached")
		r.transition(StateDone)
		return
	}

	page, err := d.fetcher.Fetch(ctx, r.Endpoint, r.p, r.Entity, r.page)
	if err != nil {
		r.fail(fmt.Errorf("fetch page %d: %w", r.page, err))
		return
	}
	if page.IsEmpty() {
		r.transition(StateDone)
		return
	}

	r.last = page
	r.transition(StateLoading)
}

func (d *Driver) load(ctx context.Context, r *run) {
	page := r.last
	r.last = nil

	key := storage.FetchKey{Period: r.p, EntityCode: r.Entity, Page: r.page}
	outcome, err := d.store.AppendRaw(ctx, storage.NewRawCapture(key, r.Endpoint, page.Raw))
	if err != nil {
		r.fail(fmt.Errorf("store page %d: %w", r.page, err))
		return
	}
	pagesTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == storage.Inserted {
		r.RawInserted++
	} else {
		r.RawDuplicate++
	}

	summary, err := d.store.LoadRecords(ctx, r.p, page.Records)
	if err != nil {
		r.fail(fmt.Errorf("load page %d: %w", r.page, err))
		return
	}
	recordsTotal.WithLabelValues("processed").Add(float64(summary.Processed))
	recordsTotal.WithLabelValues("skipped").Add(float64(summary.Skipped))

	r.Pages++
	r.Records += summary.Processed
	r.Skipped += summary.Skipped

	r.logger.Debug().
		Int("page", r.page).
		Int("records", page.Len()).
		Stringer("raw", outcome).
		Msg("Page loaded")

	if page.Len() < d.config.FullPageThreshold {
		r.transition(StateDone)
		return
	}
	r.page++
	r.transition(StateFetching)
}

// Replay reloads the dimensional tables of p and entityCode from the stored
// raw captures without touching the network.
func (d *Driver) Replay(ctx context.Context, p period.Period, entityCode string) Result {
	start := time.Now()
	res := Result{
		RunID:    uuid.New(),
		Period:   p.String(),
		Entity:   entityCode,
		Endpoint: endpoint.Resolve(p),
		State:    StateLoading,
		Trace:    []State{StateLoading},
	}
	logger := d.logger.With().
		Str("run_id", res.RunID.String()).
		Str("period", p.String()).
		Str("entity", entityCode).
		Logger()

	fail := func(err error) Result {
		res.Err = err
		res.Error = err.Error()
		res.State = StateFailed
		res.Trace = append(res.Trace, StateFailed)
		res.Duration = time.Since(start)
		logger.Error().Err(err).Msg("Replay failed")
		return res
	}

	captures, err := d.store.RawCaptures(ctx, p, entityCode)
	if err != nil {
		return fail(fmt.Errorf("list raw captures: %w", err))
	}

	for _, c := range captures {
		page, err := portal.DecodePage(c.Payload)
		if err != nil {
			return fail(fmt.Errorf("decode raw page %d: %w", c.Key.Page, err))
		}
		summary, err := d.store.LoadRecords(ctx, p, page.Records)
		if err != nil {
			return fail(fmt.Errorf("load raw page %d: %w", c.Key.Page, err))
		}
		res.Pages++
		res.Records += summary.Processed
		res.Skipped += summary.Skipped
	}

	res.State = StateDone
	res.Trace = append(res.Trace, StateDone)
	res.Duration = time.Since(start)
	logger.Info().
		Int("pages", res.Pages).
		Int("records", res.Records).
		Msg("Replay finished")
	return res
}
