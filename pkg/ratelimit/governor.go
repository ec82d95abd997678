// Package ratelimit serializes outbound Portal da Transparência requests so
// that consecutive grants are at least a minimum interval apart.
//
// One Governor is shared by every fetcher talking to the same API key. Local
// covers callers inside one process; Shared extends the guarantee across
// processes through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultMinInterval is the spacing the Portal API tolerates without 429s.
const DefaultMinInterval = 1500 * time.Millisecond

// Prometheus metrics for the request governor.
var (
	governorWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_rate_governor_wait_seconds",
		Help:    "Time callers waited for a request slot",
		Buckets: []float64{0, 0.1, 0.5, 1, 1.5, 3, 5, 10},
	}, []string{"governor"})

	governorGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_rate_governor_grants_total",
		Help: "Total number of request slots granted",
	}, []string{"governor"})
)

// Governor grants request slots.
type Governor interface {
	// AcquireSlot blocks until the caller may issue one request.
	// It returns the context error if ctx ends while waiting.
	AcquireSlot(ctx context.Context) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Local is an in-process Governor. The read of the last grant, the sleep and
// the new stamp all happen under one lock, so two callers can never both
// wait out a remainder computed from the same stale grant.
type Local struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastGrant   time.Time

	now    func() time.Time
	sleep  SleepFunc
	logger zerolog.Logger
}

// LocalOption configures a Local governor.
type LocalOption func(*Local)

// WithClock overrides the time source and sleep function (for tests).
func WithClock(now func() time.Time, sleep SleepFunc) LocalOption {
	return func(l *Local) {
		l.now = now
		l.sleep = sleep
	}
}

// WithLogger sets the governor logger.
func WithLogger(logger zerolog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates an in-process governor. A non-positive minInterval falls
// back to DefaultMinInterval.
func NewLocal(minInterval time.Duration, opts ...LocalOption) *Local {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	l := &Local{
		minInterval: minInterval,
		now:         time.Now,
		sleep:       Sleep,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MinInterval returns the configured spacing between grants.
func (l *Local) MinInterval() time.Duration {
	return l.minInterval
}

// AcquireSlot implements Governor.
func (l *Local) AcquireSlot(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var waited time.Duration
	if !l.lastGrant.IsZero() {
		elapsed := l.now().Sub(l.lastGrant)
		if remainder := l.minInterval - elapsed; remainder > 0 {
			l.logger.Debug().
				Dur("wait", remainder).
				Msg("Waiting for request slot")
			if err := l.sleep(ctx, remainder); err != nil {
				return err
			}
			waited = remainder
		}
	}

	l.lastGrant = l.now()
	governorGrantsTotal.WithLabelValues("local").Inc()
	governorWaitSeconds.WithLabelValues("local").Observe(waited.Seconds())
	return nil
}
