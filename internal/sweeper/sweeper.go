package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-dataspace/internal/negotiation"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/retry"
)

// maxAttempts bounds retries within one sweep cycle; a store that stays
// down just waits for the next tick.
const maxAttempts = 3

// Dependencies wire the negotiation service and timing knobs into the
// sweeper.
type Dependencies struct {
	Negotiator *negotiation.Service
	Logger     logger.Logger
	Interval   time.Duration
	Retention  time.Duration
	Backoff    retry.Backoff
}

// Sweeper periodically expires idle sessions and archives terminal ones
// past their retention window. It complements the lazy expiry done on
// session access, catching sessions nobody touches again.
type Sweeper struct {
	negotiator *negotiation.Service
	log        logger.Logger
	interval   time.Duration
	retention  time.Duration
	backoff    retry.Backoff
}

var errNegotiatorRequired = errors.New("sweeper: negotiation service is required")

// New constructs a sweeper.
func New(deps Dependencies) (*Sweeper, error) {
	if deps.Negotiator == nil {
		return nil, errNegotiatorRequired
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Minute
	}
	if deps.Backoff == nil {
		deps.Backoff = retry.DefaultBackoff()
	}
	return &Sweeper{
		negotiator: deps.Negotiator,
		log:        deps.Logger,
		interval:   deps.Interval,
		retention:  deps.Retention,
		backoff:    deps.Backoff,
	}, nil
}

// Run drives sweep cycles until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one cycle, retrying transient store failures with backoff.
func (s *Sweeper) sweep(ctx context.Context) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, _, err := s.negotiator.Sweep(ctx, s.retention)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("session sweep failed",
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: err.Error()},
		)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff.Next(attempt)):
		}
	}
}
