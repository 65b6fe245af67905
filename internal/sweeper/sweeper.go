// Package sweeper frees pending numbers whose window has elapsed.
package sweeper

import (
	"context"
	"time"

	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/sirupsen/logrus"
)

type Sweeper struct {
	store    ledger.Store
	feed     events.Feed
	clock    clock.Clock
	interval time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func New(store ledger.Store, feed events.Feed, clk clock.Clock, interval time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{store: store, feed: feed, clock: clk, interval: interval, log: log, metrics: m}
}

// Run sweeps every interval until ctx ends. A failed pass is logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// RunOnce performs a single pass and returns what it freed.
func (s *Sweeper) RunOnce(ctx context.Context) ([]ledger.Released, error) {
	now := s.clock.Now()
	released, err := s.store.ExpireDue(ctx, now)
	if len(released) > 0 {
		s.announce(ctx, released, now)
	}
	if err != nil {
		return released, err
	}
	s.metrics.Swept()
	return released, nil
}

func (s *Sweeper) announce(ctx context.Context, released []ledger.Released, now time.Time) {
	evs := make([]events.Event, 0, len(released))
	counts := make(map[models.SlotStatus]int)
	for _, r := range released {
		evs = append(evs, events.New(events.NumberReleased, r.RaffleID, r.Number, now))
		counts[r.Status]++
		if r.ChargeRef != "" {
			s.log.WithFields(logrus.Fields{
				"raffle_id": r.RaffleID,
				"number":    r.Number,
				"charge_id": r.ChargeRef,
			}).Info("payment window elapsed, number cancelled")
		}
	}
	for status, n := range counts {
		s.metrics.Expired(string(status), n)
	}
	if err := s.feed.Publish(ctx, evs...); err != nil {
		s.log.WithError(err).Warn("publish released numbers")
	}
	s.log.WithField("count", len(released)).Debug("expired numbers released")
}
