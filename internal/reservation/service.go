// Package reservation lets a browsing session soft-lock numbers for the
// raffle's selection window.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/farellandr/rifapix/internal/cache"
	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Store   ledger.Store
	Feed    events.Feed
	Cache   cache.SnapshotCache
	Clock   clock.Clock
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
	// SelectionTTL applies to raffles that do not set their own.
	SelectionTTL time.Duration
}

type Service struct {
	store        ledger.Store
	feed         events.Feed
	cache        cache.SnapshotCache
	clock        clock.Clock
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	selectionTTL time.Duration
}

func NewService(opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Service{
		store:        opts.Store,
		feed:         opts.Feed,
		cache:        opts.Cache,
		clock:        opts.Clock,
		log:          opts.Log,
		metrics:      opts.Metrics,
		selectionTTL: opts.SelectionTTL,
	}
}

// Raffle loads an active raffle and checks number against it.
func (s *Service) Raffle(ctx context.Context, raffleID uuid.UUID, numbers ...string) (*models.Raffle, error) {
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if raffle.Status != models.RaffleActive {
		return nil, ledger.ErrRaffleClosed
	}
	for _, n := range numbers {
		if !raffle.ValidNumber(n) {
			return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidNumber, n)
		}
	}
	return raffle, nil
}

// Select soft-locks number for session until the selection window ends.
func (s *Service) Select(ctx context.Context, raffleID uuid.UUID, number, session string) (*models.TicketSlot, error) {
	raffle, err := s.Raffle(ctx, raffleID, number)
	if err != nil {
		s.metrics.Selected("invalid")
		return nil, err
	}

	slot, err := s.store.TryReserve(ctx, raffleID, number, session, raffle.SelectionTTL(s.selectionTTL))
	if err != nil {
		if ledger.IsContention(err) {
			s.metrics.Selected("held")
		} else {
			s.metrics.Selected("error")
		}
		return nil, err
	}
	s.metrics.Selected("ok")
	s.publish(ctx, events.New(events.NumberTaken, raffleID, number, s.clock.Now()))

	s.log.WithFields(logrus.Fields{
		"raffle_id": raffleID,
		"number":    number,
		"holder":    session,
	}).Debug("number selected")
	return slot, nil
}

// Deselect frees number if session holds it in selection. Releasing a
// number the session does not hold is not an error.
func (s *Service) Deselect(ctx context.Context, raffleID uuid.UUID, number, session string) error {
	if _, err := s.Raffle(ctx, raffleID, number); err != nil {
		return err
	}
	freed, err := s.store.Release(ctx, raffleID, number, session)
	if err != nil {
		return err
	}
	if freed {
		s.metrics.Deselected()
		s.publish(ctx, events.New(events.NumberReleased, raffleID, number, s.clock.Now()))
	}
	return nil
}

// Selection lists the numbers session currently holds.
func (s *Service) Selection(ctx context.Context, raffleID uuid.UUID, session string) ([]models.TicketSlot, error) {
	return s.store.Holdings(ctx, raffleID, session)
}

// Snapshot returns the status of every number of the raffle, served from
// the cache when possible.
func (s *Service) Snapshot(ctx context.Context, raffleID uuid.UUID) (*models.Raffle, cache.Board, error) {
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, nil, err
	}

	board, hit, err := s.cache.Get(ctx, raffleID)
	if err != nil {
		s.log.WithError(err).WithField("raffle_id", raffleID).Warn("snapshot cache read failed")
	}
	if hit {
		return raffle, board, nil
	}

	// Taken before the ledger read so a change published meanwhile keeps
	// this board out of the cache.
	gen, genErr := s.cache.Generation(ctx, raffleID)
	if genErr != nil {
		s.log.WithError(genErr).WithField("raffle_id", raffleID).Warn("snapshot cache generation read failed")
	}

	stored, err := s.store.Snapshot(ctx, raffleID)
	if err != nil {
		return nil, nil, err
	}
	board = make(cache.Board, raffle.TotalNumbers)
	for _, n := range raffle.Numbers() {
		board[n] = models.SlotAvailable
	}
	for n, status := range stored {
		if _, ok := board[n]; ok {
			board[n] = status
		}
	}
	if genErr == nil {
		if err := s.cache.Set(ctx, raffleID, gen, board); err != nil {
			s.log.WithError(err).WithField("raffle_id", raffleID).Warn("snapshot cache write failed")
		}
	}
	return raffle, board, nil
}

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if err := s.feed.Publish(ctx, evs...); err != nil {
		s.log.WithError(err).Warn("publish events")
	}
}
