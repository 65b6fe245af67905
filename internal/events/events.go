// Package events carries per-number status changes to whoever renders the
// raffle board. Events are notifications only; the ledger stays the source
// of truth and a subscriber that misses one recovers from a snapshot.
package events

import (
	"context"
	"time"

	"github.com/farellandr/rifapix/internal/models"
	"github.com/google/uuid"
)

type Kind string

const (
	NumberTaken    Kind = "number.taken"
	NumberReleased Kind = "number.released"
	NumberPending  Kind = "number.pending"
	NumberSold     Kind = "number.sold"
)

type Event struct {
	Kind     Kind              `json:"kind"`
	RaffleID uuid.UUID         `json:"raffle_id"`
	Number   string            `json:"number"`
	Status   models.SlotStatus `json:"status"`
	At       time.Time         `json:"at"`
}

// Feed publishes events and fans them out per raffle.
type Feed interface {
	Publish(ctx context.Context, events ...Event) error
	// Subscribe returns a channel of the raffle's events and a cancel func
	// that closes it. The channel is also closed when ctx ends.
	Subscribe(ctx context.Context, raffleID uuid.UUID) (<-chan Event, func(), error)
}

func New(kind Kind, raffleID uuid.UUID, number string, at time.Time) Event {
	return Event{Kind: kind, RaffleID: raffleID, Number: number, Status: kind.Status(), At: at}
}

// Status is the slot status a subscriber should paint for the event.
func (k Kind) Status() models.SlotStatus {
	switch k {
	case NumberTaken:
		return models.SlotPendingSelection
	case NumberPending:
		return models.SlotPendingPayment
	case NumberSold:
		return models.SlotSold
	}
	return models.SlotAvailable
}

// Invalidator drops cached views of a raffle.
type Invalidator interface {
	Invalidate(ctx context.Context, raffleID uuid.UUID) error
}

type invalidating struct {
	Feed
	cache Invalidator
}

// WithInvalidation returns a Feed that drops the cached snapshot of every
// raffle it publishes for before forwarding the events.
func WithInvalidation(feed Feed, cache Invalidator) Feed {
	return &invalidating{Feed: feed, cache: cache}
}

func (f *invalidating) Publish(ctx context.Context, events ...Event) error {
	seen := make(map[uuid.UUID]struct{})
	for _, e := range events {
		if _, ok := seen[e.RaffleID]; ok {
			continue
		}
		seen[e.RaffleID] = struct{}{}
		if err := f.cache.Invalidate(ctx, e.RaffleID); err != nil {
			return err
		}
	}
	return f.Feed.Publish(ctx, events...)
}
