package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

// Hub is the in-process Feed. A subscriber that falls behind loses events
// rather than blocking publishers.
type Hub struct {
	log  logrus.FieldLogger
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

var _ Feed = (*Hub)(nil)

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{log: log, subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

func (h *Hub) Publish(_ context.Context, events ...Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range events {
		for sub := range h.subs[e.RaffleID] {
			select {
			case sub.ch <- e:
			default:
				h.log.WithField("raffle_id", e.RaffleID).Warn("subscriber lagging, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, raffleID uuid.UUID) (<-chan Event, func(), error) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[raffleID] == nil {
		h.subs[raffleID] = make(map[*subscriber]struct{})
	}
	h.subs[raffleID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[raffleID], sub)
			if len(h.subs[raffleID]) == 0 {
				delete(h.subs, raffleID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel, nil
}

// Subscribers reports how many subscriptions are open for the raffle.
func (h *Hub) Subscribers(raffleID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[raffleID])
}
