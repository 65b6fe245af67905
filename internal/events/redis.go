package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "rifapix:raffle:"

func channel(raffleID uuid.UUID) string {
	return channelPrefix + raffleID.String()
}

// RedisFeed fans events out through Redis Pub/Sub so every instance behind
// the load balancer sees changes made by the others.
type RedisFeed struct {
	client *redis.Client
	log    logrus.FieldLogger
}

var _ Feed = (*RedisFeed)(nil)

func NewRedisFeed(client *redis.Client, log logrus.FieldLogger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, events ...Event) error {
	pipe := f.client.Pipeline()
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, channel(e.RaffleID), body)
	}
	if len(events) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, raffleID uuid.UUID) (<-chan Event, func(), error) {
	pubsub := f.client.Subscribe(ctx, channel(raffleID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", raffleID, err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					f.log.WithError(err).WithField("channel", msg.Channel).Warn("discarding malformed event")
					continue
				}
				select {
				case out <- e:
				default:
					f.log.WithField("raffle_id", raffleID).Warn("subscriber lagging, event dropped")
				}
			}
		}
	}()
	return out, cancel, nil
}
