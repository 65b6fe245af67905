// Package cache keeps a short-lived copy of each raffle board so that the
// hot read path does not hit the ledger on every refresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/farellandr/rifapix/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type Board = map[string]models.SlotStatus

// SnapshotCache is read-through: callers take a Generation before reading
// the ledger and hand it back to Set, which drops the board if an
// Invalidate landed in between.
type SnapshotCache interface {
	Get(ctx context.Context, raffleID uuid.UUID) (Board, bool, error)
	Generation(ctx context.Context, raffleID uuid.UUID) (int64, error)
	Set(ctx context.Context, raffleID uuid.UUID, gen int64, board Board) error
	Invalidate(ctx context.Context, raffleID uuid.UUID) error
}

func key(raffleID uuid.UUID) string {
	return fmt.Sprintf("rifapix:snapshot:%s", raffleID)
}

func genKey(raffleID uuid.UUID) string {
	return fmt.Sprintf("rifapix:snapshot:gen:%s", raffleID)
}

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
if current ~= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, raffleID uuid.UUID) (Board, bool, error) {
	raw, err := c.client.Get(ctx, key(raffleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var board Board
	if err := json.Unmarshal(raw, &board); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, false, nil
	}
	return board, true, nil
}

func (c *RedisCache) Generation(ctx context.Context, raffleID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, genKey(raffleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set stores board unless the raffle was invalidated after gen was taken.
func (c *RedisCache) Set(ctx context.Context, raffleID uuid.UUID, gen int64, board Board) error {
	raw, err := json.Marshal(board)
	if err != nil {
		return err
	}
	keys := []string{key(raffleID), genKey(raffleID)}
	return setIfGeneration.Run(ctx, c.client, keys, gen, raw, c.ttl.Milliseconds()).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, raffleID uuid.UUID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(raffleID))
		pipe.Del(ctx, key(raffleID))
		return nil
	})
	return err
}

// Nop never holds anything; used when Redis is not configured.
type Nop struct{}

func (Nop) Get(context.Context, uuid.UUID) (Board, bool, error)  { return nil, false, nil }
func (Nop) Generation(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (Nop) Set(context.Context, uuid.UUID, int64, Board) error   { return nil }
func (Nop) Invalidate(context.Context, uuid.UUID) error          { return nil }
