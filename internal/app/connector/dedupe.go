package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// EventDeduper remembers webhook event ids for a bounded window so that
// provider redeliveries do not schedule extra syncs.
type EventDeduper struct {
	ttl         time.Duration
	redisClient RedisClient
}

func NewEventDeduper(redisClient RedisClient, ttl time.Duration) *EventDeduper {
	return &EventDeduper{
		ttl:         ttl,
		redisClient: redisClient,
	}
}

func dedupeKey(connectorID uuid.UUID, eventID string) string {
	return fmt.Sprintf("webhook_event:%s:%s", connectorID, eventID)
}

// FirstSeen records the event and reports whether this is its first delivery.
func (d *EventDeduper) FirstSeen(ctx context.Context, connectorID uuid.UUID, eventID string) (bool, error) {
	ok, err := d.redisClient.SetNX(ctx, dedupeKey(connectorID, eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return ok, nil
}

// Forget drops a recorded event so a later redelivery is processed again.
func (d *EventDeduper) Forget(ctx context.Context, connectorID uuid.UUID, eventID string) error {
	if err := d.redisClient.Del(ctx, dedupeKey(connectorID, eventID)).Err(); err != nil {
		return fmt.Errorf("forget event: %w", err)
	}
	return nil
}
