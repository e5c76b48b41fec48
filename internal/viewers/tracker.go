// Package viewers counts the viewers of each stream from their heartbeats.
// The server owns expiry: a session counts while its last heartbeat is within the TTL.
package viewers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "viewers:"

// Tracker stores heartbeats in one Redis sorted set per stream, scored by
// the unix millisecond of the last beat.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker that counts sessions seen within ttl.
func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Tracker{client: client, ttl: ttl, now: time.Now}
}

// Key is the sorted set holding a stream's sessions.
func Key(streamID uuid.UUID) string {
	return keyPrefix + streamID.String()
}

// Touch records a heartbeat for sessionID.
func (t *Tracker) Touch(ctx context.Context, streamID uuid.UUID, sessionID string) error {
	key := Key(streamID)
	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(t.now().UnixMilli()), Member: sessionID})
	// the whole set goes away once nobody has beaten for a while
	pipe.Expire(ctx, key, 2*t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch viewer: %w", err)
	}
	return nil
}

// Count prunes sessions older than the TTL and returns how many remain.
func (t *Tracker) Count(ctx context.Context, streamID uuid.UUID) (int, error) {
	key := Key(streamID)
	cutoff := t.now().Add(-t.ttl).UnixMilli()
	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count viewers: %w", err)
	}
	return int(card.Val()), nil
}

// Leave drops a session at once, e.g. on an explicit page exit.
func (t *Tracker) Leave(ctx context.Context, streamID uuid.UUID, sessionID string) error {
	if err := t.client.ZRem(ctx, Key(streamID), sessionID).Err(); err != nil {
		return fmt.Errorf("leave viewer: %w", err)
	}
	return nil
}
