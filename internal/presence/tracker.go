// Package presence records which users have a live push connection.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker stores one Redis hash per user, keyed by connection id. The hash
// expires unless some connection of the user refreshes it within the TTL.
type Tracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTracker creates a Redis-backed presence tracker.
func NewTracker(redisURL string, ttl time.Duration) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTrackerWithClient(client, ttl), nil
}

// NewTrackerWithClient creates a tracker from an existing Redis client
func NewTrackerWithClient(client *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (t *Tracker) key(userID string) string {
	return t.prefix + userID
}

// MarkOnline records or refreshes one connection of userID.
func (t *Tracker) MarkOnline(ctx context.Context, userID, connID string) error {
	key := t.key(userID)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key, connID, time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	return nil
}

// MarkOffline removes one connection of userID.
func (t *Tracker) MarkOffline(ctx context.Context, userID, connID string) error {
	if err := t.client.HDel(ctx, t.key(userID), connID).Err(); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// IsOnline reports whether userID has at least one live connection.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.HLen(ctx, t.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup presence: %w", err)
	}
	return n > 0, nil
}

// OnlineAmong returns the subset of userIDs that are online.
func (t *Tracker) OnlineAmong(ctx context.Context, userIDs []string) (map[string]bool, error) {
	pipe := t.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HLen(ctx, t.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("lookup presence: %w", err)
	}

	online := make(map[string]bool, len(userIDs))
	for i, id := range userIDs {
		if cmds[i].Val() > 0 {
			online[id] = true
		}
	}
	return online, nil
}

// LastSeen returns the most recent heartbeat of any connection of userID.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	values, err := t.client.HVals(ctx, t.key(userID)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup presence: %w", err)
	}
	var latest time.Time
	for _, v := range values {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil && ts.After(latest) {
			latest = ts
		}
	}
	return latest, !latest.IsZero(), nil
}

// Ping checks if Redis is reachable
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (t *Tracker) Close() error {
	return t.client.Close()
}
