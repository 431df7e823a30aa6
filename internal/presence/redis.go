package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the Redis key prefix for per-profile presence state.
const DefaultKeyPrefix = "vicinity:presence:"

// RedisChannel stores presence state in Redis, one key per profile, with a
// TTL equal to the heartbeat window. A session that stops writing simply
// ages out, which is what makes the last write before a crash advisory
// rather than binding.
type RedisChannel struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisChannel creates a channel writing under prefix with the given
// heartbeat window. A zero window defaults to DefaultHeartbeatWindow.
func NewRedisChannel(client *redis.Client, prefix string, window time.Duration) *RedisChannel {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	return &RedisChannel{client: client, prefix: prefix, ttl: window}
}

// Track implements Channel. Offline states are deleted rather than stored;
// absence and offline read the same to consumers.
func (c *RedisChannel) Track(ctx context.Context, state State) error {
	key := c.prefix + state.ProfileID
	if state.Status == StatusOffline {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete presence: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// Lookup returns the stored presence state for a profile, or ok=false when
// none is stored or it has aged out.
func (c *RedisChannel) Lookup(ctx context.Context, profileID string) (State, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+profileID).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read presence: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("decode presence: %w", err)
	}
	return s, true, nil
}
