package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelName is the Redis Pub/Sub channel shared by all instances
// of one deployment.
const DefaultChannelName = "vicinity:broadcast"

// RedisChannel implements Channel over Redis Pub/Sub. Delivery follows Redis
// Pub/Sub semantics: fire-and-forget, no persistence, no replay for peers
// that were disconnected.
type RedisChannel struct {
	client  *redis.Client
	name    string
	pubsub  *redis.PubSub
	logger  *slog.Logger
	msgs    chan []byte
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

// NewRedisChannel subscribes to the named Pub/Sub channel and starts pumping
// incoming payloads. The returned channel is ready for use immediately.
func NewRedisChannel(ctx context.Context, client *redis.Client, name string, logger *slog.Logger) (*RedisChannel, error) {
	if name == "" {
		name = DefaultChannelName
	}
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.Subscribe(ctx, name)
	// Force the subscription to be established before returning, so a
	// Publish immediately after construction is not silently unheard.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	ch := &RedisChannel{
		client: client,
		name:   name,
		pubsub: pubsub,
		logger: logger,
		msgs:   make(chan []byte, 64),
		cancel: cancel,
	}

	go ch.pump(pumpCtx)
	return ch, nil
}

// pump copies Pub/Sub messages into the outgoing channel until closed.
func (c *RedisChannel) pump(ctx context.Context) {
	defer close(c.msgs)

	in := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case c.msgs <- []byte(msg.Payload):
			default:
				c.logger.Warn("broadcast receive buffer full, dropping message",
					"channel", c.name)
			}
		}
	}
}

// Publish implements Channel.
func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.client.Publish(ctx, c.name, payload).Err()
}

// Messages implements Channel.
func (c *RedisChannel) Messages() <-chan []byte {
	return c.msgs
}

// Close implements Channel.
func (c *RedisChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return c.pubsub.Close()
}
