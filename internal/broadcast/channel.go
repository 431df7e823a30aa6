package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned when publishing to a closed channel.
var ErrChannelClosed = errors.New("broadcast channel closed")

// Channel is the pub/sub primitive the coordinator runs over. It provides no
// delivery guarantee beyond best-effort fan-out to peers on the same named
// channel; the coordinator must never assume a message arrived.
type Channel interface {
	// Publish sends a serialized envelope to all peers.
	Publish(ctx context.Context, payload []byte) error
	// Messages yields incoming payloads. The channel is closed by Close.
	Messages() <-chan []byte
	// Close tears down the channel and closes the Messages stream.
	Close() error
}

// LoopbackHub connects in-process channels for tests and single-process
// deployments. Publishing on one endpoint fans out to every other endpoint;
// the sender does not receive its own messages, matching pub/sub semantics
// where the coordinator filters by instance ID anyway.
type LoopbackHub struct {
	mu        sync.Mutex
	endpoints map[*LoopbackChannel]struct{}
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{endpoints: make(map[*LoopbackChannel]struct{})}
}

// Channel creates a new endpoint attached to the hub.
func (h *LoopbackHub) Channel() *LoopbackChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := &LoopbackChannel{hub: h, messages: make(chan []byte, 64)}
	h.endpoints[ep] = struct{}{}
	return ep
}

// fanOut delivers a payload to every endpoint except the sender.
// Non-blocking: if an endpoint's buffer is full the message is dropped for
// that endpoint, consistent with the bus's no-guarantee contract.
func (h *LoopbackHub) fanOut(from *LoopbackChannel, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ep := range h.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.messages <- payload:
		default:
		}
	}
}

func (h *LoopbackHub) detach(ep *LoopbackChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, ep)
}

// LoopbackChannel is one endpoint on a LoopbackHub.
type LoopbackChannel struct {
	hub      *LoopbackHub
	messages chan []byte

	mu     sync.Mutex
	closed bool
}

// Publish implements Channel.
func (c *LoopbackChannel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.fanOut(c, payload)
	return nil
}

// Messages implements Channel.
func (c *LoopbackChannel) Messages() <-chan []byte {
	return c.messages
}

// Close implements Channel.
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.hub.detach(c)
	close(c.messages)
	return nil
}
