package transport

import (
	"context"
	"sync"

	"github.com/baaaht/gadget/pkg/types"
)

// defaultQueueSize bounds the inbound buffer of in-process and socket channels
const defaultQueueSize = 256

// MemoryChannel is one end of an in-process channel pair
type MemoryChannel struct {
	origin string
	peer   *MemoryChannel
	inbox  chan Message
	done   chan struct{}
	once   sync.Once
}

// NewMemoryPair returns two connected channels. Frames posted on a are
// received by b tagged with originA, and the other way round.
func NewMemoryPair(originA, originB string) (*MemoryChannel, *MemoryChannel) {
	a := &MemoryChannel{
		origin: originA,
		inbox:  make(chan Message, defaultQueueSize),
		done:   make(chan struct{}),
	}
	b := &MemoryChannel{
		origin: originB,
		inbox:  make(chan Message, defaultQueueSize),
		done:   make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Origin returns the origin this end stamps on its frames
func (c *MemoryChannel) Origin() string {
	return c.origin
}

// Post implements Channel
func (c *MemoryChannel) Post(ctx context.Context, data []byte, targetOrigin string) error {
	select {
	case <-c.done:
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	default:
	}
	select {
	case <-c.peer.done:
		return types.NewError(types.ErrCodeUnavailable, "peer channel is closed")
	default:
	}
	if !targetMatches(targetOrigin, c.peer.origin) {
		return nil
	}

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case c.peer.inbox <- Message{Origin: c.origin, Data: frame}:
		return nil
	case <-c.peer.done:
		return types.NewError(types.ErrCodeUnavailable, "peer channel is closed")
	case <-c.done:
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "post canceled", ctx.Err())
	}
}

// Receive implements Channel
func (c *MemoryChannel) Receive() <-chan Message {
	return c.inbox
}

// Close implements Channel
func (c *MemoryChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}
