package transport

import (
	"context"
)

// AnyOrigin as a target origin delivers to the peer whatever its origin
const AnyOrigin = "*"

// Message is one inbound frame and the origin of the peer that sent it
type Message struct {
	Origin string
	Data   []byte
}

// Channel is a bidirectional, ordered frame link to a single peer
type Channel interface {
	// Post delivers data to the peer when targetOrigin matches the peer
	// origin or is AnyOrigin. Frames for any other origin are silently dropped.
	Post(ctx context.Context, data []byte, targetOrigin string) error
	// Receive returns the inbound frames. The channel is closed when the
	// underlying link goes away; in-process channels never close it.
	Receive() <-chan Message
	// Close releases the link
	Close() error
}

// targetMatches reports whether a frame addressed to target may be delivered to peer
func targetMatches(target, peer string) bool {
	return target == AnyOrigin || target == peer
}
