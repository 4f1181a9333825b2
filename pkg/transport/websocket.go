package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/baaaht/gadget/pkg/types"
	"github.com/gorilla/websocket"
)

// WebSocketOptions configures a websocket channel
type WebSocketOptions struct {
	Header             http.Header
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
	// Binary sends frames as binary messages instead of text
	Binary bool
	// PeerOrigin overrides the origin derived from the dialed URL
	PeerOrigin string
	QueueSize  int
}

// WebSocketChannel is a Channel over a gorilla/websocket connection
type WebSocketChannel struct {
	conn        *websocket.Conn
	peerOrigin  string
	messageType int
	recv        chan Message
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

// DialWebSocket connects to rawURL. Inbound frames are tagged with the peer origin.
func DialWebSocket(ctx context.Context, rawURL string, opts WebSocketOptions) (*WebSocketChannel, error) {
	peerOrigin := opts.PeerOrigin
	if peerOrigin == "" {
		origin, err := OriginOf(rawURL)
		if err != nil {
			return nil, err
		}
		peerOrigin = origin
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to dial websocket "+rawURL, err)
	}

	return NewWebSocketChannel(conn, peerOrigin, opts), nil
}

// NewWebSocketChannel wraps an established connection, client or server side
func NewWebSocketChannel(conn *websocket.Conn, peerOrigin string, opts WebSocketOptions) *WebSocketChannel {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	messageType := websocket.TextMessage
	if opts.Binary {
		messageType = websocket.BinaryMessage
	}

	c := &WebSocketChannel{
		conn:        conn,
		peerOrigin:  peerOrigin,
		messageType: messageType,
		recv:        make(chan Message, queueSize),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// PeerOrigin returns the origin inbound frames are tagged with
func (c *WebSocketChannel) PeerOrigin() string {
	return c.peerOrigin
}

// Post implements Channel
func (c *WebSocketChannel) Post(ctx context.Context, data []byte, targetOrigin string) error {
	select {
	case <-c.done:
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	default:
	}
	if !targetMatches(targetOrigin, c.peerOrigin) {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to set write deadline", err)
	}
	if err := c.conn.WriteMessage(c.messageType, data); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write websocket frame", err)
	}
	return nil
}

// Receive implements Channel
func (c *WebSocketChannel) Receive() <-chan Message {
	return c.recv
}

// readLoop forwards frames until the connection fails or the channel is closed
func (c *WebSocketChannel) readLoop() {
	defer close(c.recv)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.recv <- Message{Origin: c.peerOrigin, Data: data}:
		case <-c.done:
			return
		}
	}
}

// Close implements Channel
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close websocket", err)
	}
	return nil
}
