package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/baaaht/gadget/pkg/types"
	"github.com/zishang520/engine.io-client-go/transports"
	eiotypes "github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultSocketIOEvent is the event envelopes travel on
const DefaultSocketIOEvent = "message"

// SocketIOOptions configures a Socket.IO channel
type SocketIOOptions struct {
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	PeerOrigin         string
	QueueSize          int
}

// SocketIOChannel is a Channel over a Socket.IO client socket
type SocketIOChannel struct {
	client     *socket.Socket
	event      string
	peerOrigin string
	recv       chan Message
	done       chan struct{}
	closeOnce  sync.Once
}

// DialSocketIO connects to rawURL and waits for the connect event
func DialSocketIO(ctx context.Context, rawURL string, opts SocketIOOptions) (*SocketIOChannel, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid socket.io url: "+rawURL, err)
	}

	peerOrigin := opts.PeerOrigin
	if peerOrigin == "" {
		if peerOrigin, err = OriginOf(rawURL); err != nil {
			return nil, err
		}
	}
	event := opts.Event
	if event == "" {
		event = DefaultSocketIOEvent
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "/"
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}

	sioOpts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		sioOpts.SetPath(parsedURL.Path)
	}
	if opts.InsecureSkipVerify {
		sioOpts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sioOpts.SetTransports(eiotypes.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sioOpts)
	client := manager.Socket(namespace, sioOpts)

	c := &SocketIOChannel{
		client:     client,
		event:      event,
		peerOrigin: peerOrigin,
		recv:       make(chan Message, queueSize),
		done:       make(chan struct{}),
	}

	client.On(eiotypes.EventName(event), func(args ...any) {
		c.deliver(args)
	})

	connectChan := make(chan error, 1)
	client.Once(eiotypes.EventName("connect"), func(...any) {
		connectChan <- nil
	})
	client.Once(eiotypes.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	client.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			client.Disconnect()
			return nil, types.WrapError(types.ErrCodeUnavailable, "socket.io connection failed", err)
		}
		return c, nil
	case <-ctx.Done():
		client.Disconnect()
		return nil, types.WrapError(types.ErrCodeCanceled, "context cancelled while waiting for socket.io connection", ctx.Err())
	case <-time.After(connectTimeout):
		client.Disconnect()
		return nil, types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("timed out after %s waiting for socket.io connection", connectTimeout))
	}
}

// deliver converts event arguments back into a frame
func (c *SocketIOChannel) deliver(args []any) {
	if len(args) == 0 {
		return
	}

	var data []byte
	switch v := args[0].(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return
		}
		data = encoded
	}

	select {
	case c.recv <- Message{Origin: c.peerOrigin, Data: data}:
	case <-c.done:
	}
}

// PeerOrigin returns the origin inbound frames are tagged with
func (c *SocketIOChannel) PeerOrigin() string {
	return c.peerOrigin
}

// Post implements Channel. JSON frames are emitted as structured event data,
// anything else as a binary attachment.
func (c *SocketIOChannel) Post(ctx context.Context, data []byte, targetOrigin string) error {
	select {
	case <-c.done:
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "post canceled", ctx.Err())
	default:
	}
	if !targetMatches(targetOrigin, c.peerOrigin) {
		return nil
	}
	if !c.client.Connected() {
		return types.NewError(types.ErrCodeUnavailable, "socket.io client is not connected")
	}

	var arg any
	if json.Valid(data) {
		if err := json.Unmarshal(data, &arg); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to prepare socket.io payload", err)
		}
	} else {
		frame := make([]byte, len(data))
		copy(frame, data)
		arg = frame
	}

	c.client.Emit(c.event, arg)
	return nil
}

// Receive implements Channel
func (c *SocketIOChannel) Receive() <-chan Message {
	return c.recv
}

// Close implements Channel
func (c *SocketIOChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect()
	})
	return nil
}
