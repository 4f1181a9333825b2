package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/baaaht/gadget/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sioserver "github.com/zishang520/socket.io/v2/socket"
)

// newSocketIOEchoServer serves a Socket.IO host that sends every message event back
func newSocketIOEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	io := sioserver.NewServer(nil, nil)
	io.On("connection", func(clients ...any) {
		client := clients[0].(*sioserver.Socket)
		client.On(DefaultSocketIOEvent, func(args ...any) {
			client.Emit(DefaultSocketIOEvent, args...)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", io.ServeHandler(nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSocketIOChannelRoundTrip(t *testing.T) {
	srv := newSocketIOEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := DialSocketIO(ctx, srv.URL, SocketIOOptions{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer ch.Close()

	peerOrigin, err := OriginOf(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, peerOrigin, ch.PeerOrigin())

	data, err := JSONCodec{}.Marshal(&types.Envelope{Name: "get-location", Callback: "c1", Payload: map[string]any{"route": "/x"}})
	require.NoError(t, err)
	require.NoError(t, ch.Post(ctx, data, peerOrigin))

	select {
	case msg := <-ch.Receive():
		assert.Equal(t, peerOrigin, msg.Origin)
		assert.JSONEq(t, string(data), string(msg.Data))
	case <-ctx.Done():
		t.Fatal("echo never arrived")
	}
}

func TestSocketIOAdapterDropsMisaddressedFrames(t *testing.T) {
	srv := newSocketIOEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := DialSocketIO(ctx, srv.URL, SocketIOOptions{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	peerOrigin := ch.PeerOrigin()

	a := newTestAdapter(t, ch, JSONCodec{}, peerOrigin)
	rec := newRecorder()
	a.OnReceive(rec.handle)
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.Send(ctx, &types.Envelope{Name: "stray"}, "https://elsewhere.example"))
	require.NoError(t, a.Send(ctx, &types.Envelope{
		Name:     types.RequestGetLocation,
		Callback: "c1",
		Payload:  map[string]any{"route": "/x"},
	}, peerOrigin))

	envs := rec.wait(t, 1)
	require.Len(t, envs, 1)
	assert.Equal(t, types.RequestGetLocation, envs[0].Name)
	assert.Equal(t, "c1", envs[0].Callback)
	assert.Equal(t, map[string]any{"route": "/x"}, envs[0].Payload)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Zero(t, stats.RejectedOrigin)

	require.NoError(t, a.Close())
	err = ch.Post(ctx, []byte(`{"name":"late"}`), peerOrigin)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestSocketIODialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialSocketIO(ctx, "http://127.0.0.1:1", SocketIOOptions{ConnectTimeout: 500 * time.Millisecond})
	require.Error(t, err)
	code := types.GetErrorCode(err)
	assert.Contains(t, []string{types.ErrCodeUnavailable, types.ErrCodeTimeout}, code)

	_, err = DialSocketIO(ctx, "://bad", SocketIOOptions{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
