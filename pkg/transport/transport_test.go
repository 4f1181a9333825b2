package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostOrigin   = "https://host.example"
	gadgetOrigin = "https://gadget.example"
)

// recorder collects envelopes delivered by an adapter
type recorder struct {
	mu   sync.Mutex
	envs []*types.Envelope
	ch   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) handle(_ context.Context, env *types.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []*types.Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func newTestAdapter(t *testing.T, ch Channel, codec Codec, trusted string) *Adapter {
	t.Helper()
	a, err := New(ch, codec, trusted, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://Host.Example/path?q=1", "https://host.example", false},
		{"http://host.example:80/x", "http://host.example", false},
		{"https://host.example:8443", "https://host.example:8443", false},
		{"wss://host.example/socket", "https://host.example", false},
		{"ws://127.0.0.1:9000/ws", "http://127.0.0.1:9000", false},
		{"http://[::1]:8080/", "http://[::1]:8080", false},
		{"host.example", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := OriginOf(tt.input)
			if tt.wantErr {
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecNameJSON, c.Name())

	c, err = CodecByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, CodecNameMsgpack, c.Name())
	assert.True(t, IsBinary(c))

	_, err = CodecByName("xml")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestCodecs(t *testing.T) {
	env := &types.Envelope{
		Name:    "configuration",
		GID:     "g1",
		Origin:  gadgetOrigin,
		Token:   "t1",
		Place:   "p1",
		Payload: map[string]any{"color": "blue", "size": 3},
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(env)
			require.NoError(t, err)

			var got types.Envelope
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, env.Name, got.Name)
			assert.Equal(t, env.GID, got.GID)
			assert.Empty(t, got.Callback)

			payload, ok := got.Payload.(map[string]any)
			require.True(t, ok, "payload decoded as %T", got.Payload)
			assert.Equal(t, "blue", payload["color"])
			assert.EqualValues(t, 3, payload["size"])
		})
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	var env types.Envelope
	assert.True(t, types.IsErrCode(JSONCodec{}.Unmarshal([]byte("{not json"), &env), types.ErrCodeInvalid))
	assert.True(t, types.IsErrCode(MsgpackCodec{}.Unmarshal([]byte{0xc1}, &env), types.ErrCodeInvalid))
}

func TestMemoryPairTargetOrigin(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	ctx := context.Background()

	require.NoError(t, gadgetEnd.Post(ctx, []byte("a"), "https://elsewhere.example"))
	require.NoError(t, gadgetEnd.Post(ctx, []byte("b"), hostOrigin))
	require.NoError(t, gadgetEnd.Post(ctx, []byte("c"), AnyOrigin))

	got := []string{}
	for i := 0; i < 2; i++ {
		msg := <-hostEnd.Receive()
		assert.Equal(t, gadgetOrigin, msg.Origin)
		got = append(got, string(msg.Data))
	}
	assert.Equal(t, []string{"b", "c"}, got)
	assert.Empty(t, hostEnd.Receive())
}

func TestMemoryPostAfterClose(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	require.NoError(t, hostEnd.Close())

	// The peer inbox still has room, so every post must observe the closed peer
	for i := 0; i < 100; i++ {
		err := gadgetEnd.Post(context.Background(), []byte("x"), AnyOrigin)
		require.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "post %d: %v", i, err)
	}
	err := gadgetEnd.Post(context.Background(), []byte("x"), "https://elsewhere.example")
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	require.NoError(t, gadgetEnd.Close())
	require.NoError(t, gadgetEnd.Close())
}

func TestAdapterDeliversTrustedInOrder(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	a := newTestAdapter(t, gadgetEnd, JSONCodec{}, hostOrigin)
	rec := newRecorder()
	a.OnReceive(rec.handle)
	require.NoError(t, a.Start(context.Background()))

	ctx := context.Background()
	for _, name := range []string{"one", "two", "three"} {
		data, err := JSONCodec{}.Marshal(&types.Envelope{Name: name})
		require.NoError(t, err)
		require.NoError(t, hostEnd.Post(ctx, data, gadgetOrigin))
	}

	envs := rec.wait(t, 3)
	names := []string{envs[0].Name, envs[1].Name, envs[2].Name}
	assert.Equal(t, []string{"one", "two", "three"}, names)
	assert.Equal(t, uint64(3), a.Stats().Delivered)
}

func TestAdapterRejectsUntrustedOrigin(t *testing.T) {
	evilEnd, victim := NewMemoryPair("https://evil.example", gadgetOrigin)

	a := newTestAdapter(t, victim, JSONCodec{}, hostOrigin)
	rec := newRecorder()
	a.OnReceive(rec.handle)
	require.NoError(t, a.Start(context.Background()))

	data, err := JSONCodec{}.Marshal(&types.Envelope{Name: "configuration", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.NoError(t, evilEnd.Post(context.Background(), data, AnyOrigin))

	assert.Eventually(t, func() bool { return a.Stats().RejectedOrigin == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, a.Stats().Delivered)
	assert.Empty(t, rec.ch)
}

func TestAdapterDropsInvalidEnvelopes(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	a := newTestAdapter(t, gadgetEnd, JSONCodec{}, hostOrigin)
	rec := newRecorder()
	a.OnReceive(rec.handle)
	require.NoError(t, a.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, hostEnd.Post(ctx, []byte("not json"), AnyOrigin))
	require.NoError(t, hostEnd.Post(ctx, []byte(`{"gid":"g1"}`), AnyOrigin))
	require.NoError(t, hostEnd.Post(ctx, []byte(`{"callback":"abc","payload":1}`), AnyOrigin))

	envs := rec.wait(t, 1)
	assert.Equal(t, "abc", envs[0].Callback)
	assert.Equal(t, uint64(2), a.Stats().Invalid)
}

func TestAdapterHandlerPanicDoesNotStopLoop(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	a := newTestAdapter(t, gadgetEnd, JSONCodec{}, hostOrigin)
	rec := newRecorder()
	a.OnReceive(func(ctx context.Context, env *types.Envelope) {
		if env.Name == "boom" {
			panic("observer failure")
		}
		rec.handle(ctx, env)
	})
	require.NoError(t, a.Start(context.Background()))

	ctx := context.Background()
	for _, name := range []string{"boom", "after"} {
		data, _ := JSONCodec{}.Marshal(&types.Envelope{Name: name})
		require.NoError(t, hostEnd.Post(ctx, data, AnyOrigin))
	}

	envs := rec.wait(t, 1)
	assert.Equal(t, "after", envs[0].Name)
}

func TestAdapterSend(t *testing.T) {
	gadgetEnd, hostEnd := NewMemoryPair(gadgetOrigin, hostOrigin)
	a := newTestAdapter(t, gadgetEnd, MsgpackCodec{}, hostOrigin)

	err := a.Send(context.Background(), &types.Envelope{Name: "get-location", Callback: "tok"}, hostOrigin)
	require.NoError(t, err)

	msg := <-hostEnd.Receive()
	var env types.Envelope
	require.NoError(t, MsgpackCodec{}.Unmarshal(msg.Data, &env))
	assert.Equal(t, "get-location", env.Name)
	assert.Equal(t, "tok", env.Callback)
	assert.Equal(t, uint64(1), a.Stats().Sent)

	err = a.Send(context.Background(), &types.Envelope{}, hostOrigin)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
}

func TestAdapterLifecycle(t *testing.T) {
	gadgetEnd, _ := NewMemoryPair(gadgetOrigin, hostOrigin)
	a, err := New(gadgetEnd, nil, hostOrigin, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, CodecNameJSON, a.Codec().Name())

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.True(t, types.IsErrCode(a.Start(ctx), types.ErrCodeFailedPrecondition))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, types.IsErrCode(a.Start(ctx), types.ErrCodeUnavailable))
	assert.True(t, types.IsErrCode(a.Send(ctx, &types.Envelope{Name: "x"}, AnyOrigin), types.ErrCodeUnavailable))

	_, err = New(nil, nil, hostOrigin, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestWebSocketChannel(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverSide := make(chan *WebSocketChannel, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebSocketChannel(conn, gadgetOrigin, WebSocketOptions{})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/gadget"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, wsURL, WebSocketOptions{HandshakeTimeout: time.Second})
	require.NoError(t, err)

	var host *WebSocketChannel
	select {
	case host = <-serverSide:
	case <-ctx.Done():
		t.Fatal("server never accepted the connection")
	}
	defer host.Close()

	peerOrigin, err := OriginOf(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, peerOrigin, client.PeerOrigin())

	a := newTestAdapter(t, client, JSONCodec{}, peerOrigin)
	rec := newRecorder()
	a.OnReceive(rec.handle)
	require.NoError(t, a.Start(ctx))

	data, err := JSONCodec{}.Marshal(&types.Envelope{Name: "configuration", Payload: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.NoError(t, host.Post(ctx, data, AnyOrigin))

	envs := rec.wait(t, 1)
	assert.Equal(t, "configuration", envs[0].Name)

	require.NoError(t, a.Send(ctx, &types.Envelope{Name: "get-location", Callback: "c1"}, peerOrigin))
	select {
	case msg := <-host.Receive():
		assert.Equal(t, gadgetOrigin, msg.Origin)
		assert.Contains(t, string(msg.Data), `"callback":"c1"`)
	case <-ctx.Done():
		t.Fatal("host never received the request")
	}
}
