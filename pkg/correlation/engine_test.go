package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostOrigin = "https://host.example"

type fakeIdentity struct {
	msghost string
}

func (f fakeIdentity) Sender() types.Sender {
	return types.Sender{GID: "g1", Origin: "https://gadget.example/g", Token: "tok", Place: "p1"}
}

func (f fakeIdentity) MsgHost() string { return f.msghost }

// fakeSender records sent envelopes and can fail or reply synchronously
type fakeSender struct {
	mu      sync.Mutex
	sent    []*types.Envelope
	targets []string
	err     error
	onSend  func(env *types.Envelope)
}

func (f *fakeSender) Send(_ context.Context, env *types.Envelope, target string) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.sent = append(f.sent, env)
	f.targets = append(f.targets, target)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(env)
	}
	return nil
}

func (f *fakeSender) last() *types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestEngine(t *testing.T, sender Sender, cfg Config) *Engine {
	t.Helper()
	e, err := New(sender, fakeIdentity{msghost: hostOrigin}, cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func reply(token string, payload any) *types.Envelope {
	return &types.Envelope{Callback: token, Payload: payload}
}

func TestNewEngineValidation(t *testing.T) {
	_, err := New(nil, fakeIdentity{}, Config{}, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(&fakeSender{}, nil, Config{}, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(&fakeSender{}, fakeIdentity{}, Config{Timeout: -time.Second}, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestGoStampsEnvelope(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, Config{})

	call, err := e.Go(context.Background(), types.RequestGetLocation, nil)
	require.NoError(t, err)

	env := sender.last()
	assert.Equal(t, types.RequestGetLocation, env.Name)
	assert.Equal(t, call.Token, env.Callback)
	assert.Equal(t, "g1", env.GID)
	assert.Equal(t, "https://gadget.example/g", env.Origin)
	assert.Equal(t, "tok", env.Token)
	assert.Equal(t, "p1", env.Place)
	assert.Equal(t, []string{hostOrigin}, sender.targets)
	assert.Equal(t, 1, e.Pending())
}

func TestGoRequiresTargetOrigin(t *testing.T) {
	e, err := New(&fakeSender{}, fakeIdentity{}, Config{}, logger.NewNop())
	require.NoError(t, err)

	_, err = e.Go(context.Background(), "x", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	_, err = e.Go(context.Background(), "", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestTargetOriginOverride(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, Config{TargetOrigin: "https://other.example"})

	_, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://other.example"}, sender.targets)
}

func TestTokensAreUnique(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		call, err := e.Go(context.Background(), "x", i)
		require.NoError(t, err)
		require.False(t, seen[call.Token], "duplicate token %s", call.Token)
		seen[call.Token] = true
	}
	assert.Equal(t, 10000, e.Pending())
}

func TestTokenCollisionIsRegenerated(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	tokens := []string{"a", "a", "a", "b"}
	e.newToken = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	first, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)
	second, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)

	assert.Equal(t, "a", first.Token)
	assert.Equal(t, "b", second.Token)
}

func TestReplyResolvesOnlyItsCall(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	ctx := context.Background()

	a, err := e.Go(ctx, "a", nil)
	require.NoError(t, err)
	b, err := e.Go(ctx, "b", nil)
	require.NoError(t, err)

	assert.True(t, e.Resolve(reply(b.Token, "for-b")))

	result, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "for-b", result)
	assert.False(t, a.Settled())
	assert.Equal(t, 1, e.Pending())
}

func TestUnmatchedReplyHasNoEffect(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	call, err := e.Go(context.Background(), "a", nil)
	require.NoError(t, err)

	assert.False(t, e.Resolve(reply("not-a-token", 1)))
	assert.False(t, e.Resolve(&types.Envelope{Name: "configuration"}))
	assert.False(t, e.Resolve(nil))

	assert.False(t, call.Settled())
	assert.Equal(t, 1, e.Pending())
	assert.Equal(t, uint64(1), e.Stats().Unmatched)
}

func TestDuplicateReplyIsIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	call, err := e.Go(context.Background(), "a", nil)
	require.NoError(t, err)

	assert.True(t, e.Resolve(reply(call.Token, "first")))
	assert.False(t, e.Resolve(reply(call.Token, "second")))

	result, err := call.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", result)
	assert.Equal(t, 0, e.Pending())
}

func TestSettleOnce(t *testing.T) {
	call := newCall("t", "n", nil)
	assert.True(t, call.settle("one", nil))
	assert.False(t, call.settle("two", errors.New("late")))

	result, err := call.Result()
	assert.NoError(t, err)
	assert.Equal(t, "one", result)
}

func TestResultBeforeSettle(t *testing.T) {
	call := newCall("t", "n", nil)
	_, err := call.Result()
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestRequestTimeout(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{Timeout: 20 * time.Millisecond})

	_, err := e.Request(context.Background(), "slow", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, uint64(1), e.Stats().TimedOut)
}

func TestReplyAfterTimeoutIsDropped(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{Timeout: 10 * time.Millisecond})
	call, err := e.Go(context.Background(), "slow", nil)
	require.NoError(t, err)

	<-call.Done()
	assert.False(t, e.Resolve(reply(call.Token, "late")))

	_, err = call.Result()
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout))
}

func TestZeroTimeoutWaitsForever(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	call, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)

	select {
	case <-call.Done():
		t.Fatal("call settled without a reply")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, e.Pending())
}

func TestRequestContextCancel(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := e.Request(ctx, "x", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.Equal(t, 0, e.Pending())
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	call, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)

	assert.True(t, e.Cancel(call.Token, "user navigated away"))
	assert.False(t, e.Cancel(call.Token, "again"))

	_, err = call.Result()
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.Contains(t, err.Error(), "user navigated away")
}

func TestWaitContextLeavesCallPending(t *testing.T) {
	e := newTestEngine(t, &fakeSender{}, Config{})
	call, err := e.Go(context.Background(), "x", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = call.Wait(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.Equal(t, 1, e.Pending())
}

func TestSendFailureRemovesPending(t *testing.T) {
	sendErr := types.NewError(types.ErrCodeUnavailable, "channel is closed")
	e := newTestEngine(t, &fakeSender{err: sendErr}, Config{})

	call, err := e.Go(context.Background(), "x", nil)
	assert.Nil(t, call)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, uint64(1), e.Stats().Failed)
}

func TestCloseFailsOutstanding(t *testing.T) {
	e, err := New(&fakeSender{}, fakeIdentity{msghost: hostOrigin}, Config{}, logger.NewNop())
	require.NoError(t, err)

	calls := make([]*Call, 3)
	for i := range calls {
		calls[i], err = e.Go(context.Background(), "x", nil)
		require.NoError(t, err)
	}

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	for _, call := range calls {
		_, err := call.Result()
		assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	}

	_, err = e.Go(context.Background(), "x", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestGetLocationRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, Config{Timeout: time.Second})

	// The host answers synchronously from inside Send, before Go returns.
	sender.onSend = func(env *types.Envelope) {
		if env.Name == types.RequestGetLocation {
			e.Resolve(reply(env.Callback, "/docs/intro"))
		}
	}

	result, err := e.Request(context.Background(), types.RequestGetLocation, nil)
	require.NoError(t, err)
	assert.Equal(t, "/docs/intro", result)
	assert.Equal(t, 0, e.Pending())
}

func TestConcurrentRequests(t *testing.T) {
	sender := &fakeSender{}
	e := newTestEngine(t, sender, Config{Timeout: 5 * time.Second})
	sender.onSend = func(env *types.Envelope) {
		go e.Resolve(reply(env.Callback, env.Payload))
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := e.Request(context.Background(), "echo", i)
			assert.NoError(t, err)
			assert.Equal(t, i, result)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, e.Pending())
}
