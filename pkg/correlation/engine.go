// Package correlation matches replies from the host to the requests that
// caused them. Each request carries a fresh token in its callback field;
// the host echoes that token on its reply and the engine settles the
// pending call registered under it.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/google/uuid"
)

// Sender posts an envelope to the host
type Sender interface {
	Send(ctx context.Context, env *types.Envelope, targetOrigin string) error
}

// IdentitySource supplies the sender fields and the host origin
type IdentitySource interface {
	Sender() types.Sender
	MsgHost() string
}

// Config configures an Engine
type Config struct {
	// Timeout bounds every request. Zero waits forever.
	Timeout time.Duration
	// TargetOrigin overrides the host origin taken from the identity
	TargetOrigin string
}

// Stats holds engine counters
type Stats struct {
	Issued    uint64 `json:"issued"`
	Resolved  uint64 `json:"resolved"`
	Unmatched uint64 `json:"unmatched"`
	TimedOut  uint64 `json:"timed_out"`
	Canceled  uint64 `json:"canceled"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

// Engine owns the pending request table
type Engine struct {
	mu       sync.Mutex
	sender   Sender
	identity IdentitySource
	cfg      Config
	pending  map[string]*Call
	logger   *logger.Logger
	closed   bool
	stats    Stats
	newToken func() string
}

// New creates a correlation engine
func New(sender Sender, identity IdentitySource, cfg Config, log *logger.Logger) (*Engine, error) {
	if sender == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "sender cannot be nil")
	}
	if identity == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "identity cannot be nil")
	}
	if cfg.Timeout < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "timeout cannot be negative")
	}

	return &Engine{
		sender:   sender,
		identity: identity,
		cfg:      cfg,
		pending:  make(map[string]*Call),
		logger:   logger.OrGlobal(log).With("component", "correlation"),
		newToken: uuid.NewString,
	}, nil
}

// Go issues a request and returns its pending call without waiting
func (e *Engine) Go(ctx context.Context, name string, payload any) (*Call, error) {
	if name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "request name cannot be empty")
	}

	target := e.cfg.TargetOrigin
	if target == "" {
		target = e.identity.MsgHost()
	}
	if target == "" {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "no host origin to send "+name+" to")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "correlation engine is closed")
	}
	token := e.nextTokenLocked()
	call := newCall(token, name, payload)
	e.pending[token] = call
	if e.cfg.Timeout > 0 {
		call.timer = time.AfterFunc(e.cfg.Timeout, func() { e.expire(token) })
	}
	e.stats.Issued++
	e.mu.Unlock()

	env := types.NewEnvelope(name, e.identity.Sender(), payload)
	env.Callback = token

	if err := e.sender.Send(ctx, env, target); err != nil {
		e.mu.Lock()
		delete(e.pending, token)
		e.stats.Failed++
		e.mu.Unlock()
		call.settle(nil, err)
		return nil, err
	}

	e.logger.Debug("Request issued", "name", name, "token", token)
	return call, nil
}

// Request issues a request and waits for its reply. When ctx ends first the
// call is canceled and removed from the pending table.
func (e *Engine) Request(ctx context.Context, name string, payload any) (any, error) {
	call, err := e.Go(ctx, name, payload)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		e.Cancel(call.Token, ctx.Err().Error())
		<-call.Done()
	}
	return call.Result()
}

// nextTokenLocked returns a token not currently pending
func (e *Engine) nextTokenLocked() string {
	for {
		token := e.newToken()
		if _, exists := e.pending[token]; !exists {
			return token
		}
	}
}

// take removes and returns the call pending under token
func (e *Engine) take(token string) (*Call, bool) {
	call, ok := e.pending[token]
	if ok {
		delete(e.pending, token)
	}
	return call, ok
}

// Resolve settles the call whose token equals env.Callback. It reports
// false, with no side effect, when nothing is pending under that token.
func (e *Engine) Resolve(env *types.Envelope) bool {
	if env == nil || env.Callback == "" {
		return false
	}

	e.mu.Lock()
	call, ok := e.take(env.Callback)
	if !ok {
		e.stats.Unmatched++
		e.mu.Unlock()
		e.logger.Debug("Reply with unknown token dropped", "token", env.Callback, "name", env.Name)
		return false
	}
	e.stats.Resolved++
	e.mu.Unlock()

	call.settle(env.Payload, nil)
	e.logger.Debug("Request resolved", "name", call.Name, "token", call.Token)
	return true
}

// Cancel settles a pending call with a CANCELED error
func (e *Engine) Cancel(token, reason string) bool {
	e.mu.Lock()
	call, ok := e.take(token)
	if ok {
		e.stats.Canceled++
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	msg := "request " + call.Name + " canceled"
	if reason != "" {
		msg += ": " + reason
	}
	call.settle(nil, types.NewError(types.ErrCodeCanceled, msg))
	return true
}

// expire settles a call whose timeout fired before a reply arrived
func (e *Engine) expire(token string) {
	e.mu.Lock()
	call, ok := e.take(token)
	if ok {
		e.stats.TimedOut++
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	call.settle(nil, types.NewError(types.ErrCodeTimeout,
		fmt.Sprintf("request %s timed out after %s", call.Name, e.cfg.Timeout)))
	e.logger.Warn("Request timed out", "name", call.Name, "token", token, "timeout", e.cfg.Timeout.String())
}

// Pending returns the number of outstanding calls
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats returns a copy of the engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Pending = len(e.pending)
	return s
}

// Close fails every outstanding call with UNAVAILABLE and rejects new ones
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	outstanding := e.pending
	e.pending = make(map[string]*Call)
	e.mu.Unlock()

	for _, call := range outstanding {
		call.settle(nil, types.NewError(types.ErrCodeUnavailable, "correlation engine closed before "+call.Name+" settled"))
	}

	e.logger.Info("Correlation engine closed", "failed_pending", len(outstanding))
	return nil
}
