package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/baaaht/gadget/pkg/types"
)

// Call is one outstanding request. It settles exactly once: with the reply
// payload, or with a TIMEOUT, CANCELED or UNAVAILABLE error.
type Call struct {
	Token    string
	Name     string
	Payload  any
	IssuedAt types.Timestamp

	done   chan struct{}
	once   sync.Once
	result any
	err    error
	timer  *time.Timer
}

func newCall(token, name string, payload any) *Call {
	return &Call{
		Token:    token,
		Name:     name,
		Payload:  payload,
		IssuedAt: types.NewTimestamp(),
		done:     make(chan struct{}),
	}
}

// Done is closed when the call settles
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether the call has a result
func (c *Call) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the settled reply payload or error
func (c *Call) Result() (any, error) {
	if !c.Settled() {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "request "+c.Name+" has not settled")
	}
	return c.result, c.err
}

// Wait blocks until the call settles or ctx is done. Giving up on ctx
// leaves the call outstanding; use Engine.Request to cancel it as well.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "stopped waiting for "+c.Name, ctx.Err())
	}
}

// settle records the outcome once; later calls are no-ops
func (c *Call) settle(result any, err error) bool {
	settled := false
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result = result
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}
