package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
)

// Handler receives accepted inbound envelopes
type Handler func(ctx context.Context, env *types.Envelope)

// Adapter sends envelopes to the host and filters what comes back
type Adapter struct {
	mu            sync.RWMutex
	channel       Channel
	codec         Codec
	trustedOrigin string
	handler       Handler
	logger        *logger.Logger
	started       bool
	closed        bool
	wg            sync.WaitGroup
	closeCh       chan struct{}
	stats         Stats
}

// Stats holds adapter counters
type Stats struct {
	Sent           uint64 `json:"sent"`
	SendFailed     uint64 `json:"send_failed"`
	Received       uint64 `json:"received"`
	Delivered      uint64 `json:"delivered"`
	RejectedOrigin uint64 `json:"rejected_origin"`
	Invalid        uint64 `json:"invalid"`
	Unhandled      uint64 `json:"unhandled"`
}

// New creates an adapter. Only frames from trustedOrigin are ever decoded;
// an empty trustedOrigin rejects everything.
func New(channel Channel, codec Codec, trustedOrigin string, log *logger.Logger) (*Adapter, error) {
	if channel == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "channel cannot be nil")
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	log = logger.OrGlobal(log).With("component", "transport")
	if trustedOrigin == "" {
		log.Warn("No trusted host origin configured, all inbound messages will be rejected")
	}

	return &Adapter{
		channel:       channel,
		codec:         codec,
		trustedOrigin: trustedOrigin,
		logger:        log,
		closeCh:       make(chan struct{}),
	}, nil
}

// TrustedOrigin returns the only origin inbound frames are accepted from
func (a *Adapter) TrustedOrigin() string {
	return a.trustedOrigin
}

// Codec returns the adapter's codec
func (a *Adapter) Codec() Codec {
	return a.codec
}

// Send encodes env and posts it to targetOrigin
func (a *Adapter) Send(ctx context.Context, env *types.Envelope, targetOrigin string) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "transport adapter is closed")
	}
	a.mu.RUnlock()

	if err := types.ValidateEnvelope(env); err != nil {
		return err
	}

	data, err := a.codec.Marshal(env)
	if err != nil {
		return err
	}

	if err := a.channel.Post(ctx, data, targetOrigin); err != nil {
		a.mu.Lock()
		a.stats.SendFailed++
		a.mu.Unlock()
		a.logger.Warn("Failed to post envelope", "name", env.Name, "target_origin", targetOrigin, "error", err)
		return err
	}

	a.mu.Lock()
	a.stats.Sent++
	a.mu.Unlock()

	a.logger.Debug("Envelope sent",
		"name", env.Name,
		"callback", env.Callback,
		"target_origin", targetOrigin,
		"codec", a.codec.Name())
	return nil
}

// OnReceive installs the inbound handler, replacing any previous one
func (a *Adapter) OnReceive(handler Handler) {
	a.mu.Lock()
	replaced := a.handler != nil
	a.handler = handler
	a.mu.Unlock()

	if replaced {
		a.logger.Warn("Inbound handler replaced")
	}
}

// Start begins delivering inbound envelopes to the handler
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return types.NewError(types.ErrCodeUnavailable, "transport adapter is closed")
	}
	if a.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "transport adapter already started")
	}
	a.started = true

	a.wg.Add(1)
	go a.processMessages(ctx)

	a.logger.Info("Transport adapter started",
		"trusted_origin", a.trustedOrigin,
		"codec", a.codec.Name())
	return nil
}

// processMessages handles inbound frames one at a time in arrival order
func (a *Adapter) processMessages(ctx context.Context) {
	defer a.wg.Done()

	recv := a.channel.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		case msg, ok := <-recv:
			if !ok {
				a.logger.Info("Inbound channel closed")
				return
			}
			a.handleMessage(ctx, msg)
		}
	}
}

// handleMessage filters, decodes and delivers a single frame
func (a *Adapter) handleMessage(ctx context.Context, msg Message) {
	a.mu.Lock()
	a.stats.Received++
	if msg.Origin != a.trustedOrigin {
		a.stats.RejectedOrigin++
		a.mu.Unlock()
		a.logger.Debug("Message from untrusted origin dropped", "origin", msg.Origin)
		return
	}
	handler := a.handler
	a.mu.Unlock()

	var env types.Envelope
	if err := a.codec.Unmarshal(msg.Data, &env); err != nil {
		a.countInvalid()
		a.logger.Debug("Undecodable message dropped", "error", err)
		return
	}
	if err := types.ValidateEnvelope(&env); err != nil {
		a.countInvalid()
		a.logger.Debug("Invalid envelope dropped", "error", err)
		return
	}

	if handler == nil {
		a.mu.Lock()
		a.stats.Unhandled++
		a.mu.Unlock()
		a.logger.Debug("No inbound handler installed, envelope dropped", "name", env.Name)
		return
	}

	a.logger.Debug("Envelope received", "name", env.Name, "callback", env.Callback)
	a.deliver(ctx, handler, &env)
}

func (a *Adapter) deliver(ctx context.Context, handler Handler, env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Inbound handler panicked", "name", env.Name, "panic", fmt.Sprint(r))
		}
	}()

	handler(ctx, env)

	a.mu.Lock()
	a.stats.Delivered++
	a.mu.Unlock()
}

func (a *Adapter) countInvalid() {
	a.mu.Lock()
	a.stats.Invalid++
	a.mu.Unlock()
}

// Stats returns a copy of the adapter counters
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Close stops the inbound loop and releases the channel
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.closeCh)
	a.mu.Unlock()

	err := a.channel.Close()
	a.wg.Wait()

	a.logger.Info("Transport adapter closed")
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close channel", err)
	}
	return nil
}
