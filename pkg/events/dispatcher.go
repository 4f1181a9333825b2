// Package events delivers unsolicited host notifications to observers.
//
// Observers register by notification name and run in registration order.
// Dispatch runs them on the caller's goroutine; Enqueue hands the
// notification to the dispatcher's own delivery goroutine, which keeps
// arrival order and leaves the inbound loop free to deliver replies to an
// observer that is waiting on a host request. The reserved "configuration"
// notification replaces the gadget's configuration map before any observer
// of it runs.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/settings"
	"github.com/baaaht/gadget/pkg/types"
)

// Dispatcher routes notifications to registered observers
type Dispatcher struct {
	mu            sync.RWMutex
	store         *settings.Store
	registrations map[types.ID]*registration
	byName        map[string][]*registration
	logger        *logger.Logger
	stats         Stats

	qmu     sync.Mutex
	queue   []queued
	wake    chan struct{}
	running bool
	closed  bool
	stopCh  chan struct{}
}

// queued is a notification waiting for the delivery goroutine
type queued struct {
	ctx context.Context
	env *types.Envelope
}

// registration binds an observer to a notification name
type registration struct {
	id        types.ID
	name      string
	observer  Observer
	createdAt types.Timestamp
}

// Stats holds dispatcher counters
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	Unobserved     uint64 `json:"unobserved"`
	ObserverPanics uint64 `json:"observer_panics"`
	ConfigReplaced uint64 `json:"config_replaced"`
	ConfigRejected uint64 `json:"config_rejected"`
	Queued         int    `json:"queued"`
}

// New creates a dispatcher writing configuration pushes into store
func New(store *settings.Store, log *logger.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "settings store cannot be nil")
	}

	return &Dispatcher{
		store:         store,
		registrations: make(map[types.ID]*registration),
		byName:        make(map[string][]*registration),
		logger:        logger.OrGlobal(log).With("component", "event_dispatcher"),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}, nil
}

// On registers an observer for name and returns its registration ID
func (d *Dispatcher) On(name string, observer Observer) (types.ID, error) {
	if name == "" {
		return "", types.NewError(types.ErrCodeInvalidArgument, "notification name cannot be empty")
	}
	if observer == nil {
		return "", types.NewError(types.ErrCodeInvalid, "observer cannot be nil")
	}

	reg := &registration{
		id:        types.GenerateID(),
		name:      name,
		observer:  observer,
		createdAt: types.NewTimestamp(),
	}

	d.mu.Lock()
	d.registrations[reg.id] = reg
	d.byName[name] = append(d.byName[name], reg)
	d.mu.Unlock()

	d.logger.Debug("Observer registered", "name", name, "registration_id", reg.id)
	return reg.id, nil
}

// Off removes a registration
func (d *Dispatcher) Off(id types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, exists := d.registrations[id]
	if !exists {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("registration not found: %s", id))
	}
	delete(d.registrations, id)

	regs := d.byName[reg.name]
	kept := make([]*registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(d.byName, reg.name)
	} else {
		d.byName[reg.name] = kept
	}

	d.logger.Debug("Observer removed", "name", reg.name, "registration_id", id)
	return nil
}

// Observers returns the number of observers registered for name
func (d *Dispatcher) Observers(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName[name])
}

// Dispatch delivers a token-less envelope to the observers of its name.
// Envelopes carrying a callback belong to the correlation engine and are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, env *types.Envelope) {
	if env == nil || env.HasCallback() {
		return
	}

	notification := types.NotificationFromEnvelope(env)

	if env.Name == types.NotificationConfiguration {
		values, ok := env.Payload.(map[string]any)
		if !ok {
			d.mu.Lock()
			d.stats.ConfigRejected++
			d.mu.Unlock()
			d.logger.Warn("Configuration notification without an object payload dropped",
				"payload_type", fmt.Sprintf("%T", env.Payload))
			return
		}
		d.store.Replace(values)
		notification.Payload = d.store.Snapshot()

		d.mu.Lock()
		d.stats.ConfigReplaced++
		d.mu.Unlock()
		d.logger.Info("Configuration replaced by host", "keys", len(values))
	}

	d.mu.Lock()
	regs := make([]*registration, len(d.byName[env.Name]))
	copy(regs, d.byName[env.Name])
	d.stats.Dispatched++
	if len(regs) == 0 {
		d.stats.Unobserved++
	}
	d.mu.Unlock()

	if len(regs) == 0 {
		d.logger.Debug("Notification without observers", "name", env.Name)
		return
	}

	for _, reg := range regs {
		d.notify(ctx, reg, notification)
	}
}

// notify runs one observer, recovering from panics
func (d *Dispatcher) notify(ctx context.Context, reg *registration, n types.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.stats.ObserverPanics++
			d.mu.Unlock()
			d.logger.Error("Observer panicked",
				"name", n.Name,
				"registration_id", reg.id,
				"panic", fmt.Sprint(r))
		}
	}()

	reg.observer.Observe(ctx, n)
}

// Start launches the delivery goroutine serving Enqueue
func (d *Dispatcher) Start() error {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	if d.closed {
		return types.NewError(types.ErrCodeUnavailable, "event dispatcher is closed")
	}
	if d.running {
		return nil
	}
	d.running = true
	go d.deliverQueued()

	d.logger.Debug("Event dispatcher started")
	return nil
}

// Enqueue queues a token-less envelope for the delivery goroutine and returns
// immediately. Notifications are delivered in the order they were queued.
func (d *Dispatcher) Enqueue(ctx context.Context, env *types.Envelope) {
	if env == nil || env.HasCallback() {
		return
	}

	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		d.logger.Debug("Notification after close dropped", "name", env.Name)
		return
	}
	d.queue = append(d.queue, queued{ctx: ctx, env: env})
	d.qmu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// deliverQueued drains the queue until Close
func (d *Dispatcher) deliverQueued() {
	for {
		d.qmu.Lock()
		if d.closed {
			d.qmu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.qmu.Unlock()
			select {
			case <-d.wake:
			case <-d.stopCh:
				return
			}
			continue
		}
		next := d.queue[0]
		d.queue[0] = queued{}
		d.queue = d.queue[1:]
		d.qmu.Unlock()

		d.Dispatch(next.ctx, next.env)
	}
}

// Close stops the delivery goroutine and drops queued notifications.
// An observer already running is left to finish.
func (d *Dispatcher) Close() {
	d.qmu.Lock()
	defer d.qmu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	dropped := len(d.queue)
	d.queue = nil
	close(d.stopCh)

	d.logger.Debug("Event dispatcher closed", "dropped", dropped)
}

// Stats returns a copy of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	stats := d.stats
	d.mu.RUnlock()

	d.qmu.Lock()
	stats.Queued = len(d.queue)
	d.qmu.Unlock()
	return stats
}
