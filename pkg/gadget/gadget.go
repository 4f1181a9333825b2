// Package gadget is the instance context object of an embedded gadget. It
// resolves the instance identity from the launch location, talks to the
// host over a transport channel, and keeps the configuration map in sync
// with the remote configuration service.
package gadget

import (
	"context"
	"net/http"
	"sync"

	"github.com/baaaht/gadget/internal/config"
	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/configsync"
	"github.com/baaaht/gadget/pkg/correlation"
	"github.com/baaaht/gadget/pkg/events"
	"github.com/baaaht/gadget/pkg/identity"
	"github.com/baaaht/gadget/pkg/settings"
	"github.com/baaaht/gadget/pkg/transport"
	"github.com/baaaht/gadget/pkg/types"
)

// Options configures a Gadget
type Options struct {
	// Location is the launch URL, query string included
	Location string
	// Channel links the gadget to its host. Without one only the
	// configuration service operations are available.
	Channel transport.Channel
	// Codec overrides the codec named in Config
	Codec transport.Codec
	// HTTPClient executes configuration service requests
	HTTPClient configsync.Executor
	Config     *config.Config
	Logger     *logger.Logger
}

// Gadget is one gadget instance
type Gadget struct {
	mu         sync.RWMutex
	cfg        *config.Config
	identity   *identity.Identity
	store      *settings.Store
	adapter    *transport.Adapter
	engine     *correlation.Engine
	dispatcher *events.Dispatcher
	sync       *configsync.Synchronizer
	logger     *logger.Logger
	status     types.Status
	stopRun    context.CancelFunc
}

// New builds a gadget from its launch location
func New(opts Options) (*Gadget, error) {
	if opts.Location == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "launch location cannot be empty")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid gadget configuration", err)
	}

	log := logger.OrGlobal(opts.Logger)

	id := identity.Resolve(opts.Location)
	if id.MsgHost() == "" && cfg.Gadget.MsgHost != "" {
		if err := id.Set(identity.FieldMsgHost, cfg.Gadget.MsgHost); err != nil {
			return nil, err
		}
	}
	log = log.With("gid", id.GID())

	store := settings.NewStore()

	dispatcher, err := events.New(store, log)
	if err != nil {
		return nil, err
	}

	executor := opts.HTTPClient
	if executor == nil {
		executor = &http.Client{}
	}
	synchronizer, err := configsync.New(executor, id, store, configsync.Config{
		ViewPath:      cfg.Sync.ViewPath,
		ConfigurePath: cfg.Sync.ConfigurePath,
		Timeout:       cfg.Sync.Timeout,
		Breaker: configsync.BreakerConfig{
			Enabled:     cfg.Sync.BreakerEnabled,
			MaxFailures: cfg.Sync.BreakerMaxFailures,
			OpenTimeout: cfg.Sync.BreakerOpenTimeout,
		},
	}, log)
	if err != nil {
		return nil, err
	}

	g := &Gadget{
		cfg:        cfg,
		identity:   id,
		store:      store,
		dispatcher: dispatcher,
		sync:       synchronizer,
		logger:     log.With("component", "gadget"),
		status:     types.StatusStopped,
	}

	if opts.Channel != nil {
		codec := opts.Codec
		if codec == nil {
			if codec, err = transport.CodecByName(cfg.Messaging.Codec); err != nil {
				return nil, err
			}
		}

		trusted := id.MsgHost()
		adapter, err := transport.New(opts.Channel, codec, trusted, log)
		if err != nil {
			return nil, err
		}
		engine, err := correlation.New(adapter, id, correlation.Config{
			Timeout:      cfg.EffectiveRequestTimeout(),
			TargetOrigin: trusted,
		}, log)
		if err != nil {
			return nil, err
		}
		g.adapter = adapter
		g.engine = engine
	}

	g.logger.Debug("Gadget created", "identity", id.String(), "has_channel", opts.Channel != nil)
	return g, nil
}

// Start installs the inbound router and begins listening to the host.
// Listening keeps the values of ctx but not its cancellation; it lasts until Close.
func (g *Gadget) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.adapter == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "gadget has no host channel")
	}
	if g.status == types.StatusRunning {
		return nil
	}
	if g.status == types.StatusStopping {
		return types.NewError(types.ErrCodeUnavailable, "gadget is closed")
	}

	if err := g.dispatcher.Start(); err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	g.adapter.OnReceive(g.route)
	if err := g.adapter.Start(runCtx); err != nil {
		stop()
		return err
	}
	g.stopRun = stop
	g.status = types.StatusRunning

	g.logger.Info("Gadget listening", "msghost", g.identity.MsgHost())
	return nil
}

// route resolves replies on the inbound goroutine and queues everything else
// for the dispatcher, so an observer waiting on a request never holds up its reply.
// A reply whose token matches no pending request is dropped.
func (g *Gadget) route(ctx context.Context, env *types.Envelope) {
	if env.HasCallback() {
		g.engine.Resolve(env)
		return
	}
	g.logger.Debug("Message from host", "name", env.Name)
	g.dispatcher.Enqueue(ctx, env)
}

// Status returns the lifecycle status
func (g *Gadget) Status() types.Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Identity returns the live instance identity
func (g *Gadget) Identity() *identity.Identity {
	return g.identity
}

// Get returns an identity field or launch parameter
func (g *Gadget) Get(field string) (string, bool) {
	return g.identity.Get(field)
}

// Set assigns one of the enumerated identity fields
func (g *Gadget) Set(field, value string) error {
	return g.identity.Set(field, value)
}

// GetConfig returns a configuration value. Composite values are copies.
func (g *Gadget) GetConfig(key string) (any, bool) {
	return g.store.Get(key)
}

// SetConfig assigns one configuration key locally
func (g *Gadget) SetConfig(key string, value any) error {
	if key == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration key cannot be empty")
	}
	g.store.Set(key, value)
	return nil
}

// MergeConfig assigns every key of values locally
func (g *Gadget) MergeConfig(values map[string]any) error {
	if _, ok := values[""]; ok {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration key cannot be empty")
	}
	g.store.Merge(values)
	return nil
}

// Config returns a copy of the configuration map
func (g *Gadget) Config() map[string]any {
	return g.store.Snapshot()
}

// Fetch replaces the configuration map with the service's copy
func (g *Gadget) Fetch(ctx context.Context) error {
	return g.sync.Fetch(ctx)
}

// Save applies updates and stores the configuration map on the service
func (g *Gadget) Save(ctx context.Context, updates ...configsync.Update) error {
	return g.sync.Save(ctx, updates...)
}

// On registers an observer for host notifications called name
func (g *Gadget) On(name string, observer events.Observer) (types.ID, error) {
	return g.dispatcher.On(name, observer)
}

// OnFunc registers a function observer
func (g *Gadget) OnFunc(name string, fn func(ctx context.Context, n types.Notification)) (types.ID, error) {
	return g.dispatcher.On(name, events.ObserverFunc(fn))
}

// Off removes an observer registration
func (g *Gadget) Off(id types.ID) error {
	return g.dispatcher.Off(id)
}

// Go sends a request to the host without waiting for the reply
func (g *Gadget) Go(ctx context.Context, name string, payload any) (*correlation.Call, error) {
	if err := g.requireRunning(); err != nil {
		return nil, err
	}
	return g.engine.Go(ctx, name, payload)
}

// Request sends a request to the host and waits for the reply payload
func (g *Gadget) Request(ctx context.Context, name string, payload any) (any, error) {
	if err := g.requireRunning(); err != nil {
		return nil, err
	}
	return g.engine.Request(ctx, name, payload)
}

func (g *Gadget) requireRunning() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.engine == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "gadget has no host channel")
	}
	if g.status != types.StatusRunning {
		return types.NewError(types.ErrCodeFailedPrecondition, "gadget is not started")
	}
	return nil
}

// Stats aggregates component counters
type Stats struct {
	Transport   transport.Stats   `json:"transport"`
	Correlation correlation.Stats `json:"correlation"`
	Events      events.Stats      `json:"events"`
	ConfigKeys  int               `json:"config_keys"`
	Breaker     string            `json:"breaker"`
}

// Stats returns a snapshot of component counters
func (g *Gadget) Stats() Stats {
	s := Stats{
		Events:     g.dispatcher.Stats(),
		ConfigKeys: g.store.Len(),
		Breaker:    g.sync.BreakerState(),
	}
	if g.adapter != nil {
		s.Transport = g.adapter.Stats()
		s.Correlation = g.engine.Stats()
	}
	return s
}

// Close stops listening and fails outstanding requests with UNAVAILABLE
func (g *Gadget) Close() error {
	g.mu.Lock()
	if g.status == types.StatusStopping {
		g.mu.Unlock()
		return nil
	}
	g.status = types.StatusStopping
	stop := g.stopRun
	g.mu.Unlock()

	if g.adapter == nil {
		return nil
	}
	if stop != nil {
		stop()
	}
	g.dispatcher.Close()

	var firstErr error
	if err := g.engine.Close(); err != nil {
		firstErr = err
	}
	if err := g.adapter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	g.logger.Info("Gadget closed")
	return firstErr
}
