package events

import (
	"context"
	"time"

	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/types"
)

// Observer receives notifications
type Observer interface {
	Observe(ctx context.Context, n types.Notification)
}

// ObserverFunc is a function adapter for Observer
type ObserverFunc func(ctx context.Context, n types.Notification)

// Observe implements Observer
func (f ObserverFunc) Observe(ctx context.Context, n types.Notification) {
	f(ctx, n)
}

// FilterObserver forwards only the notifications accepted by a predicate
type FilterObserver struct {
	observer Observer
	filter   func(types.Notification) bool
}

// NewFilterObserver wraps observer with filter
func NewFilterObserver(observer Observer, filter func(types.Notification) bool) (*FilterObserver, error) {
	if observer == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "observer cannot be nil")
	}
	if filter == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "filter cannot be nil")
	}
	return &FilterObserver{observer: observer, filter: filter}, nil
}

// Observe implements Observer
func (o *FilterObserver) Observe(ctx context.Context, n types.Notification) {
	if o.filter(n) {
		o.observer.Observe(ctx, n)
	}
}

// LoggingObserver logs every notification and how long its observer took
type LoggingObserver struct {
	observer Observer
	logger   *logger.Logger
	level    logger.Level
}

// NewLoggingObserver wraps observer with logging at level ("debug" or "info")
func NewLoggingObserver(log *logger.Logger, observer Observer, level string) (*LoggingObserver, error) {
	if observer == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "observer cannot be nil")
	}

	lvl := logger.LevelInfo
	switch level {
	case "debug":
		lvl = logger.LevelDebug
	case "info", "":
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unsupported log level: "+level)
	}

	return &LoggingObserver{
		observer: observer,
		logger:   logger.OrGlobal(log).With("component", "logging_observer"),
		level:    lvl,
	}, nil
}

// Observe implements Observer
func (o *LoggingObserver) Observe(ctx context.Context, n types.Notification) {
	start := time.Now()
	o.observer.Observe(ctx, n)

	args := []any{"name", n.Name, "gid", n.GID, "duration", time.Since(start)}
	if o.level == logger.LevelDebug {
		o.logger.Debug("Notification observed", args...)
		return
	}
	o.logger.Info("Notification observed", args...)
}
