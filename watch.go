package hwtime

import (
	"errors"
	"sync"

	"github.com/joeycumines/logiface"
)

// ErrWatchNotSet is returned by [Watch.Now] and [Watch.At] before any anchor
// has been installed with [Watch.Set].
var ErrWatchNotSet = errors.New(`hwtime: watch not set`)

// Watch projects wall-clock time from an uptime clock using a single anchor:
// a (DateTime, uptime tick) pair stating what wall-clock instant one
// particular tick corresponds to. There is no anchor history; Set replaces.
type Watch[T Tick, U Uptime[T]] struct {
	uptime U
	logger *logiface.Logger[logiface.Event]

	mu     sync.RWMutex
	anchor *watchAnchor[T]
}

type watchAnchor[T Tick] struct {
	datetime DateTime
	upstamp  TimeSpan[T]
}

// WatchOption configures a [Watch].
type WatchOption interface {
	applyWatch(*watchOptions) error
}

type watchOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type watchOptionImpl struct {
	applyWatchFunc func(*watchOptions) error
}

func (x *watchOptionImpl) applyWatch(opts *watchOptions) error {
	return x.applyWatchFunc(opts)
}

// WithWatchLogger attaches a structured logger to the watch. The logger may
// be nil (the default), which disables logging.
func WithWatchLogger(logger *logiface.Logger[logiface.Event]) WatchOption {
	return &watchOptionImpl{func(opts *watchOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewWatch creates an unanchored watch over uptime.
func NewWatch[T Tick, U Uptime[T]](uptime U, opts ...WatchOption) (*Watch[T, U], error) {
	cfg := &watchOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyWatch(cfg); err != nil {
			return nil, err
		}
	}
	return &Watch[T, U]{uptime: uptime, logger: cfg.logger}, nil
}

// Set installs or replaces the anchor: datetime is the wall-clock instant
// that the uptime tick upstamp corresponds to.
func (x *Watch[T, U]) Set(datetime DateTime, upstamp TimeSpan[T]) {
	x.mu.Lock()
	x.anchor = &watchAnchor[T]{datetime: datetime, upstamp: upstamp}
	x.mu.Unlock()

	x.logger.Info().
		Stringer(`datetime`, datetime).
		Int64(`upstamp`, upstamp.Ticks()).
		Log(`hwtime: watch anchored`)
}

// Now returns the wall-clock time for the current uptime, or
// [ErrWatchNotSet] when unanchored.
func (x *Watch[T, U]) Now() (DateTime, error) {
	return x.At(x.uptime.Now())
}

// At returns the wall-clock time at the uptime tick upstamp, projecting
// forward or backward from the anchor, or [ErrWatchNotSet] when unanchored.
func (x *Watch[T, U]) At(upstamp TimeSpan[T]) (DateTime, error) {
	x.mu.RLock()
	anchor := x.anchor
	x.mu.RUnlock()

	if anchor == nil {
		return DateTime{}, ErrWatchNotSet
	}
	if anchor.upstamp.Cmp(upstamp) < 0 {
		// upstamp was sampled after the anchor.
		return upstamp.Sub(anchor.upstamp).AddTo(anchor.datetime), nil
	}
	// upstamp was sampled before the anchor.
	return anchor.upstamp.Sub(upstamp).SubFrom(anchor.datetime), nil
}
