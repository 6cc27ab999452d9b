package hwtime

import (
	"errors"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// UptimeDrv implements [Uptime] over the [UptimeCounter] and
// [UptimeOverflow] ports.
//
// The driver is lock-free. Overflow accumulation uses a three-atomic commit
// protocol so that Now stays monotone even when a call is preempted, at any
// instruction, by higher-priority callers that observe and service the same
// hardware overflow flag:
//
//   - overflows is the committed overflow count.
//   - overflowsNext is the value the next commit will store. It is only ever
//     committed while the hardware flag is pending, so every caller that
//     observes one pending flag commits the same value, never a higher one.
//   - overflowsNextPending marks that a commit happened since overflowsNext
//     was last advanced. Only the outermost in-flight caller (reentry level
//     zero) may CAS it back and advance overflowsNext, which keeps a
//     preempting caller from ever committing a smaller value than one
//     already returned.
type UptimeDrv[T Tick] struct {
	counter  UptimeCounter
	overflow UptimeOverflow
	logger   *logiface.Logger[logiface.Event]

	max    uint32
	period uint64

	// reentryLevel counts in-flight getOverflows calls; the prior level
	// distinguishes the outermost caller from its preemptors.
	reentryLevel         atomic.Int64
	overflows            atomic.Uint32
	overflowsNext        atomic.Uint32
	overflowsNextPending atomic.Bool

	closed atomic.Bool
}

var _ Uptime[Tick] = (*UptimeDrv[Tick])(nil)

// UptimeOption configures an [UptimeDrv].
type UptimeOption interface {
	applyUptime(*uptimeOptions) error
}

type uptimeOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type uptimeOptionImpl struct {
	applyUptimeFunc func(*uptimeOptions) error
}

func (x *uptimeOptionImpl) applyUptime(opts *uptimeOptions) error {
	return x.applyUptimeFunc(opts)
}

// WithUptimeLogger attaches a structured logger to the driver. The logger
// may be nil (the default), which disables logging.
func WithUptimeLogger(logger *logiface.Logger[logiface.Event]) UptimeOption {
	return &uptimeOptionImpl{func(opts *uptimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewUptimeDrv starts an uptime clock over the given ports. It enables the
// overflow interrupt and installs a handler on token whose sole duty is to
// call Now when the flag is pending: the handler is an additional observer
// guaranteeing at least one accumulation per counter period, never the
// exclusive accumulator.
func NewUptimeDrv[T Tick](counter UptimeCounter, overflow UptimeOverflow, token IntToken, opts ...UptimeOption) (*UptimeDrv[T], error) {
	if counter == nil || overflow == nil || token == nil {
		return nil, errors.New(`hwtime: uptime: nil port`)
	}

	cfg := &uptimeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyUptime(cfg); err != nil {
			return nil, err
		}
	}

	x := &UptimeDrv[T]{
		counter:  counter,
		overflow: overflow,
		logger:   cfg.logger,
		max:      overflow.Max(),
		period:   uint64(overflow.Max()) + 1,
	}
	x.overflowsNext.Store(1)

	overflow.OverflowIntEnable()
	token.Add(func() bool {
		if x.closed.Load() {
			return false
		}
		if x.overflow.IsPendingOverflow() {
			x.Now()
		}
		return true
	})

	x.logger.Debug().
		Uint64(`period`, x.period).
		Uint64(`freq`, uint64(tickFreq[T]())).
		Log(`hwtime: uptime started`)

	return x, nil
}

// Counter returns the raw hardware counter value.
func (x *UptimeDrv[T]) Counter() uint32 {
	return x.counterValue()
}

// Now samples the clock. Two things can happen while it runs: any
// higher-priority caller can preempt and itself call Now, and the hardware
// counter can wrap. The double counter sample detects the latter; the commit
// protocol in getOverflows tolerates the former.
func (x *UptimeDrv[T]) Now() TimeSpan[T] {
	var now uint64
	for {
		cnt1 := x.counterValue()
		overflows := x.getOverflows()
		cnt2 := x.counterValue()
		if cnt1 <= cnt2 {
			// no wrap while overflows was obtained
			now = uint64(overflows)*x.period + uint64(cnt2)
			break
		}
		// the counter wrapped inside the window, retry
	}
	return TimeSpanFromTicks[T](int64(now))
}

func (x *UptimeDrv[T]) getOverflows() uint32 {
	// Enter: the prior level tells whether we are the outermost caller.
	level := x.reentryLevel.Add(1) - 1

	var overflows uint32
	if x.overflow.IsPendingOverflow() {
		// Commit the sentinel. A preemptor that re-observes the same flag
		// between the load and the clear commits this same value.
		next := x.overflowsNext.Load()
		x.overflows.Store(next)

		x.overflow.ClearPendingOverflow()

		x.overflowsNextPending.Store(true)

		overflows = next
	} else {
		overflows = x.overflows.Load()
	}

	if level == 0 && x.overflowsNextPending.CompareAndSwap(true, false) {
		// We are the outermost caller to have seen the overflow flag. The
		// flag is cleared, so there is most of a period until it can be seen
		// again, and the sentinel can be advanced for the next overflow. The
		// CAS keeps a preemptor that newly raised the level from racing the
		// advance.
		x.overflowsNext.Add(1)

		x.logger.Trace().
			Uint64(`overflows`, uint64(overflows)).
			Log(`hwtime: uptime overflow accumulated`)
	}

	x.reentryLevel.Add(-1)

	return overflows
}

func (x *UptimeDrv[T]) counterValue() uint32 {
	v := x.counter.Value()
	if v > x.max {
		panic(`hwtime: uptime: counter value exceeds max`)
	}
	return v
}

// Close detaches the interrupt handler at its next invocation. The clock
// remains sampleable, but monotonicity across overflows is no longer
// guaranteed unless Now keeps being called at least once per period.
func (x *UptimeDrv[T]) Close() {
	x.closed.Store(true)
}
