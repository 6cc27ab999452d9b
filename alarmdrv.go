package hwtime

import (
	"errors"
	"sort"
	"sync"

	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// AlarmDrv multiplexes any number of outstanding timeouts over a single
// hardware compare channel.
//
// The driver owns a queue of subscriptions ordered by remaining duration and
// keeps at most one hardware arming pending at a time: the pending wait is a
// slot owned by the alarm, and the fire path replaces its content with the
// next arming, so no self-referential future is ever required.
//
// In [AlarmAlwaysRunning] mode, waits longer than the counter period are
// decomposed by half-period stepping: intermediate compares advance the base
// by exactly half a period, so the final compare lands on the exact absolute
// target tick with no accumulated drift, and the distance to any compare is
// always unambiguous for the hardware driver. In [AlarmOneShotOnly] mode,
// long waits chain one-shots of at most Max ticks back to back; jitter
// between chained shots is unavoidable, making multi-period waits less
// precise in this mode.
type AlarmDrv[T Tick] struct {
	counter    AlarmCounter
	timerNext  AlarmTimerNext  // nil in one-shot mode
	timerDelay AlarmTimerDelay // nil in always-running mode
	logger     *logiface.Logger[logiface.Event]

	max        uint32
	period     uint64
	halfPeriod uint32

	mu   sync.Mutex
	subs []*subscription
	// base is the counter-domain zero point of the current arming; step is
	// the number of ticks it covers, i.e. the amount elapsed when it fires.
	base    uint32
	step    uint64
	running bool
	// pumping marks the single caller currently issuing armings.
	pumping bool
	// epoch invalidates the fire callback of a superseded arming.
	epoch uint64
}

// AlarmOption configures an [AlarmDrv].
type AlarmOption interface {
	applyAlarm(*alarmOptions) error
}

type alarmOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type alarmOptionImpl struct {
	applyAlarmFunc func(*alarmOptions) error
}

func (x *alarmOptionImpl) applyAlarm(opts *alarmOptions) error {
	return x.applyAlarmFunc(opts)
}

// WithAlarmLogger attaches a structured logger to the driver. The logger may
// be nil (the default), which disables logging.
func WithAlarmLogger(logger *logiface.Logger[logiface.Event]) AlarmOption {
	return &alarmOptionImpl{func(opts *alarmOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewAlarmDrv creates an alarm over the given ports. The timer must
// implement the arming surface matching its mode ([AlarmTimerNext] for
// [AlarmAlwaysRunning], [AlarmTimerDelay] for [AlarmOneShotOnly]).
func NewAlarmDrv[T Tick](counter AlarmCounter, timer AlarmTimer, opts ...AlarmOption) (*AlarmDrv[T], error) {
	if counter == nil || timer == nil {
		return nil, errors.New(`hwtime: alarm: nil port`)
	}

	cfg := &alarmOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyAlarm(cfg); err != nil {
			return nil, err
		}
	}

	x := &AlarmDrv[T]{
		counter:    counter,
		logger:     cfg.logger,
		max:        timer.Max(),
		period:     uint64(timer.Max()) + 1,
		halfPeriod: uint32((uint64(timer.Max()) + 1) / 2),
	}

	switch timer.Mode() {
	case AlarmAlwaysRunning:
		next, ok := timer.(AlarmTimerNext)
		if !ok {
			return nil, errors.New(`hwtime: alarm: always-running timer lacks Next`)
		}
		x.timerNext = next
	case AlarmOneShotOnly:
		delay, ok := timer.(AlarmTimerDelay)
		if !ok {
			return nil, errors.New(`hwtime: alarm: one-shot timer lacks Delay`)
		}
		x.timerDelay = delay
	default:
		return nil, errors.New(`hwtime: alarm: unknown timer mode`)
	}

	return x, nil
}

// Sleep returns a handle that becomes ready after at least duration ticks
// have elapsed from the call. A zero duration completes immediately; a
// negative duration panics.
func (x *AlarmDrv[T]) Sleep(duration TimeSpan[T]) *Sleep[T] {
	var base uint32
	if x.timerNext != nil {
		base = x.counterValue()
	}
	return x.SleepFrom(base, duration)
}

// SleepFrom is [AlarmDrv.Sleep] with an explicit zero point: the duration is
// measured from the instant the compare-domain counter held base, which must
// be a recently sampled counter value. In [AlarmOneShotOnly] mode there is
// no counter and base must be zero.
func (x *AlarmDrv[T]) SleepFrom(base uint32, duration TimeSpan[T]) *Sleep[T] {
	if duration.IsNegative() {
		panic(`hwtime: alarm: sleep duration must be non negative`)
	}
	if base > x.max {
		panic(`hwtime: alarm: sleep base exceeds counter max`)
	}
	if x.timerDelay != nil && base != 0 {
		panic(`hwtime: alarm: non-zero sleep base with a one-shot timer`)
	}

	remaining := uint64(duration.Ticks())
	sub := &subscription{
		remaining: remaining,
		soon:      remaining < uint64(x.halfPeriod),
	}

	var wakers []func()

	x.mu.Lock()
	if x.running && x.timerNext != nil {
		// Stop the pending arming and charge the time it already covered,
		// so the whole queue shares the counter as its zero point before
		// the newcomer joins.
		wakers = x.stopAndAccountLocked()
	}

	switch {
	case !x.running && len(x.subs) == 0:
		x.base = base
	case x.timerNext != nil:
		// The queue's zero point is x.base; discount what already elapsed
		// between the caller's base and it.
		if elapsed := (uint64(x.base) + x.period - uint64(base)) % x.period; elapsed >= sub.remaining {
			sub.remaining = 0
		} else {
			sub.remaining -= elapsed
		}
	default:
		// One-shot mode: the running shot cannot be stopped accurately, so
		// the newcomer is charged for the full pending step and completes
		// late by at most that much.
		sub.remaining += x.step
	}

	if sub.remaining == 0 {
		sub.state.Store(subCompleted)
	} else {
		i := sort.Search(len(x.subs), func(i int) bool {
			return x.subs[i].remaining > sub.remaining
		})
		x.subs = slices.Insert(x.subs, i, sub)
		sub.state.Store(subAdded)
	}
	x.mu.Unlock()

	for _, wake := range wakers {
		wake()
	}
	x.pump()

	x.logger.Debug().
		Int64(`ticks`, duration.Ticks()).
		Stringer(`duration`, duration).
		Log(`hwtime: alarm sleep added`)

	return &Sleep[T]{sub: sub}
}

// Spin busy-waits the given number of CPU cycles.
func (x *AlarmDrv[T]) Spin(cycles uint32) {
	x.counter.Spin(cycles)
}

// fire advances the queue by the step the expired arming covered, completes
// due subscriptions, evicts completed and dropped ones, and re-arms for the
// new head. It runs from interrupt context.
func (x *AlarmDrv[T]) fire(epoch uint64) {
	x.mu.Lock()
	if epoch != x.epoch {
		// A stale callback of an arming that was superseded concurrently.
		x.mu.Unlock()
		return
	}
	x.epoch++
	x.running = false
	elapsed := x.step
	x.step = 0
	x.base = x.counterAdd(x.base, uint32(elapsed%x.period))

	wakers := x.advanceLocked(elapsed)
	x.mu.Unlock()

	for _, wake := range wakers {
		wake()
	}
	x.pump()
}

// pump is the arming slot: the one caller that finds the slot free issues
// armings, re-evaluating after each issue, until the queue is armed, empty,
// or someone else holds the slot. Issuing happens outside the lock because a
// driver may deliver fire synchronously (the soon path); the epoch detects
// both that and a preemptor having superseded the arming mid-issue.
func (x *AlarmDrv[T]) pump() {
	x.mu.Lock()
	if x.pumping {
		x.mu.Unlock()
		return
	}
	x.pumping = true

	for {
		if x.running || len(x.subs) == 0 {
			x.pumping = false
			x.mu.Unlock()
			return
		}

		head := x.subs[0]
		x.running = true
		epoch := x.epoch

		var arm func(fire func())
		if x.timerNext != nil {
			var compare uint32
			var soon bool
			if head.remaining >= x.period {
				// An intermediate step: advance by exactly half a period so
				// the final compare lands on the exact target tick.
				x.step = uint64(x.halfPeriod)
				compare = x.counterAdd(x.base, x.halfPeriod)
			} else {
				x.step = head.remaining
				compare = x.counterAdd(x.base, uint32(head.remaining))
				soon = head.soon
			}
			x.logger.Trace().
				Uint64(`compare`, uint64(compare)).
				Bool(`soon`, soon).
				Uint64(`step`, x.step).
				Log(`hwtime: alarm armed`)
			arm = func(fire func()) { x.timerNext.Next(compare, soon, fire) }
		} else {
			duration := min(head.remaining, uint64(x.max))
			x.step = duration
			x.logger.Trace().
				Uint64(`delay`, duration).
				Log(`hwtime: alarm armed`)
			arm = func(fire func()) { x.timerDelay.Delay(uint32(duration), fire) }
		}
		x.mu.Unlock()

		arm(func() { x.fire(epoch) })

		x.mu.Lock()
		if epoch == x.epoch {
			// The arming stands.
			x.pumping = false
			x.mu.Unlock()
			return
		}
		// The arming was consumed by a synchronous fire, or superseded by a
		// preemptor while being issued. In the latter case the hardware may
		// hold a stale arming issued after the preemptor's stop; disarm
		// defensively and re-evaluate.
		x.mu.Unlock()
		x.timerStop()
		x.mu.Lock()
	}
}

// stopAndAccountLocked cancels the pending arming and advances the queue by
// the time that actually elapsed since its base, leaving the counter's
// current value as the new zero point. Always-running mode only.
func (x *AlarmDrv[T]) stopAndAccountLocked() []func() {
	x.timerNext.Stop()
	x.epoch++
	x.running = false
	x.step = 0

	cnt := x.counterValue()
	elapsed := (uint64(cnt) + x.period - uint64(x.base)) % x.period
	x.base = cnt

	return x.advanceLocked(elapsed)
}

// advanceLocked decrements every live subscription by elapsed, completing
// the ones that reach zero, and evicts completed and dropped entries. It
// returns the wakers to invoke once the lock is released.
func (x *AlarmDrv[T]) advanceLocked(elapsed uint64) []func() {
	var wakers []func()
	kept := x.subs[:0]
	for _, sub := range x.subs {
		if s := sub.state.Load(); s == subDropped || s == subCompleted {
			continue
		}
		if sub.remaining <= elapsed {
			sub.remaining = 0
			if wake := completeSub(sub); wake != nil {
				wakers = append(wakers, wake)
			}
			continue
		}
		sub.remaining -= elapsed
		kept = append(kept, sub)
	}
	// Drop the tail references so evicted subscriptions are collectable.
	for i := len(kept); i < len(x.subs); i++ {
		x.subs[i] = nil
	}
	x.subs = kept
	return wakers
}

// completeSub transitions a due subscription to completed, returning its
// waker when one was registered. Dropped subscriptions are preserved and
// never wake.
func completeSub(sub *subscription) func() {
	for {
		switch s := sub.state.Load(); s {
		case subDropped, subCompleted:
			return nil
		case subWakeable:
			if sub.state.CompareAndSwap(subWakeable, subCompleted) {
				if wake := sub.waker.Load(); wake != nil {
					return *wake
				}
				return nil
			}
		default:
			// No waker registered yet; write completed anyway so a later
			// poll resolves synchronously.
			if sub.state.CompareAndSwap(s, subCompleted) {
				return nil
			}
		}
	}
}

func (x *AlarmDrv[T]) timerStop() {
	if x.timerNext != nil {
		x.timerNext.Stop()
	} else {
		x.timerDelay.Stop()
	}
}

func (x *AlarmDrv[T]) counterAdd(base, duration uint32) uint32 {
	if base > x.max || duration > x.max {
		panic(`hwtime: alarm: compare value exceeds counter max`)
	}
	return uint32((uint64(base) + uint64(duration)) % x.period)
}

func (x *AlarmDrv[T]) counterValue() uint32 {
	v := x.counter.Value()
	if v > x.max {
		panic(`hwtime: alarm: counter value exceeds max`)
	}
	return v
}
