// Package hosted provides a virtual always-running hardware timer backed by
// the OS monotonic clock, implementing every hwtime port.
//
// It exists for tests, examples, and non-embedded hosts: the same uptime and
// alarm cores that run over register-level adapters on hardware run over a
// hosted [Timer] unchanged. Overflow interrupts and compare matches are
// delivered from background goroutines, standing in for interrupt context.
package hosted

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-hwtime"
	"golang.org/x/exp/slices"
)

// Timer is a virtual free-running counter of a given frequency and width.
// It implements [hwtime.UptimeCounter], [hwtime.UptimeOverflow],
// [hwtime.AlarmCounter], [hwtime.AlarmTimerNext], and [hwtime.IntToken].
type Timer struct {
	freq   uint32
	max    uint32
	period uint64
	cpuHz  uint64

	start int64 // monotonic nanos at creation
	// cleared is the period index at the last overflow clear; the pending
	// flag is derived from it so that it raises at the exact wrap tick.
	cleared atomic.Uint64

	mu       sync.Mutex
	handlers []timerHandler
	nextID   int
	armed    *time.Timer

	closed    chan struct{}
	closeOnce sync.Once
}

type timerHandler struct {
	id int
	fn func() bool
}

var (
	_ hwtime.UptimeCounter  = (*Timer)(nil)
	_ hwtime.UptimeOverflow = (*Timer)(nil)
	_ hwtime.AlarmCounter   = (*Timer)(nil)
	_ hwtime.AlarmTimerNext = (*Timer)(nil)
	_ hwtime.IntToken       = (*Timer)(nil)
)

// DefaultCPUFreq is the assumed CPU frequency for [Timer.Spin], 1 GHz.
const DefaultCPUFreq = 1_000_000_000

// New creates a timer counting at freq ticks per second, wrapping past max.
// The counter starts at zero and follows the monotonic clock; Close stops
// the overflow interrupts and cancels any pending arming, but the counter
// keeps advancing.
func New(freq, max uint32) *Timer {
	if freq == 0 || max == 0 {
		panic(`hosted: timer frequency and max must be non-zero`)
	}
	x := &Timer{
		freq:   freq,
		max:    max,
		period: uint64(max) + 1,
		cpuHz:  DefaultCPUFreq,
		start:  monotonicNanos(),
		closed: make(chan struct{}),
	}
	go x.overflowLoop()
	return x
}

// Close stops the overflow goroutine and cancels any pending arming.
func (x *Timer) Close() {
	x.closeOnce.Do(func() { close(x.closed) })
	x.Stop()
}

// ticks returns the total tick count since creation.
func (x *Timer) ticks() uint64 {
	nanos := monotonicNanos() - x.start
	return uint64(nanos/1e9)*uint64(x.freq) +
		uint64(nanos%1e9)*uint64(x.freq)/1e9
}

func (x *Timer) ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks * 1e9 / uint64(x.freq))
}

// Value returns the current counter value in [0, max].
func (x *Timer) Value() uint32 {
	return uint32(x.ticks() % x.period)
}

// Max returns the maximum counter value.
func (x *Timer) Max() uint32 { return x.max }

// Mode returns [hwtime.AlarmAlwaysRunning].
func (x *Timer) Mode() hwtime.AlarmTimerMode { return hwtime.AlarmAlwaysRunning }

// OverflowIntEnable is a no-op: the virtual overflow interrupt is always
// delivered.
func (x *Timer) OverflowIntEnable() {}

// IsPendingOverflow reports whether the counter wrapped since the last
// clear. The flag is derived from the clock itself, so it is observable at
// the exact tick the counter wraps, like a hardware flag.
func (x *Timer) IsPendingOverflow() bool {
	return x.ticks()/x.period > x.cleared.Load()
}

// ClearPendingOverflow clears the pending flag until the next wrap.
func (x *Timer) ClearPendingOverflow() {
	x.cleared.Store(x.ticks() / x.period)
}

// Add installs an interrupt handler, invoked on every overflow interrupt
// until it returns false.
func (x *Timer) Add(handler func() bool) {
	x.mu.Lock()
	x.nextID++
	x.handlers = append(x.handlers, timerHandler{id: x.nextID, fn: handler})
	x.mu.Unlock()
}

// overflowLoop sleeps to each period boundary and delivers the overflow
// interrupt. The pending flag itself is derived from the clock; the loop
// only guarantees handlers run at least once per period.
func (x *Timer) overflowLoop() {
	for {
		now := x.ticks()
		boundary := (now/x.period + 1) * x.period
		select {
		case <-x.closed:
			return
		case <-time.After(x.ticksToDuration(boundary - now)):
		}
		x.interrupt()
	}
}

func (x *Timer) interrupt() {
	x.mu.Lock()
	handlers := slices.Clone(x.handlers)
	x.mu.Unlock()

	var detached []int
	for _, h := range handlers {
		if !h.fn() {
			detached = append(detached, h.id)
		}
	}
	if detached == nil {
		return
	}

	x.mu.Lock()
	x.handlers = slices.DeleteFunc(x.handlers, func(h timerHandler) bool {
		return slices.Contains(detached, h.id)
	})
	x.mu.Unlock()
}

// Next arms a virtual compare match at the absolute counter value compare.
func (x *Timer) Next(compare uint32, soon bool, fire func()) {
	if compare > x.max {
		panic(`hosted: compare exceeds counter max`)
	}

	cnt := x.ticks() % x.period
	if soon {
		// The compare may have just been crossed; waiting would cost a full
		// revolution.
		if behind := (cnt + x.period - uint64(compare)) % x.period; behind > 0 && behind <= x.period/2 {
			fire()
			return
		}
	}

	delta := (uint64(compare) + x.period - cnt) % x.period
	if delta == 0 {
		delta = x.period
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(x.ticksToDuration(delta), func() {
		x.mu.Lock()
		if x.armed != t {
			// A concurrent Stop or re-arm superseded this match.
			x.mu.Unlock()
			return
		}
		x.armed = nil
		x.mu.Unlock()
		fire()
	})
	x.armed = t
}

// Stop cancels the pending compare match. Cancellation is best-effort
// against an in-flight match; the alarm core's epoch guard discards any
// stale fire.
func (x *Timer) Stop() {
	x.mu.Lock()
	if x.armed != nil {
		x.armed.Stop()
		x.armed = nil
	}
	x.mu.Unlock()
}

// Spin busy-waits the given number of CPU cycles, assuming
// [DefaultCPUFreq].
func (x *Timer) Spin(cycles uint32) {
	deadline := monotonicNanos() + int64(uint64(cycles)*1e9/x.cpuHz)
	for monotonicNanos() < deadline {
	}
}
