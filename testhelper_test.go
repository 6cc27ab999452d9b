package hwtime

import "testing"

// testTick is the 32.768 kHz domain used across the tests, matching a
// typical LSE-driven RTC timer.
type testTick struct{}

func (testTick) Freq() uint32 { return 32768 }

// unitTick makes ticks and durations coincide, which keeps the alarm
// scheduling tests readable.
type unitTick struct{}

func (unitTick) Freq() uint32 { return 1 }

// fakeUptimeHW implements UptimeCounter and UptimeOverflow over plain
// fields, with one-shot hooks to simulate hardware racing the protocol at
// exact points.
type fakeUptimeHW struct {
	max     uint32
	value   uint32
	pending bool

	// valueHook runs once, after the next Value sample is taken, mutating
	// the fake before the caller's next sample.
	valueHook func(*fakeUptimeHW)
	// pendingHook runs once, before the next IsPendingOverflow sample,
	// simulating a preempting caller.
	pendingHook func(*fakeUptimeHW)

	intEnabled bool
	clears     int
}

func (x *fakeUptimeHW) Value() uint32 {
	v := x.value
	if h := x.valueHook; h != nil {
		x.valueHook = nil
		h(x)
	}
	return v
}

func (x *fakeUptimeHW) Max() uint32 { return x.max }

func (x *fakeUptimeHW) OverflowIntEnable() { x.intEnabled = true }

func (x *fakeUptimeHW) IsPendingOverflow() bool {
	if h := x.pendingHook; h != nil {
		x.pendingHook = nil
		h(x)
	}
	return x.pending
}

func (x *fakeUptimeHW) ClearPendingOverflow() {
	x.pending = false
	x.clears++
}

// wrap advances the fake counter past max, setting the overflow flag.
func (x *fakeUptimeHW) wrap(newValue uint32) {
	x.value = newValue
	x.pending = true
}

// fakeIntToken records the installed handler so tests can deliver
// interrupts manually.
type fakeIntToken struct {
	handler func() bool
}

func (x *fakeIntToken) Add(handler func() bool) {
	if x.handler != nil {
		panic(`fakeIntToken: handler already installed`)
	}
	x.handler = handler
}

// interrupt delivers one interrupt, detaching the handler when it asks.
func (x *fakeIntToken) interrupt(t *testing.T) {
	t.Helper()
	if x.handler == nil {
		t.Fatal(`interrupt with no handler installed`)
	}
	if !x.handler() {
		x.handler = nil
	}
}

// fakeAlarmCounter implements AlarmCounter over a plain field.
type fakeAlarmCounter struct {
	value uint32
	spun  uint64
}

func (x *fakeAlarmCounter) Value() uint32 { return x.value }

func (x *fakeAlarmCounter) Spin(cycles uint32) { x.spun += uint64(cycles) }

// fakeAlarmTimer records every arming and lets tests deliver fires
// manually. With immediate set, a soon arming whose compare already passed
// completes synchronously, like a real always-running driver.
type fakeAlarmTimer struct {
	max     uint32
	mode    AlarmTimerMode
	counter *fakeAlarmCounter // for the soon disambiguation; may be nil

	running  bool
	fireFn   func()
	compares []uint32
	soons    []bool
	delays   []uint32
	stops    int

	immediate bool
}

func (x *fakeAlarmTimer) Max() uint32 { return x.max }

func (x *fakeAlarmTimer) Mode() AlarmTimerMode { return x.mode }

func (x *fakeAlarmTimer) Stop() {
	x.running = false
	x.fireFn = nil
	x.stops++
}

func (x *fakeAlarmTimer) Next(compare uint32, soon bool, fire func()) {
	if x.mode != AlarmAlwaysRunning {
		panic(`fakeAlarmTimer: Next on a one-shot timer`)
	}
	if compare > x.max {
		panic(`fakeAlarmTimer: compare exceeds max`)
	}
	if x.running {
		panic(`fakeAlarmTimer: already running`)
	}
	x.compares = append(x.compares, compare)
	x.soons = append(x.soons, soon)
	x.running = true
	x.fireFn = fire

	if soon && x.immediate && x.counter != nil {
		period := uint64(x.max) + 1
		behind := (uint64(x.counter.value) + period - uint64(compare)) % period
		if behind > 0 && behind <= period/2 {
			x.fire()
		}
	}
}

func (x *fakeAlarmTimer) Delay(duration uint32, fire func()) {
	if x.mode != AlarmOneShotOnly {
		panic(`fakeAlarmTimer: Delay on an always-running timer`)
	}
	if duration > x.max {
		panic(`fakeAlarmTimer: delay exceeds max`)
	}
	if x.running {
		panic(`fakeAlarmTimer: already running`)
	}
	x.delays = append(x.delays, duration)
	x.running = true
	x.fireFn = fire
}

// fire delivers the pending compare match. The multiplexer typically
// re-arms from within the callback, so running may be true again on return.
func (x *fakeAlarmTimer) fire() {
	fire := x.fireFn
	x.running = false
	x.fireFn = nil
	fire()
}

// fireAll keeps delivering fires until the multiplexer stops re-arming.
func (x *fakeAlarmTimer) fireAll(t *testing.T) {
	t.Helper()
	for i := 0; x.running; i++ {
		if i > 1000 {
			t.Fatal(`fireAll: multiplexer does not quiesce`)
		}
		x.fire()
	}
}

// stubUptime implements Uptime[T] over a settable instant.
type stubUptime[T Tick] struct {
	now TimeSpan[T]
}

func (x *stubUptime[T]) Counter() uint32 { return uint32(x.now.Ticks()) }

func (x *stubUptime[T]) Now() TimeSpan[T] { return x.now }
