// Package systick adapts a Cortex-M SysTick-style timer to the hwtime
// ports.
//
// SysTick is a 24-bit down counter whose COUNTFLAG status bit is set when
// the counter reaches zero and — crucially — cleared by the very read that
// observes it. The hwtime uptime protocol requires idempotent re-reads of
// the pending flag, so this adapter latches the observation: the raw flag is
// only ever read inside a caller-supplied critical section, and the latched
// value answers until the driver clears it.
package systick

import (
	"sync/atomic"

	"github.com/joeycumines/go-hwtime"
)

// Max is the maximum SysTick counter value; the counter is 24 bits wide.
const Max = 0xFFFFFF

// Registers is the SysTick register block. Implementations map directly
// onto the SYST_CSR/SYST_RVR/SYST_CVR registers.
type Registers interface {
	// SetReload writes the reload value (SYST_RVR).
	SetReload(value uint32)

	// Val returns the current counter value (SYST_CVR). SysTick counts
	// down from the reload value to zero.
	Val() uint32

	// SetEnable starts or stops the counter (SYST_CSR.ENABLE).
	SetEnable(enabled bool)

	// SetTickInt enables or disables the SysTick interrupt
	// (SYST_CSR.TICKINT).
	SetTickInt(enabled bool)

	// CountFlag reads SYST_CSR.COUNTFLAG: whether the counter reached zero
	// since the flag was last read. Reading clears the flag.
	CountFlag() bool
}

// Critical runs body with interrupts masked. The read-and-latch of the
// auto-clearing COUNTFLAG must not be preempted by another reader.
type Critical func(body func())

// Uptime adapts SysTick to [hwtime.UptimeCounter] and
// [hwtime.UptimeOverflow].
type Uptime struct {
	regs     Registers
	critical Critical
	latched  atomic.Bool
}

var (
	_ hwtime.UptimeCounter  = (*Uptime)(nil)
	_ hwtime.UptimeOverflow = (*Uptime)(nil)
)

// NewUptime configures SysTick as a free-running uptime source, reloading
// at the full 24-bit range. Call Start to begin counting.
func NewUptime(regs Registers, critical Critical) *Uptime {
	regs.SetReload(Max)
	return &Uptime{regs: regs, critical: critical}
}

// Start enables the counter.
func (x *Uptime) Start() {
	x.regs.SetEnable(true)
}

// Value returns the counter as an up-counting value in [0, Max].
func (x *Uptime) Value() uint32 {
	// SysTick counts down; the uptime port must count up.
	return Max - x.regs.Val()
}

// Max returns the maximum counter value.
func (x *Uptime) Max() uint32 { return Max }

// OverflowIntEnable enables the SysTick interrupt; counting down to zero
// triggers it.
func (x *Uptime) OverflowIntEnable() {
	x.regs.SetTickInt(true)
}

// IsPendingOverflow reports whether the counter wrapped since the last
// clear. The raw COUNTFLAG clears on read, so the observation is latched
// until ClearPendingOverflow, making re-reads idempotent across nested
// callers.
func (x *Uptime) IsPendingOverflow() (pending bool) {
	x.critical(func() {
		if x.regs.CountFlag() {
			x.latched.Store(true)
			pending = true
		} else {
			pending = x.latched.Load()
		}
	})
	return
}

// ClearPendingOverflow clears the latched flag.
func (x *Uptime) ClearPendingOverflow() {
	x.latched.Store(false)
}

// Cycles is the CPU cycle counter port used for spin waits, typically the
// DWT CYCCNT register.
type Cycles interface {
	// Cyccnt returns the free-running CPU cycle counter.
	Cyccnt() uint32
}

// Alarm adapts SysTick to [hwtime.AlarmCounter] and [hwtime.AlarmTimer].
//
// SysTick has no free-running compare channel, so the timer operates in
// [hwtime.AlarmOneShotOnly] mode: each arming reprograms the reload value
// and waits for a single wrap.
type Alarm struct {
	regs   Registers
	cycles Cycles
	fire   atomic.Pointer[func()]
}

var (
	_ hwtime.AlarmCounter    = (*Alarm)(nil)
	_ hwtime.AlarmTimerDelay = (*Alarm)(nil)
)

// NewAlarm configures SysTick as a one-shot alarm timer, installing its
// interrupt handler on token.
func NewAlarm(regs Registers, cycles Cycles, token hwtime.IntToken) *Alarm {
	x := &Alarm{regs: regs, cycles: cycles}
	token.Add(x.handleInterrupt)
	return x
}

// Value returns 0: the counter is not running between armings.
func (x *Alarm) Value() uint32 { return 0 }

// Spin busy-waits the given number of CPU cycles on the cycle counter.
func (x *Alarm) Spin(cycles uint32) {
	entry := x.cycles.Cyccnt()
	for x.cycles.Cyccnt()-entry < cycles {
	}
}

// Max returns the maximum one-shot duration.
func (x *Alarm) Max() uint32 { return Max }

// Mode returns [hwtime.AlarmOneShotOnly].
func (x *Alarm) Mode() hwtime.AlarmTimerMode { return hwtime.AlarmOneShotOnly }

// Delay arms a one-shot of duration ticks.
func (x *Alarm) Delay(duration uint32, fire func()) {
	x.fire.Store(&fire)
	x.regs.SetReload(duration)
	x.regs.SetTickInt(true)
	x.regs.SetEnable(true)
}

// Stop cancels the pending one-shot.
func (x *Alarm) Stop() {
	x.fire.Store(nil)
	x.regs.SetTickInt(false)
	x.regs.SetEnable(false)
}

func (x *Alarm) handleInterrupt() bool {
	if !x.regs.CountFlag() {
		return true
	}
	fire := x.fire.Swap(nil)
	x.regs.SetTickInt(false)
	x.regs.SetEnable(false)
	if fire != nil {
		(*fire)()
	}
	return true
}
