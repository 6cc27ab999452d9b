// Package hwtime provides a bare-metal time subsystem built on a narrow,
// free-running hardware timer counter: a monotone 64-bit uptime clock, an
// alarm multiplexer that schedules many timeouts over a single hardware
// compare channel, and a wall-clock projection anchored to uptime.
//
// # Architecture
//
// The package is a library of cores and ports. The cores ([UptimeDrv],
// [AlarmDrv], [Watch]) contain all of the concurrency-sensitive logic and are
// hardware-agnostic. The ports ([UptimeCounter], [UptimeOverflow],
// [AlarmCounter], [AlarmTimer], [IntToken]) are the small interfaces a
// register-level driver layer must implement; see the systick and hosted
// subpackages for adapters.
//
// Every time-bearing type is generic over a [Tick], a zero-size marker type
// carrying the tick frequency of its clock domain. Two [TimeSpan] values from
// different domains cannot be mixed without an explicit conversion, enforced
// at compile time.
//
// # Concurrency Model
//
// The cores are written for a single CPU with nested interrupt preemption:
// "concurrent" means invoked from interrupt contexts that may preempt each
// other at any instruction. [UptimeDrv.Now] is lock-free and strictly
// non-decreasing across any interleaving of preempting callers. [AlarmDrv]
// subscription state transitions use atomic compare-and-swap so that the
// timer-fire path and handle holders never lose a wakeup.
//
// On hosted platforms the same discipline makes the cores safe for ordinary
// goroutine concurrency.
package hwtime
