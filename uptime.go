package hwtime

// Uptime is a monotone clock in the tick domain T, assembled from a narrow
// hardware counter. Values returned by Now never decrease, regardless of how
// callers interleave or preempt each other.
type Uptime[T Tick] interface {
	// Counter returns the raw hardware counter value.
	Counter() uint32

	// Now samples the clock, returning the non-wrapping time since the
	// uptime was started.
	Now() TimeSpan[T]
}

// UptimeCounter is the read-only counter port backing an uptime clock.
type UptimeCounter interface {
	// Value returns the current hardware counter. It must be monotone in
	// [0, Max] and may only decrease by wrapping past Max.
	Value() uint32
}

// UptimeOverflow is the overflow-flag control port backing an uptime clock.
//
// The pending flag must have latched semantics: repeated IsPendingOverflow
// calls observe the same pending overflow until ClearPendingOverflow runs.
// Hardware whose raw flag auto-clears on read must latch the observation;
// the systick subpackage is the canonical example.
type UptimeOverflow interface {
	// Max returns the maximum counter value. The timer period is Max+1.
	Max() uint32

	// OverflowIntEnable enables the counter overflow interrupt.
	OverflowIntEnable()

	// IsPendingOverflow reports whether the counter has overflowed since the
	// flag was last cleared.
	IsPendingOverflow() bool

	// ClearPendingOverflow clears the pending flag.
	ClearPendingOverflow()
}

// IntToken is the capability to install a handler for a specific hardware
// interrupt. Constructing an uptime or alarm driver consumes one.
type IntToken interface {
	// Add installs handler, invoked on every interrupt until it returns
	// false, at which point it is detached.
	Add(handler func() bool)
}
