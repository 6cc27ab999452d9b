package hwtime

import (
	"fmt"
	"math"
)

// TimeSpan is a signed 64-bit count of ticks in the clock domain T.
//
// Arithmetic wraps at the int64 bounds; values anywhere near those bounds
// indicate a misconfigured tick frequency rather than a representable time.
type TimeSpan[T Tick] struct {
	ticks int64
}

// TimeSpanParts is the decomposition of a non-negative [TimeSpan] into
// calendar-free units.
type TimeSpanParts struct {
	Days         int
	Hours        int
	Minutes      int
	Seconds      int
	Milliseconds int
}

const (
	timeSpanMaxSeconds = math.MaxUint32
	timeSpanMaxMillis  = uint64(timeSpanMaxSeconds) * 1000
	timeSpanMaxDays    = timeSpanMaxSeconds / 60 / 60 / 24
)

// TimeSpanFromTicks constructs a span from a raw tick count.
func TimeSpanFromTicks[T Tick](ticks int64) TimeSpan[T] {
	return TimeSpan[T]{ticks: ticks}
}

// TimeSpanFromSeconds constructs a span from whole seconds.
func TimeSpanFromSeconds[T Tick](seconds uint32) TimeSpan[T] {
	return TimeSpan[T]{ticks: int64(seconds) * ticksPerSecond[T]()}
}

// TimeSpanFromMillis constructs a span from whole milliseconds, truncating
// any sub-tick remainder toward zero.
func TimeSpanFromMillis[T Tick](milliseconds uint64) TimeSpan[T] {
	if milliseconds > timeSpanMaxMillis {
		panic(`hwtime: timespan: milliseconds out of range`)
	}
	seconds := milliseconds / 1000
	subMillis := milliseconds - seconds*1000
	ticks := int64(seconds)*ticksPerSecond[T]() +
		(int64(subMillis)*ticksPerSecond[T]())/1000
	return TimeSpan[T]{ticks: ticks}
}

// NewTimeSpan constructs a span from its unit decomposition. Each component
// must be within its natural range (hours < 24, minutes and seconds < 60,
// milliseconds < 1000, days <= 49710); violations panic. The milliseconds
// component truncates any sub-tick remainder toward zero.
func NewTimeSpan[T Tick](parts TimeSpanParts) TimeSpan[T] {
	if parts.Days < 0 || parts.Days > timeSpanMaxDays {
		panic(`hwtime: timespan: days out of range`)
	}
	if parts.Hours < 0 || parts.Hours >= 24 {
		panic(`hwtime: timespan: hours out of range`)
	}
	if parts.Minutes < 0 || parts.Minutes >= 60 {
		panic(`hwtime: timespan: minutes out of range`)
	}
	if parts.Seconds < 0 || parts.Seconds >= 60 {
		panic(`hwtime: timespan: seconds out of range`)
	}
	if parts.Milliseconds < 0 || parts.Milliseconds >= 1000 {
		panic(`hwtime: timespan: milliseconds out of range`)
	}

	ticks := int64(parts.Days)*ticksPerDay[T]() +
		int64(parts.Hours)*ticksPerHour[T]() +
		int64(parts.Minutes)*ticksPerMinute[T]() +
		int64(parts.Seconds)*ticksPerSecond[T]() +
		(int64(parts.Milliseconds)*ticksPerSecond[T]())/1000
	return TimeSpan[T]{ticks: ticks}
}

// Ticks returns the raw tick count.
func (x TimeSpan[T]) Ticks() int64 {
	return x.ticks
}

// IsZero returns true for the zero span.
func (x TimeSpan[T]) IsZero() bool {
	return x.ticks == 0
}

// IsNegative returns true for spans below zero.
func (x TimeSpan[T]) IsNegative() bool {
	return x.ticks < 0
}

// Add returns x + y.
func (x TimeSpan[T]) Add(y TimeSpan[T]) TimeSpan[T] {
	return TimeSpan[T]{ticks: x.ticks + y.ticks}
}

// Sub returns x - y.
func (x TimeSpan[T]) Sub(y TimeSpan[T]) TimeSpan[T] {
	return TimeSpan[T]{ticks: x.ticks - y.ticks}
}

// Neg returns -x.
func (x TimeSpan[T]) Neg() TimeSpan[T] {
	return TimeSpan[T]{ticks: -x.ticks}
}

// Abs returns the non-negative magnitude of x. The minimum span has no
// representable magnitude and panics.
func (x TimeSpan[T]) Abs() TimeSpan[T] {
	if x.ticks == math.MinInt64 {
		panic(`hwtime: timespan: abs of minimum span`)
	}
	if x.ticks < 0 {
		return TimeSpan[T]{ticks: -x.ticks}
	}
	return x
}

// Cmp returns -1, 0, or 1 ordering x relative to y.
func (x TimeSpan[T]) Cmp(y TimeSpan[T]) int {
	switch {
	case x.ticks < y.ticks:
		return -1
	case x.ticks > y.ticks:
		return 1
	default:
		return 0
	}
}

// TotalSeconds returns the span in whole seconds, truncated toward zero.
func (x TimeSpan[T]) TotalSeconds() int64 {
	return x.ticks / ticksPerSecond[T]()
}

// TotalMillis returns the span in milliseconds, rounding the sub-second
// remainder to nearest.
func (x TimeSpan[T]) TotalMillis() int64 {
	seconds := x.TotalSeconds()
	subSeconds := x.ticks - seconds*ticksPerSecond[T]()
	return seconds*1000 +
		(subSeconds*1000+ticksPerSecond[T]()/2)/ticksPerSecond[T]()
}

// Parts decomposes a non-negative span into unit components, rounding the
// milliseconds component to nearest. Negative spans panic; format them via
// String, or take Abs first.
func (x TimeSpan[T]) Parts() TimeSpanParts {
	if x.ticks < 0 {
		panic(`hwtime: timespan: parts of negative span`)
	}
	return timeSpanParts[T](uint64(x.ticks))
}

func timeSpanParts[T Tick](ticks uint64) TimeSpanParts {
	var parts TimeSpanParts

	perDay := uint64(ticksPerDay[T]())
	parts.Days = int(ticks / perDay)
	ticks -= uint64(parts.Days) * perDay

	perHour := uint64(ticksPerHour[T]())
	parts.Hours = int(ticks / perHour)
	ticks -= uint64(parts.Hours) * perHour

	perMinute := uint64(ticksPerMinute[T]())
	parts.Minutes = int(ticks / perMinute)
	ticks -= uint64(parts.Minutes) * perMinute

	perSecond := uint64(ticksPerSecond[T]())
	parts.Seconds = int(ticks / perSecond)
	ticks -= uint64(parts.Seconds) * perSecond

	// round to nearest
	parts.Milliseconds = int((ticks*1000 + perSecond/2) / perSecond)

	return parts
}

// String renders the span as [-]DdHH:MM:SS.mmm.
func (x TimeSpan[T]) String() string {
	magnitude := uint64(x.ticks)
	sign := ""
	if x.ticks < 0 {
		magnitude = uint64(-(x.ticks + 1)) + 1
		sign = "-"
	}
	parts := timeSpanParts[T](magnitude)
	return fmt.Sprintf(
		"%s%dd%02d:%02d:%02d.%03d",
		sign, parts.Days, parts.Hours, parts.Minutes, parts.Seconds, parts.Milliseconds,
	)
}

// AddTo projects a [DateTime] forward by this span, truncating to whole
// seconds. Negative spans move the date backward.
func (x TimeSpan[T]) AddTo(dt DateTime) DateTime {
	return DateTime{seconds: uint32(int64(dt.seconds) + x.TotalSeconds())}
}

// SubFrom projects a [DateTime] backward by this span, truncating to whole
// seconds.
func (x TimeSpan[T]) SubFrom(dt DateTime) DateTime {
	return DateTime{seconds: uint32(int64(dt.seconds) - x.TotalSeconds())}
}

func ticksPerSecond[T Tick]() int64 {
	return int64(tickFreq[T]())
}

func ticksPerMinute[T Tick]() int64 {
	return ticksPerSecond[T]() * 60
}

func ticksPerHour[T Tick]() int64 {
	return ticksPerMinute[T]() * 60
}

func ticksPerDay[T Tick]() int64 {
	return ticksPerHour[T]() * 24
}
