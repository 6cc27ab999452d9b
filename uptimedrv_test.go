package hwtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUptimeMax = 0xFFFF

func newTestUptime(t *testing.T) (*UptimeDrv[testTick], *fakeUptimeHW, *fakeIntToken) {
	t.Helper()
	hw := &fakeUptimeHW{max: testUptimeMax}
	token := &fakeIntToken{}
	uptime, err := NewUptimeDrv[testTick](hw, hw, token)
	require.NoError(t, err)
	require.True(t, hw.intEnabled)
	require.NotNil(t, token.handler)
	return uptime, hw, token
}

func TestUptimeDrvNilPort(t *testing.T) {
	_, err := NewUptimeDrv[testTick](nil, nil, nil)
	require.Error(t, err)
}

func TestUptimeDrvNow(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	// Counter at 0, no overflow pending.
	assert.Equal(t, int64(0), uptime.Now().Ticks())

	// Counter advances to max, overflow still not pending.
	hw.value = testUptimeMax
	assert.Equal(t, int64(testUptimeMax), uptime.Now().Ticks())
	assert.Equal(t, uint32(testUptimeMax), uptime.Counter())

	// Counter wraps to 0, overflow pending.
	hw.wrap(0)
	assert.Equal(t, int64(testUptimeMax+1), uptime.Now().Ticks())
	assert.Equal(t, 1, hw.clears)

	// The flag stays serviced; time keeps counting within the new period.
	hw.value = 100
	assert.Equal(t, int64(testUptimeMax+1+100), uptime.Now().Ticks())
}

func TestUptimeDrvOverflowAccumulation(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	const period = testUptimeMax + 1
	for k := 1; k <= 5; k++ {
		hw.wrap(0)
		for _, counter := range []uint32{0, 1, 1234, testUptimeMax} {
			hw.value = counter
			assert.Equal(t, int64(k*period)+int64(counter), uptime.Now().Ticks())
		}
	}
}

func TestUptimeDrvMonotone(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	var last int64
	step := func() {
		now := uptime.Now().Ticks()
		if now < last {
			t.Fatalf(`now went backwards: %d < %d`, now, last)
		}
		last = now
	}

	for _, counter := range []uint32{0, 10, 1000, testUptimeMax} {
		hw.value = counter
		step()
	}
	hw.wrap(0)
	step()
	hw.value = 500
	step()
	hw.wrap(3)
	step()
	hw.value = testUptimeMax
	step()
	hw.wrap(0)
	step()
}

func TestUptimeDrvReentrantObservation(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	hw.value = 10
	hw.pending = true

	// A higher-priority caller preempts the outer Now between its first
	// counter sample and its overflow observation, services the same flag,
	// and returns. Both calls must return the same overflow count, and the
	// flag is committed and cleared only once.
	var nested int64
	hw.pendingHook = func(*fakeUptimeHW) {
		nested = uptime.Now().Ticks()
	}

	outer := uptime.Now().Ticks()
	const period = testUptimeMax + 1
	assert.Equal(t, int64(period+10), nested)
	assert.Equal(t, int64(period+10), outer)
	assert.Equal(t, 1, hw.clears)

	// The deferred sentinel advance must still deliver the next overflow as
	// exactly one more period.
	hw.wrap(20)
	assert.Equal(t, int64(2*period+20), uptime.Now().Ticks())
}

func TestUptimeDrvWrapDuringNow(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	// The counter wraps between the two samples of one Now invocation; the
	// inconsistent sample must be retried, not returned.
	hw.value = testUptimeMax
	hw.valueHook = func(x *fakeUptimeHW) {
		x.wrap(0)
	}

	const period = testUptimeMax + 1
	assert.Equal(t, int64(period), uptime.Now().Ticks())
}

func TestUptimeDrvInterruptHandlerAccumulates(t *testing.T) {
	uptime, hw, token := newTestUptime(t)

	// The handler's sole duty is to force an accumulation when the flag is
	// pending, so Now runs at least once per period.
	hw.wrap(42)
	token.interrupt(t)
	assert.Equal(t, 1, hw.clears)
	assert.Equal(t, int64(testUptimeMax+1+42), uptime.Now().Ticks())
}

func TestUptimeDrvClose(t *testing.T) {
	uptime, hw, token := newTestUptime(t)

	uptime.Close()
	hw.wrap(0)
	token.interrupt(t)
	assert.Nil(t, token.handler)
	// The flag was not serviced by the detached handler.
	assert.Equal(t, 0, hw.clears)
}

func TestUptimeDrvCounterContractViolationPanics(t *testing.T) {
	uptime, hw, _ := newTestUptime(t)

	hw.value = testUptimeMax + 1
	require.Panics(t, func() { uptime.Now() })
}
