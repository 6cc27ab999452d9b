//go:build !linux

package hosted

import "time"

var processStart = time.Now()

// monotonicNanos falls back to the runtime's monotonic reading on platforms
// without a direct clock_gettime binding.
func monotonicNanos() int64 {
	return int64(time.Since(processStart))
}
