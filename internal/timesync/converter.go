package timesync

import (
	"time"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter anchored at bootTime. A zero bootTime falls back to an
// estimate one hour in the past so events still get a plausible ordering.
func NewConverter(bootTime time.Time) *Converter {
	if bootTime.IsZero() {
		bootTime = time.Now().Add(-time.Hour)
	}
	return &Converter{bootTime: bootTime.UTC()}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// ToEventTime converts a monotonic timestamp to EventTimeUtc (Unix nanoseconds).
func (c *Converter) ToEventTime(monotonicNanos uint64) int64 {
	return c.MonotonicToWallClock(monotonicNanos).UnixNano()
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}
