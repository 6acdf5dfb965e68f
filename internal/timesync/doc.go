// Package timesync converts kernel timestamps to the sensor's EventTimeUtc.
//
// eBPF events carry monotonic timestamps (nanoseconds since boot). The converter adds them to
// the host boot time reported by the host probe and yields nanoseconds since the Unix epoch.
package timesync
