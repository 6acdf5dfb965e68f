// Package boottrace reads the kernel boot-trace log and joins its records into process
// observations.
//
// The log holds two record kinds per process, written independently by the kernel tracer:
//
//	ProcessStart{Pid, ParentPid, CreateTime}
//	ImageLoad{Pid, Timestamp, ImagePath}
//
// Joiner pairs them per PID when they are no more than the join window apart:
//
//	┌─────────┐  start      ┌──────────────┐  image (within window)  ┌────────┐
//	│  Empty  │ ──────────▶ │ StartPending │ ──────────────────────▶ │ Joined │
//	└─────────┘             └──────────────┘                         └────────┘
//	     │ image             ┌──────────────┐  start (within window)      ▲
//	     └─────────────────▶ │ ImagePending │ ────────────────────────────┘
//	                         └──────────────┘
//
// A pending half older than the window (measured against the newest record seen) is
// dropped, as is any half still pending when the log ends.
//
// Session abstracts starting and stopping the named trace session that produces the log.
// FileSession is the sensor side of a file protocol; Recorder is the tracer side, run by
// "lineage-sensor boottrace record" from early boot with the eBPF collector as its source.
package boottrace
