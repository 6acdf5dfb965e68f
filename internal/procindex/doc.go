// Package procindex is the process instance index.
//
// It maps PidHash -> ProcessInstance and keeps, per PID, a time-ordered timeline of every
// lifetime recorded for that PID, so a collector holding only a bare PID and a timestamp can
// find which lifetime was live at that instant.
//
//	byHash: PidHash ──▶ *ProcessInstance
//	byPid:  Pid ──▶ timeline (btree ordered by EventTimeUtc, then insertion order)
//
//	  pid 200:  [t=100 A] [t=500 A']
//	                 ▲          ▲
//	  ResolveAtTime(200,150)    ResolveAtTime(200,600)
//
// Queries (never fail, a miss yields the Unknown sentinel):
//   - ResolveAtTime(pid, t) - latest instance with EventTimeUtc <= t
//   - ResolveLatest(pid) - latest instance regardless of time
//   - Lookup(pidHash) - exact identity lookup
//
// Commands:
//   - Insert(instance) - idempotent per PidHash
//   - Remove(pidHash) - used by pruning and stop handling
//
// Removed instances are tombstoned: they leave the identity map immediately but stay
// resolvable by time for a grace period, so late observations timestamped before the removal
// still attribute to the right lifetime.
//
// Single-key operations are lock-free at the index level; each PID timeline has its own lock.
package procindex
