// Package model holds the process records shared by the identity, index, lineage and pipeline packages.
package model

import (
	"fmt"
	"time"
)

// NotAvailable is the value given to augmentation fields that could not be resolved.
const NotAvailable = "NA"

// ActivityKind says why a process record was produced.
type ActivityKind uint8

// Activity kinds.
const (
	ActivityStart ActivityKind = iota + 1
	ActivityRefresh
	ActivityStop
)

// String returns the lower-case activity name used in logs and bus subjects.
func (k ActivityKind) String() string {
	switch k {
	case ActivityStart:
		return "start"
	case ActivityRefresh:
		return "refresh"
	case ActivityStop:
		return "stop"
	default:
		return fmt.Sprintf("activity(%d)", uint8(k))
	}
}

// MarshalText encodes the activity by name.
func (k ActivityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *ActivityKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "start":
		*k = ActivityStart
	case "refresh":
		*k = ActivityRefresh
	case "stop":
		*k = ActivityStop
	default:
		return fmt.Errorf("unknown activity %q", b)
	}
	return nil
}

// ProcessInstance is one observed lifetime of a PID.
//
// Instances handed out by the index and the lineage tree are shared; treat them as read-only
// and Clone before changing anything.
type ProcessInstance struct {
	Pid           uint32 `msgpack:"pid" json:"pid"`
	ParentPid     uint32 `msgpack:"ppid" json:"parent_pid"`
	PidHash       string `msgpack:"hash" json:"pid_hash"`
	ParentPidHash string `msgpack:"phash" json:"parent_pid_hash"`
	ProcessName   string `msgpack:"name" json:"process_name"`
	ProcessPath   string `msgpack:"path" json:"process_path"`
	CommandLine   string `msgpack:"cmdline" json:"command_line"`
	Arguments     string `msgpack:"args" json:"arguments"`
	User          string `msgpack:"user" json:"user"`
	MD5           string `msgpack:"md5" json:"md5"`
	SHA256        string `msgpack:"sha256" json:"sha256"`

	// EventTimeUtc is the instant this instance's identity became known, in nanoseconds since
	// the Unix epoch.
	EventTimeUtc int64 `msgpack:"t" json:"event_time_utc"`

	// EndTimeUtc is only set on stop records.
	EndTimeUtc int64 `msgpack:"-" json:"end_time_utc,omitempty"`

	Activity  ActivityKind `msgpack:"-" json:"activity"`
	Synthetic bool         `msgpack:"synthetic" json:"synthetic,omitempty"`
}

// Clone returns a shallow copy, which is a full copy since all fields are values.
func (p *ProcessInstance) Clone() *ProcessInstance {
	c := *p
	return &c
}

// EventTime returns EventTimeUtc as a time.Time.
func (p *ProcessInstance) EventTime() time.Time {
	return time.Unix(0, p.EventTimeUtc).UTC()
}

// IsKernelRoot reports whether p is the self-parented kernel instance at the top of the tree.
func (p *ProcessInstance) IsKernelRoot() bool {
	return p.Pid == KernelPid && p.ParentPidHash == p.PidHash
}

// RawProcess is a process observation as delivered by a collector, before identity resolution.
type RawProcess struct {
	Pid          uint32
	ParentPid    uint32
	EventTimeUtc int64
	Activity     ActivityKind
	Name         string
	Path         string
	CommandLine  string
	Arguments    string
	User         string

	// ParentPidHash, when set and known to the lineage tree, is used as-is instead of resolving
	// ParentPid. Used when re-deriving the agent's own record after a restart.
	ParentPidHash string
}

// ObservedPid implements Observation.
func (r *RawProcess) ObservedPid() uint32 { return r.Pid }

// ObservedAt implements Observation.
func (r *RawProcess) ObservedAt() int64 { return r.EventTimeUtc }

// ObservedParentPid implements ParentAware.
func (r *RawProcess) ObservedParentPid() uint32 { return r.ParentPid }

func (*RawProcess) observation() {}
