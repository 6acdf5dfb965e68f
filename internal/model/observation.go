package model

import "net/netip"

// Observation is anything a collector saw a process do at some instant.
// The variants are RawProcess, FileObservation, RegistryObservation, NetworkObservation and
// MemoryObservation.
type Observation interface {
	ObservedPid() uint32
	ObservedAt() int64
	observation()
}

// ParentAware is implemented by observations that carry the parent PID.
type ParentAware interface {
	ObservedParentPid() uint32
}

// FileObservation is a file operation.
type FileObservation struct {
	Pid          uint32
	EventTimeUtc int64
	Path         string
	Operation    string
}

func (o *FileObservation) ObservedPid() uint32 { return o.Pid }
func (o *FileObservation) ObservedAt() int64   { return o.EventTimeUtc }
func (*FileObservation) observation()          {}

// RegistryObservation is a write to a configuration value (key path + value name).
type RegistryObservation struct {
	Pid          uint32
	EventTimeUtc int64
	KeyPath      string
	ValueName    string
}

func (o *RegistryObservation) ObservedPid() uint32 { return o.Pid }
func (o *RegistryObservation) ObservedAt() int64   { return o.EventTimeUtc }
func (*RegistryObservation) observation()          {}

// NetworkObservation is a connection 5-tuple.
type NetworkObservation struct {
	Pid          uint32
	EventTimeUtc int64
	Protocol     string
	Source       netip.AddrPort
	Destination  netip.AddrPort
}

func (o *NetworkObservation) ObservedPid() uint32 { return o.Pid }
func (o *NetworkObservation) ObservedAt() int64   { return o.EventTimeUtc }
func (*NetworkObservation) observation()          {}

// MemoryObservation is a cross-process memory access.
type MemoryObservation struct {
	Pid          uint32
	EventTimeUtc int64
	TargetPid    uint32
	Address      uint64
}

func (o *MemoryObservation) ObservedPid() uint32 { return o.Pid }
func (o *MemoryObservation) ObservedAt() int64   { return o.EventTimeUtc }
func (*MemoryObservation) observation()          {}
