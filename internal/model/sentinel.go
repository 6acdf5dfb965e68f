package model

// Synthetic process IDs. They never come from a collector.
const (
	IdlePid     uint32 = 0
	UnknownPid  uint32 = 1
	KernelPid   uint32 = 4
	RegistryPid uint32 = 0xFFFFFFFE
)

// Sentinel process names.
const (
	KernelName   = "System"
	IdleName     = "Idle"
	RegistryName = "Registry"
	UnknownName  = "Unknown"
)

// Sentinels are the four permanent synthetic instances materialized at startup.
type Sentinels struct {
	Kernel   *ProcessInstance
	Idle     *ProcessInstance
	Registry *ProcessInstance
	Unknown  *ProcessInstance
}

// All returns the sentinels with the kernel first, so they can be added to a tree in order.
func (s Sentinels) All() []*ProcessInstance {
	return []*ProcessInstance{s.Kernel, s.Idle, s.Registry, s.Unknown}
}
