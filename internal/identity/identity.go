// Package identity derives stable, collision-resistant fingerprints for observed entities.
//
// Every fingerprint is the hex MD5 of a backtick-separated pre-image that starts with a type
// discriminator ("Process_ID", "File_ID", ...). Independently collected streams can be joined
// later by comparing fingerprints, without a shared database.
//
// Fingerprints are pure functions of their inputs: rehashing the same inputs on another run
// yields the same value, which is what lets a restored snapshot line up with live observations.
package identity

import (
	"crypto/md5" //nolint:gosec // identity digest, not a security boundary
	"encoding/hex"
	"net/netip"
	"strconv"
	"strings"

	"github.com/mrzor/lineage-sensor/internal/model"
)

// Kind is the type discriminator embedded in a pre-image.
type Kind string

// Fingerprint kinds.
const (
	KindProcess  Kind = "Process"
	KindFile     Kind = "File"
	KindRegistry Kind = "Registry"
	KindIPv4     Kind = "IPv4"
	KindFlow     Kind = "Flow"
)

const sep = "`"

// Fingerprint returns the process-style identity for (context, hostname, pid, firstEventTimeUtc, kind).
func Fingerprint(context, hostname string, pid uint32, firstEventTimeUtc int64, kind Kind) string {
	return digest(preimage(kind,
		context,
		strconv.FormatInt(firstEventTimeUtc, 10),
		hostname,
		strconv.FormatUint(uint64(pid), 10),
	))
}

// preimage renders "<kind>_ID`field`field`...`".
func preimage(kind Kind, fields ...string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteString("_ID")
	b.WriteString(sep)
	for _, f := range fields {
		b.WriteString(f)
		b.WriteString(sep)
	}
	return b.String()
}

func digest(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// Hasher binds the host-wide inputs (context, hostname) so collectors only pass what they observed.
type Hasher struct {
	context  string
	hostname string
}

// New returns a Hasher for the given identity context and hostname.
func New(context, hostname string) *Hasher {
	return &Hasher{context: context, hostname: hostname}
}

// Hostname returns the hostname embedded in process and file fingerprints.
func (h *Hasher) Hostname() string { return h.hostname }

// Process fingerprints one lifetime of pid that became known at eventTimeUtc.
func (h *Hasher) Process(pid uint32, eventTimeUtc int64) string {
	return Fingerprint(h.context, h.hostname, pid, eventTimeUtc, KindProcess)
}

// File fingerprints a path on this host.
func (h *Hasher) File(path string) string {
	return digest(preimage(KindFile, h.context, h.hostname, path))
}

// RegistryValue fingerprints a configuration value on this host.
func (h *Hasher) RegistryValue(keyPath, valueName string) string {
	return digest(preimage(KindRegistry, h.context, h.hostname, strings.ToLower(keyPath), valueName))
}

// IPv4 fingerprints an address. The hostname is left out so the same peer joins across hosts.
// Non-IPv4 addresses are rendered in their canonical form under the same grammar.
func (h *Hasher) IPv4(addr netip.Addr) string {
	return digest(preimage(KindIPv4, h.context, addr.Unmap().String()))
}

// Flow fingerprints a 5-tuple.
func (h *Hasher) Flow(protocol string, src, dst netip.AddrPort) string {
	return digest(preimage(KindFlow, h.context,
		strings.ToLower(protocol),
		src.Addr().Unmap().String(),
		strconv.FormatUint(uint64(src.Port()), 10),
		dst.Addr().Unmap().String(),
		strconv.FormatUint(uint64(dst.Port()), 10),
	))
}

// Sentinels builds the four synthetic instances. Their EventTimeUtc is 0 so that their identity is
// the same on every run and any real instance sharing the PID supersedes them in time lookups.
func (h *Hasher) Sentinels() model.Sentinels {
	kernel := h.sentinel(model.KernelPid, model.KernelName)
	kernel.ParentPid = model.KernelPid
	kernel.ParentPidHash = kernel.PidHash

	child := func(pid uint32, name string) *model.ProcessInstance {
		inst := h.sentinel(pid, name)
		inst.ParentPid = model.KernelPid
		inst.ParentPidHash = kernel.PidHash
		return inst
	}

	return model.Sentinels{
		Kernel:   kernel,
		Idle:     child(model.IdlePid, model.IdleName),
		Registry: child(model.RegistryPid, model.RegistryName),
		Unknown:  child(model.UnknownPid, model.UnknownName),
	}
}

func (h *Hasher) sentinel(pid uint32, name string) *model.ProcessInstance {
	return &model.ProcessInstance{
		Pid:         pid,
		PidHash:     h.Process(pid, 0),
		ProcessName: name,
		ProcessPath: model.NotAvailable,
		CommandLine: model.NotAvailable,
		User:        model.NotAvailable,
		MD5:         model.NotAvailable,
		SHA256:      model.NotAvailable,
		Activity:    model.ActivityRefresh,
		Synthetic:   true,
	}
}
