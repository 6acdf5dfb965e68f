package identity

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/lineage-sensor/internal/model"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("ctx", "host-a", 7412, 1700000000000000000, KindProcess)
	b := Fingerprint("ctx", "host-a", 7412, 1700000000000000000, KindProcess)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32, "128-bit digest, hex encoded")
}

func TestFingerprint_KnownValue(t *testing.T) {
	// md5("Process_ID`ctx`10`host`100`")
	got := Fingerprint("ctx", "host", 100, 10, KindProcess)
	assert.Equal(t, digest("Process_ID`ctx`10`host`100`"), got)
}

func TestFingerprint_InputsChangeDigest(t *testing.T) {
	base := Fingerprint("ctx", "host", 100, 10, KindProcess)

	tests := []struct {
		name string
		got  string
	}{
		{"context", Fingerprint("other", "host", 100, 10, KindProcess)},
		{"hostname", Fingerprint("ctx", "host2", 100, 10, KindProcess)},
		{"pid", Fingerprint("ctx", "host", 101, 10, KindProcess)},
		{"time", Fingerprint("ctx", "host", 100, 11, KindProcess)},
		{"kind", Fingerprint("ctx", "host", 100, 10, KindFile)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.got)
		})
	}
}

func TestPreimage_Grammar(t *testing.T) {
	assert.Equal(t, "Process_ID`a`b`c`", preimage(KindProcess, "a", "b", "c"))
	assert.Equal(t, "File_ID`", preimage(KindFile))
}

func TestHasher_ProcessMatchesFingerprint(t *testing.T) {
	h := New("ctx", "host")
	assert.Equal(t, Fingerprint("ctx", "host", 42, 99, KindProcess), h.Process(42, 99))
	assert.Equal(t, "host", h.Hostname())
}

func TestHasher_EntityFingerprints(t *testing.T) {
	h := New("ctx", "host")
	other := New("ctx", "other-host")

	assert.Equal(t, h.File("/etc/passwd"), h.File("/etc/passwd"))
	assert.NotEqual(t, h.File("/etc/passwd"), other.File("/etc/passwd"), "files are host-scoped")

	assert.Equal(t, h.RegistryValue(`HKLM\Software\Run`, "x"), h.RegistryValue(`hklm\software\run`, "x"),
		"key paths are case-insensitive")

	addr := netip.MustParseAddr("10.0.0.5")
	assert.Equal(t, h.IPv4(addr), other.IPv4(addr), "addresses join across hosts")
	assert.Equal(t, h.IPv4(addr), h.IPv4(netip.MustParseAddr("::ffff:10.0.0.5")))

	src := netip.MustParseAddrPort("10.0.0.1:40000")
	dst := netip.MustParseAddrPort("10.0.0.5:5432")
	assert.Equal(t, h.Flow("TCP", src, dst), h.Flow("tcp", src, dst))
	assert.NotEqual(t, h.Flow("tcp", src, dst), h.Flow("tcp", dst, src))
}

func TestHasher_Sentinels(t *testing.T) {
	h := New("ctx", "host")
	s := h.Sentinels()

	require.True(t, s.Kernel.IsKernelRoot())
	assert.Equal(t, model.KernelPid, s.Kernel.Pid)
	assert.Equal(t, model.IdlePid, s.Idle.Pid)
	assert.Equal(t, model.UnknownPid, s.Unknown.Pid)
	assert.Equal(t, model.RegistryPid, s.Registry.Pid)

	for _, inst := range []*model.ProcessInstance{s.Idle, s.Registry, s.Unknown} {
		assert.Equal(t, s.Kernel.PidHash, inst.ParentPidHash)
		assert.True(t, inst.Synthetic)
		assert.Zero(t, inst.EventTimeUtc)
	}

	// Stable across runs.
	again := New("ctx", "host").Sentinels()
	assert.Equal(t, s.Unknown.PidHash, again.Unknown.PidHash)
	assert.Equal(t, s.Kernel, s.All()[0])
}
