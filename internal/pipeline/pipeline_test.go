package pipeline

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/lineage-sensor/internal/hashcache"
	"github.com/mrzor/lineage-sensor/internal/identity"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/model"
)

type capture struct {
	mu   sync.Mutex
	recs []*model.ProcessInstance
}

func (c *capture) Publish(rec *model.ProcessInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *capture) count(activity model.ActivityKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.recs {
		if r.Activity == activity {
			n++
		}
	}
	return n
}

func (c *capture) last() *model.ProcessInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recs[len(c.recs)-1]
}

type users map[uint32]string

func (u users) Username(pid uint32) (string, error) {
	if name, ok := u[pid]; ok {
		return name, nil
	}
	return "", errors.New("no such user")
}

type digests struct{}

func (digests) Lookup(path string) (hashcache.Digests, error) {
	if path == "/bin/unreadable" {
		return hashcache.Digests{}, errors.New("permission denied")
	}
	return hashcache.Digests{MD5: "md5:" + path, SHA256: "sha:" + path}, nil
}

var hasher = identity.New("test", "host")

func newPipeline(t *testing.T) (*Pipeline, *capture) {
	t.Helper()
	c := &capture{}
	p, err := New(Options{
		Hasher:            hasher,
		Users:             users{200: "alice"},
		Digests:           digests{},
		Publisher:         c,
		IndexSoftCapacity: 100,
		TombstoneGrace:    time.Hour,
		EmittedSetSize:    128,
		Logger:            zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	p.PublishSentinels()
	return p, c
}

func start(pid, ppid uint32, t int64, path string) *model.RawProcess {
	return &model.RawProcess{Pid: pid, ParentPid: ppid, EventTimeUtc: t, Activity: model.ActivityStart, Path: path}
}

func TestNew_RequiresHasher(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestPipeline_SentinelsPublished(t *testing.T) {
	p, c := newPipeline(t)

	assert.Equal(t, 4, p.Tree().Len())
	assert.Equal(t, 4, p.Index().Len())
	assert.Equal(t, 4, c.count(model.ActivityRefresh))
	assert.Same(t, p.Sentinels().Kernel, p.Tree().Root())
}

func TestPipeline_PidReuseScenario(t *testing.T) {
	p, _ := newPipeline(t)

	a := p.PublishProcess(start(200, model.UnknownPid, 100, "/bin/a"))
	assert.Equal(t, p.Sentinels().Unknown.PidHash, a.ParentPidHash)
	assert.Equal(t, a.PidHash, p.ResolveAtTime(200, 150).PidHash)

	a2 := p.PublishProcess(start(200, model.UnknownPid, 500, "/bin/a"))
	assert.NotEqual(t, a.PidHash, a2.PidHash)
	assert.Equal(t, a.PidHash, p.ResolveAtTime(200, 150).PidHash)
	assert.Equal(t, a2.PidHash, p.ResolveAtTime(200, 600).PidHash)
	assert.Equal(t, a2.PidHash, p.ResolveLatest(200).PidHash)
}

func TestPipeline_Augmentation(t *testing.T) {
	p, c := newPipeline(t)

	parent := p.PublishProcess(start(100, 1, 10, "/usr/bin/bash"))
	child := p.PublishProcess(&model.RawProcess{
		Pid: 200, ParentPid: 100, EventTimeUtc: 20, Activity: model.ActivityStart,
		Path: "/usr/bin/vim", CommandLine: "vim notes.txt", Arguments: "notes.txt",
	})

	assert.Equal(t, hasher.Process(200, 20), child.PidHash)
	assert.Equal(t, parent.PidHash, child.ParentPidHash)
	assert.Equal(t, "vim", child.ProcessName, "name falls back to the path base")
	assert.Equal(t, "alice", child.User)
	assert.Equal(t, "md5:/usr/bin/vim", child.MD5)
	assert.Equal(t, "sha:/usr/bin/vim", child.SHA256)

	assert.Equal(t, model.NotAvailable, parent.User, "user lookup failure")

	rec := c.last()
	assert.Equal(t, model.ActivityStart, rec.Activity)
	assert.Equal(t, child.PidHash, rec.PidHash)
	assert.NotSame(t, child, rec, "the bus gets a copy")

	bare := p.PublishProcess(&model.RawProcess{Pid: 300, ParentPid: 9999, EventTimeUtc: 30, Path: "/bin/unreadable"})
	assert.Equal(t, p.Sentinels().Unknown.PidHash, bare.ParentPidHash, "unknown parent")
	assert.Equal(t, model.NotAvailable, bare.MD5)
	assert.Equal(t, "unreadable", bare.ProcessName)
	assert.Equal(t, model.NotAvailable, bare.CommandLine)
}

func TestPipeline_ExplicitParentHash(t *testing.T) {
	p, _ := newPipeline(t)
	parent := p.PublishProcess(start(100, 1, 10, "/sbin/agent-launcher"))
	p.PublishProcess(start(100, 1, 50, "/sbin/other")) // newer lifetime of pid 100

	self := p.PublishProcess(&model.RawProcess{
		Pid: 400, ParentPid: 100, EventTimeUtc: 60, Activity: model.ActivityRefresh,
		ParentPidHash: parent.PidHash,
	})
	assert.Equal(t, parent.PidHash, self.ParentPidHash)

	stale := p.PublishProcess(&model.RawProcess{
		Pid: 401, ParentPid: 100, EventTimeUtc: 61, ParentPidHash: "not-in-tree",
	})
	assert.Equal(t, p.ResolveLatest(100).PidHash, stale.ParentPidHash)
}

func TestPipeline_RefreshDeduplicated(t *testing.T) {
	p, c := newPipeline(t)
	raw := &model.RawProcess{Pid: 200, ParentPid: 1, EventTimeUtc: 100, Activity: model.ActivityRefresh}

	first := p.PublishProcess(raw)
	second := p.PublishProcess(raw)

	assert.Same(t, first, second)
	assert.Equal(t, 5, c.count(model.ActivityRefresh), "4 sentinels and one refresh")
	assert.Equal(t, 5, p.Index().Len())

	assert.Equal(t, 5, p.Republish())
	assert.Equal(t, 10, c.count(model.ActivityRefresh), "republish re-emits everything once")
}

func TestPipeline_Stop(t *testing.T) {
	p, c := newPipeline(t)
	parent := p.PublishProcess(start(100, 1, 10, "/bin/sh"))
	child := p.PublishProcess(start(200, 100, 20, "/bin/sleep"))

	// Parent exits first: it keeps its node since it has a child.
	p.PublishProcess(&model.RawProcess{Pid: 100, EventTimeUtc: 30, Activity: model.ActivityStop})
	assert.True(t, p.Tree().Contains(parent.PidHash))

	// Child exit, reported with the reaper as parent.
	stop := p.PublishProcess(&model.RawProcess{Pid: 200, ParentPid: 1, EventTimeUtc: 40, Activity: model.ActivityStop})
	assert.Equal(t, child.PidHash, stop.PidHash)
	assert.Equal(t, int64(40), stop.EndTimeUtc)
	assert.Equal(t, 2, c.count(model.ActivityStop))

	assert.False(t, p.Tree().Contains(child.PidHash))
	_, ok := p.Index().Lookup(child.PidHash)
	assert.False(t, ok)
	assert.Equal(t, child.PidHash, p.ResolveAtTime(200, 35).PidHash, "tombstoned for late observations")

	unknownStop := p.PublishProcess(&model.RawProcess{Pid: 999, EventTimeUtc: 50, Activity: model.ActivityStop})
	assert.Equal(t, p.Sentinels().Unknown.PidHash, unknownStop.PidHash)
	assert.Equal(t, uint32(999), unknownStop.Pid)
}

func TestPipeline_LateStopSparesReusedPid(t *testing.T) {
	p, c := newPipeline(t)
	a := p.PublishProcess(start(200, 1, 100, "/bin/sh"))
	p.PublishProcess(&model.RawProcess{Pid: 200, ParentPid: 1, EventTimeUtc: 150, Activity: model.ActivityStop})
	b := p.PublishProcess(start(200, 1, 500, "/bin/sh"))
	child := p.PublishProcess(start(201, 200, 510, "/bin/sleep"))

	late := p.PublishProcess(&model.RawProcess{Pid: 200, ParentPid: 1, EventTimeUtc: 140, Activity: model.ActivityStop})
	assert.Equal(t, a.PidHash, late.PidHash)
	assert.Equal(t, 2, c.count(model.ActivityStop))

	assert.True(t, p.Tree().Contains(b.PidHash))
	_, ok := p.Index().Lookup(b.PidHash)
	assert.True(t, ok)
	assert.Equal(t, b.PidHash, child.ParentPidHash)
	assert.Equal(t, b.PidHash, p.ResolveAtTime(200, 600).PidHash)

	// B's own stop still detaches it once its child is gone.
	p.PublishProcess(&model.RawProcess{Pid: 201, ParentPid: 200, EventTimeUtc: 520, Activity: model.ActivityStop})
	p.PublishProcess(&model.RawProcess{Pid: 200, ParentPid: 1, EventTimeUtc: 530, Activity: model.ActivityStop})
	assert.False(t, p.Tree().Contains(b.PidHash))
}

type liveness map[uint32]string

func (l liveness) IsAlive(pid uint32) bool { _, ok := l[pid]; return ok }

func (l liveness) LiveProcesses() (map[uint32]string, error) { return l, nil }

func TestPipeline_Prune(t *testing.T) {
	p, _ := newPipeline(t)
	parent := p.PublishProcess(start(100, 1, 10, "/bin/sh"))
	dead := p.PublishProcess(start(200, 100, 20, "/bin/true"))
	alive := p.PublishProcess(start(300, 1, 30, "/bin/cat"))

	n, err := p.Prune(liveness{300: "cat"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, p.Tree().Contains(dead.PidHash))
	assert.True(t, p.Tree().Contains(parent.PidHash))
	assert.True(t, p.Tree().Contains(alive.PidHash))

	_, ok := p.Index().Lookup(dead.PidHash)
	assert.False(t, ok)
}

func TestPipeline_PruneDuringPublishKeepsIndexInTree(t *testing.T) {
	p, _ := newPipeline(t)

	var pruner, wg sync.WaitGroup
	stop := make(chan struct{})
	pruner.Add(1)
	go func() {
		defer pruner.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = p.Prune(liveness{})
			}
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p.PublishProcess(start(uint32(1000+w*1000+i), 1, int64(i+1), ""))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	pruner.Wait()

	p.Index().Range(func(inst *model.ProcessInstance) bool {
		assert.True(t, p.Tree().Contains(inst.PidHash), "index holds %d, tree does not", inst.Pid)
		return true
	})
}

func TestPipeline_Attribute(t *testing.T) {
	p, _ := newPipeline(t)
	a := p.PublishProcess(start(200, 1, 100, "/bin/a"))
	b := p.PublishProcess(start(300, 1, 100, "/bin/b"))

	tests := []struct {
		name       string
		obs        model.Observation
		wantProc   string
		wantEntity string
	}{
		{
			name:       "file",
			obs:        &model.FileObservation{Pid: 200, EventTimeUtc: 150, Path: "/etc/shadow"},
			wantProc:   a.PidHash,
			wantEntity: hasher.File("/etc/shadow"),
		},
		{
			name:       "registry before process start",
			obs:        &model.RegistryObservation{Pid: 200, EventTimeUtc: 50, KeyPath: `HKLM\Run`, ValueName: "x"},
			wantProc:   p.Sentinels().Unknown.PidHash,
			wantEntity: hasher.RegistryValue(`HKLM\Run`, "x"),
		},
		{
			name:       "memory",
			obs:        &model.MemoryObservation{Pid: 200, EventTimeUtc: 150, TargetPid: 300},
			wantProc:   a.PidHash,
			wantEntity: b.PidHash,
		},
		{
			name:       "process",
			obs:        &model.RawProcess{Pid: 300, EventTimeUtc: 150},
			wantProc:   b.PidHash,
			wantEntity: b.PidHash,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Attribute(tt.obs)
			assert.Equal(t, tt.wantProc, got.Process.PidHash)
			assert.Equal(t, tt.wantEntity, got.EntityHash)
		})
	}

	src := netip.MustParseAddrPort("10.0.0.1:40000")
	dst := netip.MustParseAddrPort("10.0.0.9:443")
	got := p.Attribute(&model.NetworkObservation{Pid: 300, EventTimeUtc: 200, Protocol: "tcp", Source: src, Destination: dst})
	assert.Equal(t, b.PidHash, got.Process.PidHash)
	assert.Equal(t, hasher.Flow("tcp", src, dst), got.EntityHash)
	assert.Equal(t, hasher.IPv4(dst.Addr()), got.PeerHash)
}

func TestPipeline_SnapshotRestore(t *testing.T) {
	p, _ := newPipeline(t)
	a := p.PublishProcess(start(100, 1, 10, "/bin/sh"))
	b := p.PublishProcess(start(200, 100, 20, "/bin/vim"))
	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, p.Snapshot(path))

	restored, err := lineage.ReadFile(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	q, c := newPipeline(t)
	assert.Equal(t, 2, q.Restore(restored))
	assert.Equal(t, 6, q.Tree().Len())
	assert.Equal(t, a.PidHash, q.ResolveAtTime(100, 15).PidHash)

	chain, err := q.Tree().CallChain(b.PidHash)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, a.PidHash, chain[2].PidHash)
	assert.Equal(t, 6, c.count(model.ActivityRefresh))
}

type host struct {
	procs map[uint32]*model.RawProcess
}

func (h *host) Processes() ([]uint32, error) {
	out := make([]uint32, 0, len(h.procs))
	for pid := range h.procs {
		out = append(out, pid)
	}
	return out, nil
}

func (h *host) Describe(pid uint32) (*model.RawProcess, error) {
	r, ok := h.procs[pid]
	if !ok {
		return nil, fmt.Errorf("gone")
	}
	c := *r
	return &c, nil
}

func TestPipeline_Sweep(t *testing.T) {
	p, _ := newPipeline(t)
	known := p.PublishProcess(start(100, 1, 1_000, "/bin/sh"))

	h := &host{procs: map[uint32]*model.RawProcess{
		100: {Pid: 100, ParentPid: 1, EventTimeUtc: 900, Path: "/bin/sh"},
		// Child listed with a lower pid than its parent.
		150: {Pid: 150, ParentPid: 700, EventTimeUtc: 3_000, Path: "/bin/child"},
		700: {Pid: 700, ParentPid: 100, EventTimeUtc: 2_000, Path: "/bin/parent"},
	}}

	n, err := p.Sweep(h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	parent := p.ResolveLatest(700)
	child := p.ResolveLatest(150)
	assert.Equal(t, known.PidHash, parent.ParentPidHash)
	assert.Equal(t, parent.PidHash, child.ParentPidHash)

	n, err = p.Sweep(h)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing new")
}

func TestPipeline_ConcurrentPublish(t *testing.T) {
	p, c := newPipeline(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				pid := uint32(1000 + i)
				// Every worker publishes the same observations.
				p.PublishProcess(start(pid, 1, int64(i), "/bin/x"))
				assert.NotEqual(t, model.UnknownPid, p.ResolveAtTime(pid, int64(i)).Pid)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 104, p.Tree().Len())
	assert.Equal(t, 104, p.Index().Len())
	assert.GreaterOrEqual(t, c.count(model.ActivityStart), 100)
}
