package pipeline

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
)

// ResolveAtTime returns the instance of pid that was live at eventTimeUtc, or Unknown.
func (p *Pipeline) ResolveAtTime(pid uint32, eventTimeUtc int64) *model.ProcessInstance {
	return p.index.ResolveAtTime(pid, eventTimeUtc)
}

// ResolveLatest returns the most recent instance of pid, or Unknown.
func (p *Pipeline) ResolveLatest(pid uint32) *model.ProcessInstance {
	return p.index.ResolveLatest(pid)
}

// Attribution is the result of resolving a collector observation.
type Attribution struct {
	// Process is the instance that performed the observed activity (Unknown on a miss).
	Process *model.ProcessInstance
	// EntityHash fingerprints the object acted on: a file, registry value, flow or target process.
	EntityHash string
	// PeerHash fingerprints the remote address of a network observation.
	PeerHash string
}

// Attribute resolves obs to the process lifetime that was live when it happened.
func (p *Pipeline) Attribute(obs model.Observation) Attribution {
	a := Attribution{Process: p.index.ResolveAtTime(obs.ObservedPid(), obs.ObservedAt())}

	switch o := obs.(type) {
	case *model.FileObservation:
		a.EntityHash = p.hasher.File(o.Path)
	case *model.RegistryObservation:
		a.EntityHash = p.hasher.RegistryValue(o.KeyPath, o.ValueName)
	case *model.NetworkObservation:
		a.EntityHash = p.hasher.Flow(o.Protocol, o.Source, o.Destination)
		a.PeerHash = p.hasher.IPv4(o.Destination.Addr())
	case *model.MemoryObservation:
		a.EntityHash = p.index.ResolveAtTime(o.TargetPid, o.EventTimeUtc).PidHash
	case *model.RawProcess:
		a.EntityHash = a.Process.PidHash
	}
	return a
}

// Restore replays a deserialized tree, parents first, as refresh observations. Sentinels are
// skipped since they are already present. It returns the number of instances restored.
func (p *Pipeline) Restore(restored *lineage.Tree) int {
	n := 0
	restored.Walk(func(inst *model.ProcessInstance) bool {
		if inst.Synthetic || p.tree.Contains(inst.PidHash) {
			return true
		}
		rec := inst.Clone()
		if !p.tree.Contains(rec.ParentPidHash) {
			rec.ParentPidHash = p.sentinels.Unknown.PidHash
		}
		p.record(rec, model.ActivityRefresh)
		n++
		return true
	})
	return n
}

// Republish re-emits every node of the tree as a refresh, parents first.
func (p *Pipeline) Republish() int {
	p.emitted.Purge()
	n := 0
	p.tree.Walk(func(inst *model.ProcessInstance) bool {
		p.emit(inst, model.ActivityRefresh)
		n++
		return true
	})
	return n
}

// Prune detaches dead leaves from the tree and drops them from the index.
func (p *Pipeline) Prune(probe lineage.LivenessProbe) (int, error) {
	removed, err := p.tree.Prune(p.sentinels.Kernel.PidHash, probe)
	if err != nil {
		return 0, err
	}
	for _, inst := range removed {
		p.index.Remove(inst.PidHash)
		p.emitted.Remove(inst.PidHash)
	}
	stats := p.index.Stats()
	p.log.Debug("prune complete",
		zap.Int("removed", len(removed)),
		zap.Int("instances", stats.Instances),
		zap.Int("tombstones", stats.Tombstones))
	return len(removed), nil
}

// HostLister enumerates running processes for Sweep.
type HostLister interface {
	Processes() ([]uint32, error)
	Describe(pid uint32) (*model.RawProcess, error)
}

// Sweep publishes running processes the index has no current lifetime for, which happens
// when a start was missed. It returns the number of processes published.
func (p *Pipeline) Sweep(host HostLister) (int, error) {
	pids, err := host.Processes()
	if err != nil {
		return 0, err
	}

	var missing []*model.RawProcess
	for _, pid := range pids {
		raw, err := host.Describe(pid)
		if err != nil {
			// Exited since listing.
			continue
		}
		latest := p.index.ResolveLatest(pid)
		// Start events are stamped at exec, never before the create time host reports.
		if latest != p.sentinels.Unknown && latest.EventTimeUtc >= raw.EventTimeUtc {
			continue
		}
		raw.Activity = model.ActivityRefresh
		missing = append(missing, raw)
	}

	// Parents were created before their children.
	sort.SliceStable(missing, func(i, j int) bool {
		return missing[i].EventTimeUtc < missing[j].EventTimeUtc
	})
	for _, raw := range missing {
		p.PublishProcess(raw)
	}
	if len(missing) > 0 {
		p.log.Info("sweep published missing processes", zap.Int("count", len(missing)))
	}
	return len(missing), nil
}

// Snapshot writes the tree to path atomically.
func (p *Pipeline) Snapshot(path string) error {
	start := time.Now()
	defer func() { metrics.SnapshotDuration.Observe(time.Since(start).Seconds()) }()
	return lineage.WriteFile(path, p.tree)
}
