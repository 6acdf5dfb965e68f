package procindex

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
)

const timelineDegree = 4

// Options configures an Index.
type Options struct {
	// SoftCapacity is the instance count above which a warning is logged. Nothing is evicted.
	SoftCapacity int

	// TombstoneGrace is how long removed instances stay resolvable by time. Zero removes
	// them from their timeline immediately.
	TombstoneGrace time.Duration

	Logger *zap.Logger
}

// Stats is a point-in-time view of the index size.
type Stats struct {
	Instances  int
	Pids       int
	Tombstones int
}

// Index is the process instance index. The zero value is not usable; call New.
type Index struct {
	log     *zap.Logger
	unknown *model.ProcessInstance
	softCap int64

	byHash sync.Map // string -> *model.ProcessInstance
	byPid  sync.Map // uint32 -> *timeline

	seq     atomic.Uint64
	count   atomic.Int64
	pids    atomic.Int64
	warned  atomic.Bool
	removed *ttlcache.Cache // nil when tombstoning is disabled
}

// New creates an index whose misses resolve to unknown.
func New(unknown *model.ProcessInstance, opts Options) *Index {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ix := &Index{
		log:     log.Named("procindex"),
		unknown: unknown,
		softCap: int64(opts.SoftCapacity),
	}

	if opts.TombstoneGrace > 0 {
		ix.removed = ttlcache.NewCache()
		_ = ix.removed.SetTTL(opts.TombstoneGrace)
		ix.removed.SetExpirationCallback(func(key string, value interface{}) error {
			inst, ok := value.(*model.ProcessInstance)
			if !ok {
				return nil
			}
			// Re-inserted since removal.
			if _, live := ix.byHash.Load(key); live {
				return nil
			}
			ix.drop(inst)
			return nil
		})
	}

	return ix
}

// Unknown returns the sentinel returned on resolution misses.
func (ix *Index) Unknown() *model.ProcessInstance { return ix.unknown }

// Insert adds inst under its PidHash. It reports false if the identity is already present.
// Inserting an identity that is tombstoned revives it.
func (ix *Index) Insert(inst *model.ProcessInstance) bool {
	if _, loaded := ix.byHash.LoadOrStore(inst.PidHash, inst); loaded {
		return false
	}

	if ix.removed != nil {
		_ = ix.removed.Remove(inst.PidHash)
	}

	ix.place(inst)

	n := ix.count.Add(1)
	metrics.InstancesInserted.Inc()
	metrics.IndexInstances.Set(float64(n))
	ix.checkCapacity(n)

	// A Remove that ran before place found nothing to take off the timeline.
	switch v, ok := ix.byHash.Load(inst.PidHash); {
	case !ok:
		ix.retire(inst)
	case v != inst:
		// Removed and inserted again by another caller; its copy owns the timeline entry.
		ix.place(v.(*model.ProcessInstance))
	}
	return true
}

// Remove deletes the identity. It reports false if pidHash was not present.
func (ix *Index) Remove(pidHash string) bool {
	v, ok := ix.byHash.LoadAndDelete(pidHash)
	if !ok {
		return false
	}
	inst := v.(*model.ProcessInstance)

	n := ix.count.Add(-1)
	metrics.IndexInstances.Set(float64(n))
	if n <= ix.softCap {
		ix.warned.Store(false)
	}

	ix.retire(inst)
	return true
}

// retire tombstones a removed instance, or takes it off its timeline when there is no grace.
func (ix *Index) retire(inst *model.ProcessInstance) {
	if ix.removed == nil {
		ix.drop(inst)
		return
	}

	if err := ix.removed.Set(inst.PidHash, inst); err != nil {
		ix.log.Debug("tombstone failed, dropping now", zap.String("pid_hash", inst.PidHash), zap.Error(err))
		ix.drop(inst)
	}
	metrics.IndexTombstones.Set(float64(ix.removed.Count()))
}

// Lookup returns the live instance with the given identity.
func (ix *Index) Lookup(pidHash string) (*model.ProcessInstance, bool) {
	v, ok := ix.byHash.Load(pidHash)
	if !ok {
		return nil, false
	}
	return v.(*model.ProcessInstance), true
}

// ResolveAtTime returns the instance of pid with the greatest EventTimeUtc <= t. On a
// timestamp tie the most recently inserted instance wins. Misses return the Unknown sentinel.
func (ix *Index) ResolveAtTime(pid uint32, t int64) *model.ProcessInstance {
	if tl := ix.timeline(pid); tl != nil {
		if inst := tl.atOrBefore(t); inst != nil {
			return inst
		}
	}
	metrics.ResolutionMisses.Inc()
	return ix.unknown
}

// ResolveLatest returns the most recent instance of pid. Misses return the Unknown sentinel.
func (ix *Index) ResolveLatest(pid uint32) *model.ProcessInstance {
	if tl := ix.timeline(pid); tl != nil {
		if inst := tl.latest(); inst != nil {
			return inst
		}
	}
	metrics.ResolutionMisses.Inc()
	return ix.unknown
}

// Instances returns every instance recorded for pid, oldest first. Tombstoned instances
// are included while their grace period lasts.
func (ix *Index) Instances(pid uint32) []*model.ProcessInstance {
	tl := ix.timeline(pid)
	if tl == nil {
		return nil
	}
	return tl.all()
}

// Range calls fn for each live instance until fn returns false. The order is unspecified.
func (ix *Index) Range(fn func(*model.ProcessInstance) bool) {
	ix.byHash.Range(func(_, v any) bool {
		return fn(v.(*model.ProcessInstance))
	})
}

// Len returns the number of live instances.
func (ix *Index) Len() int {
	return int(ix.count.Load())
}

// Stats returns the current index size.
func (ix *Index) Stats() Stats {
	s := Stats{
		Instances: int(ix.count.Load()),
		Pids:      int(ix.pids.Load()),
	}
	if ix.removed != nil {
		s.Tombstones = ix.removed.Count()
		metrics.IndexTombstones.Set(float64(s.Tombstones))
	}
	return s
}

// Close stops the tombstone reaper.
func (ix *Index) Close() error {
	if ix.removed == nil {
		return nil
	}
	err := ix.removed.Close()
	if errors.Is(err, ttlcache.ErrClosed) {
		return nil
	}
	return err
}

func (ix *Index) checkCapacity(n int64) {
	if ix.softCap <= 0 || n <= ix.softCap {
		return
	}
	if ix.warned.CompareAndSwap(false, true) {
		ix.log.Warn("index above soft capacity",
			zap.Int64("instances", n),
			zap.Int64("soft_capacity", ix.softCap))
	}
}

func (ix *Index) timeline(pid uint32) *timeline {
	v, ok := ix.byPid.Load(pid)
	if !ok {
		return nil
	}
	return v.(*timeline)
}

// place puts inst on its PID timeline, retrying if the timeline it found is being discarded.
func (ix *Index) place(inst *model.ProcessInstance) {
	seq := ix.seq.Add(1)
	for {
		v, loaded := ix.byPid.Load(inst.Pid)
		if !loaded {
			v, loaded = ix.byPid.LoadOrStore(inst.Pid, newTimeline())
			if !loaded {
				ix.pids.Add(1)
			}
		}
		if v.(*timeline).put(inst, seq) {
			return
		}
	}
}

// drop takes inst off its timeline and discards the timeline once it is empty.
func (ix *Index) drop(inst *model.ProcessInstance) {
	tl := ix.timeline(inst.Pid)
	if tl == nil {
		return
	}
	// Called from the tombstone reaper: must not call back into ix.removed.
	if tl.remove(inst) {
		if ix.byPid.CompareAndDelete(inst.Pid, tl) {
			ix.pids.Add(-1)
		}
	}
}

type entry struct {
	t    int64
	seq  uint64
	inst *model.ProcessInstance
}

func entryLess(a, b entry) bool {
	if a.t != b.t {
		return a.t < b.t
	}
	return a.seq < b.seq
}

type timeline struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[entry]
	entries map[string]entry // PidHash -> tree key
	dead    bool
}

func newTimeline() *timeline {
	return &timeline{
		tree:    btree.NewG(timelineDegree, entryLess),
		entries: make(map[string]entry),
	}
}

// put reports false if the timeline was discarded and the caller must fetch a new one.
func (tl *timeline) put(inst *model.ProcessInstance, seq uint64) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.dead {
		return false
	}

	// A revived tombstone replaces its old entry.
	if old, ok := tl.entries[inst.PidHash]; ok {
		tl.tree.Delete(old)
	}

	e := entry{t: inst.EventTimeUtc, seq: seq, inst: inst}
	tl.tree.ReplaceOrInsert(e)
	tl.entries[inst.PidHash] = e
	return true
}

// remove reports true when the timeline became empty and was marked dead.
func (tl *timeline) remove(inst *model.ProcessInstance) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	e, ok := tl.entries[inst.PidHash]
	if !ok || e.inst != inst {
		return false
	}
	tl.tree.Delete(e)
	delete(tl.entries, inst.PidHash)

	if tl.tree.Len() == 0 {
		tl.dead = true
		return true
	}
	return false
}

func (tl *timeline) atOrBefore(t int64) *model.ProcessInstance {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	var found *model.ProcessInstance
	tl.tree.DescendLessOrEqual(entry{t: t, seq: math.MaxUint64}, func(e entry) bool {
		found = e.inst
		return false
	})
	return found
}

func (tl *timeline) latest() *model.ProcessInstance {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	e, ok := tl.tree.Max()
	if !ok {
		return nil
	}
	return e.inst
}

func (tl *timeline) all() []*model.ProcessInstance {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	out := make([]*model.ProcessInstance, 0, tl.tree.Len())
	tl.tree.Ascend(func(e entry) bool {
		out = append(out, e.inst)
		return true
	})
	return out
}
