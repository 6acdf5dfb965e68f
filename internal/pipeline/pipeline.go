// Package pipeline is the identity resolution pipeline: the single write path into the process
// index and the lineage tree, and the resolution API other collectors use to attribute their
// own observations.
//
//	RawProcess ──▶ identity ──▶ augment (user, digests, parent) ──▶ tree.Add ──▶ index.Insert
//	                                                                                  │
//	                                                   emitted set (refresh de-dup) ◀─┘──▶ bus
//
// A Pipeline owns its index and tree; there is no package-level state.
package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/hashcache"
	"github.com/mrzor/lineage-sensor/internal/identity"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
	"github.com/mrzor/lineage-sensor/internal/procindex"
)

// Publisher receives enriched records. Publish must not block.
type Publisher interface {
	Publish(rec *model.ProcessInstance)
}

// UserLookup resolves the owner of a running process.
type UserLookup interface {
	Username(pid uint32) (string, error)
}

// DigestLookup returns content digests for an executable.
type DigestLookup interface {
	Lookup(path string) (hashcache.Digests, error)
}

// Options configures a Pipeline. Hasher is required.
type Options struct {
	Hasher    *identity.Hasher
	Users     UserLookup
	Digests   DigestLookup
	Publisher Publisher

	IndexSoftCapacity int
	TombstoneGrace    time.Duration
	EmittedSetSize    int

	Logger *zap.Logger
}

// Pipeline resolves and publishes process observations.
type Pipeline struct {
	log       *zap.Logger
	hasher    *identity.Hasher
	users     UserLookup
	digests   DigestLookup
	publisher Publisher

	sentinels model.Sentinels
	index     *procindex.Index
	tree      *lineage.Tree
	emitted   *lru.Cache[string, struct{}]
}

// New builds a pipeline with an empty index and tree. Call PublishSentinels before anything else.
func New(opts Options) (*Pipeline, error) {
	if opts.Hasher == nil {
		return nil, fmt.Errorf("pipeline: hasher is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	size := opts.EmittedSetSize
	if size <= 0 {
		size = 65536
	}
	emitted, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("pipeline: emitted set: %w", err)
	}

	sentinels := opts.Hasher.Sentinels()
	return &Pipeline{
		log:       log.Named("pipeline"),
		hasher:    opts.Hasher,
		users:     opts.Users,
		digests:   opts.Digests,
		publisher: opts.Publisher,
		sentinels: sentinels,
		index: procindex.New(sentinels.Unknown, procindex.Options{
			SoftCapacity:   opts.IndexSoftCapacity,
			TombstoneGrace: opts.TombstoneGrace,
			Logger:         log,
		}),
		tree:    lineage.NewTree(log),
		emitted: emitted,
	}, nil
}

// Index returns the process index.
func (p *Pipeline) Index() *procindex.Index { return p.index }

// Tree returns the lineage tree.
func (p *Pipeline) Tree() *lineage.Tree { return p.tree }

// Sentinels returns the synthetic instances of this host.
func (p *Pipeline) Sentinels() model.Sentinels { return p.sentinels }

// Close releases the index.
func (p *Pipeline) Close() error {
	return p.index.Close()
}

// PublishSentinels materializes the kernel, idle, registry and Unknown instances.
func (p *Pipeline) PublishSentinels() {
	for _, s := range p.sentinels.All() {
		if err := p.tree.Add(s); err != nil {
			p.log.Error("adding sentinel", zap.Uint32("pid", s.Pid), zap.Error(err))
			continue
		}
		p.index.Insert(s)
		p.emit(s, model.ActivityRefresh)
	}
}

// PublishProcess resolves, records and forwards one process observation. It never fails:
// anything that cannot be resolved is attributed to the Unknown sentinel or marked NA.
func (p *Pipeline) PublishProcess(raw *model.RawProcess) *model.ProcessInstance {
	if raw.Activity == model.ActivityStop {
		return p.publishStop(raw)
	}

	hash := p.hasher.Process(raw.Pid, raw.EventTimeUtc)
	if known, ok := p.tree.Get(hash); ok {
		p.emit(known, raw.Activity)
		return known
	}

	inst := p.augment(raw, hash)
	return p.record(inst, raw.Activity)
}

// record adds inst to the tree and index and emits it. inst must have a resolved parent.
func (p *Pipeline) record(inst *model.ProcessInstance, activity model.ActivityKind) *model.ProcessInstance {
	if err := p.tree.Add(inst); err != nil {
		// The parent was pruned between resolution and attachment.
		p.log.Warn("parent vanished, attaching under Unknown",
			zap.Uint32("pid", inst.Pid),
			zap.String("pid_hash", inst.PidHash),
			zap.Error(err))
		metrics.AugmentationFailures.WithLabelValues("parent").Inc()
		inst.ParentPidHash = p.sentinels.Unknown.PidHash
		if err := p.tree.Add(inst); err != nil {
			p.log.Error("attaching under Unknown", zap.String("pid_hash", inst.PidHash), zap.Error(err))
		}
	}

	// A concurrent publisher may have won the race for this identity.
	if stored, ok := p.tree.Get(inst.PidHash); ok {
		inst = stored
	}
	p.index.Insert(inst)
	// A concurrent Prune may have detached inst before it reached the index.
	if !p.tree.Contains(inst.PidHash) {
		p.index.Remove(inst.PidHash)
	}
	p.emit(inst, activity)
	return inst
}

func (p *Pipeline) augment(raw *model.RawProcess, hash string) *model.ProcessInstance {
	inst := &model.ProcessInstance{
		Pid:          raw.Pid,
		ParentPid:    raw.ParentPid,
		PidHash:      hash,
		ProcessPath:  orNA(raw.Path),
		CommandLine:  orNA(raw.CommandLine),
		Arguments:    raw.Arguments,
		EventTimeUtc: raw.EventTimeUtc,
	}

	switch {
	case raw.Name != "":
		inst.ProcessName = raw.Name
	case raw.Path != "":
		inst.ProcessName = filepath.Base(raw.Path)
	default:
		inst.ProcessName = model.NotAvailable
	}

	inst.User = raw.User
	if inst.User == "" {
		inst.User = model.NotAvailable
		if p.users != nil {
			if user, err := p.users.Username(raw.Pid); err == nil && user != "" {
				inst.User = user
			} else {
				metrics.AugmentationFailures.WithLabelValues("user").Inc()
			}
		}
	}

	inst.MD5, inst.SHA256 = model.NotAvailable, model.NotAvailable
	if p.digests != nil && raw.Path != "" {
		if d, err := p.digests.Lookup(raw.Path); err == nil {
			inst.MD5, inst.SHA256 = d.MD5, d.SHA256
		} else {
			metrics.AugmentationFailures.WithLabelValues("digest").Inc()
			p.log.Debug("hashing executable", zap.String("path", raw.Path), zap.Error(err))
		}
	}

	inst.ParentPidHash = p.resolveParent(raw, hash)
	return inst
}

// resolveParent picks the parent identity: an explicit hash the tree knows, else the latest
// instance of ParentPid, else Unknown.
func (p *Pipeline) resolveParent(raw *model.RawProcess, self string) string {
	if raw.ParentPidHash != "" && raw.ParentPidHash != self && p.tree.Contains(raw.ParentPidHash) {
		return raw.ParentPidHash
	}

	parent := p.index.ResolveLatest(raw.ParentPid)
	if parent.PidHash == self || !p.tree.Contains(parent.PidHash) {
		metrics.AugmentationFailures.WithLabelValues("parent").Inc()
		return p.sentinels.Unknown.PidHash
	}
	return parent.PidHash
}

func (p *Pipeline) publishStop(raw *model.RawProcess) *model.ProcessInstance {
	inst := p.index.ResolveAtTime(raw.Pid, raw.EventTimeUtc)

	stop := inst.Clone()
	if inst == p.sentinels.Unknown {
		stop.Pid = raw.Pid
		stop.ParentPid = raw.ParentPid
		stop.ProcessName = orNA(raw.Name)
	}
	stop.Activity = model.ActivityStop
	stop.EndTimeUtc = raw.EventTimeUtc
	p.send(stop)

	if inst == p.sentinels.Unknown || inst.Synthetic {
		return stop
	}

	// A late or repeated stop for a lifetime that is already gone.
	if _, live := p.index.Lookup(inst.PidHash); !live {
		return stop
	}
	if removed, ok := p.tree.RemoveLeaf(inst.PidHash); ok {
		p.index.Remove(removed.PidHash)
		p.emitted.Remove(removed.PidHash)
	}
	return stop
}

// emit forwards inst unless it is a refresh of an identity already emitted.
func (p *Pipeline) emit(inst *model.ProcessInstance, activity model.ActivityKind) {
	seen, _ := p.emitted.ContainsOrAdd(inst.PidHash, struct{}{})
	if seen && activity == model.ActivityRefresh {
		return
	}
	rec := inst.Clone()
	rec.Activity = activity
	p.send(rec)
}

func (p *Pipeline) send(rec *model.ProcessInstance) {
	metrics.RecordsPublished.WithLabelValues(rec.Activity.String()).Inc()
	if p.publisher != nil {
		p.publisher.Publish(rec)
	}
}

func orNA(s string) string {
	if s == "" {
		return model.NotAvailable
	}
	return s
}
