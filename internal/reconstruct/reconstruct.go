// Package reconstruct seeds the pipeline at agent start and runs its periodic maintenance.
//
//	            ┌──────────────────┐
//	            │ publish sentinels│
//	            └────────┬─────────┘
//	     booted < window │ otherwise
//	      ┌──────────────┴──────────────┐
//	      ▼                             ▼
//	┌────────────┐               ┌──────────────┐
//	│ boot trace │               │   snapshot   │
//	│ start/stop │               │ read+restore │
//	│ replay+join│               │ refresh self │
//	└─────┬──────┘               └──────┬───────┘
//	      └──────────────┬──────────────┘
//	                     ▼
//	              ┌─────────────┐
//	              │ host sweep  │
//	              └─────────────┘
//
// Any failure on either path is logged and leaves the tree with whatever was published,
// at worst the sentinels alone. Live observations fill it in afterwards.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/boottrace"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/model"
	"github.com/mrzor/lineage-sensor/internal/pipeline"
)

// Path is the reconstruction strategy that ran.
type Path int

// Reconstruction paths.
const (
	PathSentinelsOnly Path = iota
	PathBootTrace
	PathSnapshot
)

func (p Path) String() string {
	switch p {
	case PathBootTrace:
		return "boot-trace"
	case PathSnapshot:
		return "snapshot"
	default:
		return "sentinels-only"
	}
}

// Host is the subset of the host probe used during reconstruction and maintenance.
type Host interface {
	lineage.LivenessProbe
	pipeline.HostLister
	BootTime() (time.Time, error)
}

// Options configures a Reconstructor.
type Options struct {
	BootWindow        time.Duration
	JoinWindow        time.Duration
	TraceTimeout      time.Duration
	SessionName       string
	Session           boottrace.Session
	SnapshotPath      string
	SerializeInterval time.Duration
	PruneInterval     time.Duration
	RefreshInterval   time.Duration

	// SelfPid is the agent's own PID, re-derived after a snapshot restore.
	SelfPid uint32

	Logger *zap.Logger
}

// Reconstructor runs startup reconstruction once, then the periodic tasks.
type Reconstructor struct {
	pipe *pipeline.Pipeline
	host Host
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// New returns a Reconstructor for pipe.
func New(pipe *pipeline.Pipeline, host Host, opts Options) *Reconstructor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconstructor{
		pipe: pipe,
		host: host,
		opts: opts,
		log:  log.Named("reconstruct"),
		now:  time.Now,
	}
}

// Run performs startup reconstruction. It never fails; the returned Path says what succeeded.
func (r *Reconstructor) Run(ctx context.Context) Path {
	r.pipe.PublishSentinels()

	path := PathSentinelsOnly
	if r.recentBoot() {
		if err := r.replayBootTrace(ctx); err != nil {
			r.log.Error("boot trace replay failed, continuing with sentinels", zap.Error(err))
		} else {
			path = PathBootTrace
		}
	} else {
		if err := r.restoreSnapshot(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.log.Info("no lineage snapshot, starting empty", zap.String("path", r.opts.SnapshotPath))
			} else {
				r.log.Warn("lineage snapshot unusable, starting empty", zap.Error(err))
			}
		} else {
			path = PathSnapshot
		}
		r.refreshSelf()
	}

	if n, err := r.pipe.Sweep(r.host); err != nil {
		r.log.Warn("initial host sweep failed", zap.Error(err))
	} else {
		r.log.Debug("initial host sweep", zap.Int("published", n))
	}

	r.log.Info("reconstruction complete",
		zap.Stringer("path", path),
		zap.Int("nodes", r.pipe.Tree().Len()))
	return path
}

func (r *Reconstructor) recentBoot() bool {
	if r.opts.Session == nil {
		return false
	}
	boot, err := r.host.BootTime()
	if err != nil {
		r.log.Warn("boot time unavailable, skipping boot trace", zap.Error(err))
		return false
	}
	uptime := r.now().Sub(boot)
	r.log.Debug("host uptime", zap.Duration("uptime", uptime))
	return uptime >= 0 && uptime <= r.opts.BootWindow
}

func (r *Reconstructor) replayBootTrace(ctx context.Context) error {
	name := r.opts.SessionName
	if err := r.opts.Session.Start(ctx, name); err != nil {
		return err
	}

	stopCtx := ctx
	if r.opts.TraceTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, r.opts.TraceTimeout)
		defer cancel()
	}
	logPath, err := r.opts.Session.Stop(stopCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", boottrace.ErrTimeout, err)
		}
		return err
	}

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open boot trace: %w", err)
	}
	defer f.Close()

	joined, stats, err := boottrace.Replay(f, r.opts.JoinWindow)
	if err != nil && len(joined) == 0 {
		return fmt.Errorf("replay %s: %w", logPath, err)
	}
	if err != nil {
		r.log.Warn("boot trace ended early", zap.String("log", logPath), zap.Error(err))
	}

	for _, j := range joined {
		r.pipe.PublishProcess(&model.RawProcess{
			Pid:          j.Pid,
			ParentPid:    j.ParentPid,
			EventTimeUtc: j.CreateTime,
			Activity:     model.ActivityRefresh,
			Path:         j.ImagePath,
		})
	}

	r.log.Info("boot trace replayed",
		zap.String("log", logPath),
		zap.Int("starts", stats.Starts),
		zap.Int("images", stats.Images),
		zap.Int("joined", stats.Joined),
		zap.Int("dropped", stats.Dropped))
	return nil
}

func (r *Reconstructor) restoreSnapshot() error {
	restored, err := lineage.ReadFile(r.opts.SnapshotPath, r.log)
	if err != nil {
		return err
	}
	n := r.pipe.Restore(restored)
	r.log.Info("lineage snapshot restored", zap.String("path", r.opts.SnapshotPath), zap.Int("instances", n))
	return nil
}

// refreshSelf publishes the agent's own process. Its parent is copied from the previous agent
// instance in the restored index, since the snapshot predates this run.
func (r *Reconstructor) refreshSelf() {
	if r.opts.SelfPid == 0 {
		return
	}
	self, err := r.host.Describe(r.opts.SelfPid)
	if err != nil {
		r.log.Warn("describing own process", zap.Uint32("pid", r.opts.SelfPid), zap.Error(err))
		return
	}

	if prev := r.previousAgent(self); prev != nil {
		self.ParentPid = prev.ParentPid
		self.ParentPidHash = prev.ParentPidHash
		r.log.Debug("copied ancestry of previous agent instance",
			zap.Uint32("previous_pid", prev.Pid),
			zap.String("parent_pid_hash", prev.ParentPidHash))
	}
	self.Activity = model.ActivityRefresh
	r.pipe.PublishProcess(self)
}

func (r *Reconstructor) previousAgent(self *model.RawProcess) *model.ProcessInstance {
	if self.Path == "" {
		return nil
	}
	var prev *model.ProcessInstance
	r.pipe.Index().Range(func(inst *model.ProcessInstance) bool {
		if inst.Synthetic || inst.Pid == self.Pid || inst.ProcessPath != self.Path {
			return true
		}
		if prev == nil || inst.EventTimeUtc > prev.EventTimeUtc {
			prev = inst
		}
		return true
	})
	return prev
}
