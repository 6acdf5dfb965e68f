package reconstruct

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Maintain runs snapshot serialization, leaf pruning and the full refresh from one goroutine
// until ctx is cancelled, then writes a final snapshot.
func (r *Reconstructor) Maintain(ctx context.Context) error {
	serialize := newTicker(r.opts.SerializeInterval)
	defer serialize.Stop()
	prune := newTicker(r.opts.PruneInterval)
	defer prune.Stop()
	refresh := newTicker(r.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			r.serialize()
			return nil
		case <-serialize.C:
			r.serialize()
		case <-prune.C:
			r.prune()
		case <-refresh.C:
			r.refresh()
		}
	}
}

func (r *Reconstructor) serialize() {
	if r.opts.SnapshotPath == "" {
		return
	}
	if err := r.pipe.Snapshot(r.opts.SnapshotPath); err != nil {
		r.log.Warn("writing lineage snapshot", zap.String("path", r.opts.SnapshotPath), zap.Error(err))
	}
}

func (r *Reconstructor) prune() {
	if _, err := r.pipe.Prune(r.host); err != nil {
		r.log.Warn("pruning lineage tree", zap.Error(err))
	}
}

func (r *Reconstructor) refresh() {
	n := r.pipe.Republish()
	swept, err := r.pipe.Sweep(r.host)
	if err != nil {
		r.log.Warn("host sweep", zap.Error(err))
	}
	r.log.Info("periodic refresh", zap.Int("republished", n), zap.Int("swept", swept))
}

// newTicker returns a ticker, or one that never fires when d is not positive.
func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}
