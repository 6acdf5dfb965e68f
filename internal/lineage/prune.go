package lineage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
)

// LivenessProbe answers host questions needed to decide whether a node can be pruned.
type LivenessProbe interface {
	IsAlive(pid uint32) bool
	// LiveProcesses returns the name of every running process keyed by PID.
	LiveProcesses() (map[uint32]string, error)
}

// Prune detaches dead leaves below rootHash and returns them so the caller can drop them from
// the index. A leaf is dead when its PID is not alive and no live process with that PID has
// the same name. Nodes with children and synthetic nodes are never pruned.
//
// The host is queried without the tree lock held; every candidate is re-checked under the
// write lock, so a child attached in between keeps its parent.
func (t *Tree) Prune(rootHash string, probe LivenessProbe) ([]*model.ProcessInstance, error) {
	candidates, err := t.leaves(rootHash)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	live, err := probe.LiveProcesses()
	if err != nil {
		return nil, fmt.Errorf("list live processes: %w", err)
	}

	dead := candidates[:0]
	for _, c := range candidates {
		if probe.IsAlive(c.Pid) {
			continue
		}
		if name, ok := live[c.Pid]; ok && name == c.ProcessName {
			continue
		}
		dead = append(dead, c)
	}
	if len(dead) == 0 {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*model.ProcessInstance
	for _, c := range dead {
		n, ok := t.nodes[c.PidHash]
		if !ok || n.inst != c {
			continue
		}
		if inst := t.detach(c.PidHash); inst != nil {
			removed = append(removed, inst)
		}
	}

	if len(removed) > 0 {
		metrics.NodesPruned.Add(float64(len(removed)))
		t.log.Debug("pruned dead leaves", zap.Int("count", len(removed)), zap.Int("nodes", len(t.nodes)))
	}
	return removed, nil
}

func (t *Tree) leaves(rootHash string) ([]*model.ProcessInstance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[rootHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rootHash)
	}

	var out []*model.ProcessInstance
	for _, c := range n.children {
		for _, inst := range t.preorder(c, nil) {
			if inst.Synthetic || len(t.nodes[inst.PidHash].children) > 0 {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, nil
}
