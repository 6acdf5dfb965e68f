package lineage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/model"
)

const snapshotVersion = 1

// snapshot is the flat on-disk form. Nodes are in preorder, so replaying them in order
// always finds the parent already present.
type snapshot struct {
	Version int                      `msgpack:"v"`
	Root    string                   `msgpack:"root"`
	Nodes   []*model.ProcessInstance `msgpack:"nodes"`
}

// Serialize encodes the tree as a flat list of node records.
func (t *Tree) Serialize() ([]byte, error) {
	t.mu.RLock()
	snap := snapshot{Version: snapshotVersion, Root: t.root}
	if t.root != "" {
		snap.Nodes = t.preorder(t.root, make([]*model.ProcessInstance, 0, len(t.nodes)))
	}
	t.mu.RUnlock()

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("encode lineage snapshot: %w", err)
	}
	return data, nil
}

// Deserialize rebuilds a tree from Serialize output. Links are rebuilt in one pass by matching
// ParentPidHash to PidHash. Nodes whose parent is missing, or that are cut off from the root,
// are attached under the Unknown sentinel (or the root if there is none) and their
// ParentPidHash is rewritten to match.
func Deserialize(data []byte, logger *zap.Logger) (*Tree, error) {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode lineage snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported lineage snapshot version %d", snap.Version)
	}

	t := NewTree(logger)

	for _, inst := range snap.Nodes {
		if inst == nil || inst.PidHash == "" {
			continue
		}
		if _, dup := t.nodes[inst.PidHash]; dup {
			continue
		}
		if inst.IsKernelRoot() && t.root == "" {
			t.root = inst.PidHash
		}
		t.nodes[inst.PidHash] = &node{inst: inst, parent: inst.ParentPidHash}
		t.byPid[inst.Pid] = append(t.byPid[inst.Pid], inst.PidHash)
	}
	if t.root == "" {
		return nil, ErrNoRoot
	}

	fallback := t.root
	for _, inst := range snap.Nodes {
		if inst != nil && inst.Synthetic && inst.Pid == model.UnknownPid && inst.ParentPidHash == t.root {
			fallback = inst.PidHash
			break
		}
	}

	orphans := 0
	for _, inst := range snap.Nodes {
		if inst == nil || inst.PidHash == t.root {
			continue
		}
		n, ok := t.nodes[inst.PidHash]
		if !ok || n.inst != inst {
			// Duplicate record for an identity already loaded.
			continue
		}
		p, ok := t.nodes[n.parent]
		if !ok || n.parent == inst.PidHash {
			t.reparent(n, fallback)
			orphans++
			continue
		}
		p.children = append(p.children, inst.PidHash)
	}

	orphans += t.reattachUnreachable(fallback)
	if orphans > 0 {
		t.log.Warn("reattached orphaned nodes", zap.Int("count", orphans), zap.String("under", fallback))
	}
	return t, nil
}

// reparent links n under parent and rewrites its parent fields. n is not yet in any child list.
func (t *Tree) reparent(n *node, parent string) {
	p := t.nodes[parent]
	inst := n.inst.Clone()
	inst.ParentPidHash = parent
	inst.ParentPid = p.inst.Pid

	n.inst = inst
	n.parent = parent
	p.children = append(p.children, inst.PidHash)
}

// reattachUnreachable moves nodes caught in parent cycles under fallback.
func (t *Tree) reattachUnreachable(fallback string) int {
	reached := make(map[string]bool, len(t.nodes))
	for _, inst := range t.preorder(t.root, nil) {
		reached[inst.PidHash] = true
	}
	if len(reached) == len(t.nodes) {
		return 0
	}

	moved := 0
	for hash, n := range t.nodes {
		if reached[hash] {
			continue
		}
		if p, ok := t.nodes[n.parent]; ok {
			p.children = removeString(p.children, hash)
		}
		t.reparent(n, fallback)
		moved++
		for _, inst := range t.preorder(hash, nil) {
			reached[inst.PidHash] = true
		}
	}
	return moved
}

// WriteFile serializes t to path. The file is replaced atomically.
func WriteFile(path string, t *Tree) error {
	data, err := t.Serialize()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadFile loads a tree written by WriteFile.
func ReadFile(path string, logger *zap.Logger) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Deserialize(data, logger)
}
