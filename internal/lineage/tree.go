// Package lineage maintains the parent/child tree over process instances.
//
// Nodes live in an arena keyed by PidHash. Parent and child links are PidHash references, so
// the tree can be flattened to a list of (PidHash, ParentPidHash) records and rebuilt without
// ever encoding a reference cycle. The single root is the self-parented kernel instance.
//
// All topology changes happen under one lock. Reads return copies of the relevant slices so
// callers can iterate without holding it.
package lineage

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/model"
)

var (
	// ErrParentNotFound is returned by Add when the parent identity is not in the tree.
	// Callers are expected to have resolved missing parents to the Unknown sentinel.
	ErrParentNotFound = errors.New("parent not in lineage tree")

	// ErrNotFound is returned for queries on an identity the tree does not hold.
	ErrNotFound = errors.New("node not in lineage tree")

	// ErrNoRoot is returned when a serialized tree has no kernel root.
	ErrNoRoot = errors.New("lineage tree has no root")

	// ErrRootExists is returned when a second, different kernel root is added.
	ErrRootExists = errors.New("lineage tree already has a root")
)

type node struct {
	inst     *model.ProcessInstance
	parent   string
	children []string
}

// Tree is the lineage tree. The zero value is not usable; call NewTree.
type Tree struct {
	log *zap.Logger

	mu    sync.RWMutex
	nodes map[string]*node
	byPid map[uint32][]string
	root  string
}

// NewTree returns an empty tree.
func NewTree(logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{
		log:   logger.Named("lineage"),
		nodes: make(map[string]*node),
		byPid: make(map[uint32][]string),
	}
}

// Add attaches inst under the node whose PidHash equals inst.ParentPidHash. Adding an identity
// that is already present is a no-op. The kernel root is installed when no root exists yet.
func (t *Tree) Add(inst *model.ProcessInstance) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[inst.PidHash]; ok {
		return nil
	}

	if inst.IsKernelRoot() {
		if t.root != "" {
			return fmt.Errorf("%w: have %s, got %s", ErrRootExists, t.root, inst.PidHash)
		}
		t.insert(inst, inst.PidHash)
		t.root = inst.PidHash
		return nil
	}

	if _, ok := t.nodes[inst.ParentPidHash]; !ok {
		return fmt.Errorf("%w: pid %d parent %s", ErrParentNotFound, inst.Pid, inst.ParentPidHash)
	}
	t.insert(inst, inst.ParentPidHash)
	return nil
}

// insert links a new node. Callers hold the write lock and have checked that parent exists.
func (t *Tree) insert(inst *model.ProcessInstance, parent string) {
	t.nodes[inst.PidHash] = &node{inst: inst, parent: parent}
	if parent != inst.PidHash {
		p := t.nodes[parent]
		p.children = append(p.children, inst.PidHash)
	}
	t.byPid[inst.Pid] = append(t.byPid[inst.Pid], inst.PidHash)
	metrics.TreeNodes.Set(float64(len(t.nodes)))
}

// detach removes a leaf. Callers hold the write lock.
func (t *Tree) detach(hash string) *model.ProcessInstance {
	n, ok := t.nodes[hash]
	if !ok || len(n.children) > 0 || hash == t.root {
		return nil
	}

	if p, ok := t.nodes[n.parent]; ok {
		p.children = removeString(p.children, hash)
	}
	delete(t.nodes, hash)

	pid := n.inst.Pid
	if rest := removeString(t.byPid[pid], hash); len(rest) > 0 {
		t.byPid[pid] = rest
	} else {
		delete(t.byPid, pid)
	}
	metrics.TreeNodes.Set(float64(len(t.nodes)))
	return n.inst
}

// Remove detaches the most recent leaf node for pid whose parent PID is parentPid. It is a
// no-op, returning false, when there is no such node or that node has children.
func (t *Tree) Remove(pid, parentPid uint32) (*model.ProcessInstance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *node
	for _, h := range t.byPid[pid] {
		n := t.nodes[h]
		if n.inst.ParentPid != parentPid || n.inst.Synthetic {
			continue
		}
		if best == nil || n.inst.EventTimeUtc >= best.inst.EventTimeUtc {
			best = n
		}
	}
	if best == nil {
		return nil, false
	}

	removed := t.detach(best.inst.PidHash)
	return removed, removed != nil
}

// RemoveLeaf detaches the node stored under pidHash. It is a no-op, returning false, when the
// node is unknown, synthetic or has children.
func (t *Tree) RemoveLeaf(pidHash string) (*model.ProcessInstance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[pidHash]
	if !ok || n.inst.Synthetic {
		return nil, false
	}
	removed := t.detach(pidHash)
	return removed, removed != nil
}

// Get returns the instance stored under pidHash.
func (t *Tree) Get(pidHash string) (*model.ProcessInstance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pidHash]
	if !ok {
		return nil, false
	}
	return n.inst, true
}

// Contains reports whether pidHash is in the tree.
func (t *Tree) Contains(pidHash string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[pidHash]
	return ok
}

// Root returns the kernel root, or nil if none has been added.
func (t *Tree) Root() *model.ProcessInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root == "" {
		return nil
	}
	return t.nodes[t.root].inst
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Parent returns the parent of pidHash. The root is its own parent.
func (t *Tree) Parent(pidHash string) (*model.ProcessInstance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pidHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pidHash)
	}
	return t.nodes[n.parent].inst, nil
}

// Children returns the direct children of pidHash in attachment order.
func (t *Tree) Children(pidHash string) []*model.ProcessInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pidHash]
	if !ok {
		return nil
	}
	out := make([]*model.ProcessInstance, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, t.nodes[c].inst)
	}
	return out
}

// GetDescendants returns every node below pidHash, depth first, parents before children.
func (t *Tree) GetDescendants(pidHash string) ([]*model.ProcessInstance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pidHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pidHash)
	}
	var out []*model.ProcessInstance
	for _, c := range n.children {
		out = t.preorder(c, out)
	}
	return out, nil
}

// preorder appends the subtree at hash. Callers hold the read lock.
func (t *Tree) preorder(hash string, out []*model.ProcessInstance) []*model.ProcessInstance {
	stack := []string{hash}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := t.nodes[h]
		out = append(out, n.inst)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	return out
}

// GetAncestors returns the parents of pidHash, nearest first, ending with the root.
func (t *Tree) GetAncestors(pidHash string) ([]*model.ProcessInstance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[pidHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pidHash)
	}

	var out []*model.ProcessInstance
	seen := map[string]bool{pidHash: true}
	for n.parent != n.inst.PidHash {
		if seen[n.parent] {
			t.log.Warn("ancestor loop", zap.String("pid_hash", pidHash), zap.String("at", n.parent))
			break
		}
		seen[n.parent] = true

		p, ok := t.nodes[n.parent]
		if !ok {
			break
		}
		out = append(out, p.inst)
		n = p
	}
	return out, nil
}

// CallChain returns pidHash and its ancestors, root first.
func (t *Tree) CallChain(pidHash string) ([]*model.ProcessInstance, error) {
	ancestors, err := t.GetAncestors(pidHash)
	if err != nil {
		return nil, err
	}
	self, _ := t.Get(pidHash)

	out := make([]*model.ProcessInstance, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		out = append(out, ancestors[i])
	}
	return append(out, self), nil
}

// Walk visits every node from the root, parents before children, until fn returns false.
// The visited set is captured before the first call, so fn may modify the tree.
func (t *Tree) Walk(fn func(*model.ProcessInstance) bool) {
	t.mu.RLock()
	if t.root == "" {
		t.mu.RUnlock()
		return
	}
	all := t.preorder(t.root, make([]*model.ProcessInstance, 0, len(t.nodes)))
	t.mu.RUnlock()

	for _, inst := range all {
		if !fn(inst) {
			return
		}
	}
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
