// Package rcmap implements the per-contract reachable-subgraph reference
// counting described in spec.md §4.C: a map from content-addressed keys to
// in-edge counts, with incremental write/delete cost accounting and a
// budgeted garbage collector.
//
// Grounded in the teacher's connection pool bookkeeping style
// (core/connection_pool.go: bounded work under a bookkeeping map, guarded
// by a mutex) generalised from connection slots to reachable-graph refcounts.
package rcmap

import (
	"sync"

	"go.uber.org/zap"

	"midnight-ledger/internal/arena"
	"midnight-ledger/internal/costmodel"
)

// ChildrenFunc resolves a key's children, matching arena.Arena.Children but
// decoupled so RcMap can be tested against a plain map without a full arena.
type ChildrenFunc func(arena.HashKey) ([]arena.HashKey, error)

// RcMap tracks reference counts for every key reachable from a contract's
// roots. Keys with rc ≥ 1 live in RcGE1; keys with rc == 0 stay alive only
// via an indirection (arena.ChildRef) recorded in Rc0.
type RcMap struct {
	mu    sync.RWMutex
	RcGE1 map[arena.HashKey]uint64
	Rc0   map[arena.HashKey]arena.ChildRef

	audit *zap.SugaredLogger
}

// New returns an empty RcMap.
func New() *RcMap {
	return &RcMap{
		RcGE1: make(map[arena.HashKey]uint64),
		Rc0:   make(map[arena.HashKey]arena.ChildRef),
	}
}

// SetAuditLog attaches a structured zap logger that Incremental uses to
// record each GC cycle's byte/node accounting, kept alongside logrus exactly
// as the teacher's storage layer runs a zap audit trail next to its logrus
// operational log. A nil logger (the default) disables audit logging.
func (m *RcMap) SetAuditLog(l *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		m.audit = nil
		return
	}
	m.audit = l.Sugar().With("component", "rcmap")
}

// Keys returns the union of RcGE1 and Rc0 keys — by invariant, exactly the
// keys reachable from the tracked roots (spec.md §3 RcMap invariant).
func (m *RcMap) Keys() map[arena.HashKey]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[arena.HashKey]struct{}, len(m.RcGE1)+len(m.Rc0))
	for k := range m.RcGE1 {
		out[k] = struct{}{}
	}
	for k := range m.Rc0 {
		out[k] = struct{}{}
	}
	return out
}

// RC returns the refcount of k (0 if absent from both maps, which is
// equivalent to k not being reachable at all).
func (m *RcMap) RC(k arena.HashKey) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.RcGE1[k]; ok {
		return v
	}
	if _, ok := m.Rc0[k]; ok {
		return 0
	}
	return 0
}

func reachable(roots []arena.HashKey, children ChildrenFunc, stopAt map[arena.HashKey]struct{}) (map[arena.HashKey]struct{}, map[arena.HashKey]uint64, error) {
	visited := make(map[arena.HashKey]struct{})
	inEdges := make(map[arena.HashKey]uint64)
	queue := append([]arena.HashKey(nil), roots...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, done := visited[k]; done {
			continue
		}
		if stopAt != nil {
			if _, stop := stopAt[k]; stop {
				continue
			}
		}
		visited[k] = struct{}{}
		kids, err := children(k)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range kids {
			inEdges[c]++
			if _, done := visited[c]; !done {
				queue = append(queue, c)
			}
		}
	}
	return visited, inEdges, nil
}

// Initial walks the reachable set from roots and returns an RcMap whose
// counts equal the in-edge count within that closure (spec.md §4.C).
func Initial(roots []arena.HashKey, children ChildrenFunc) (*RcMap, error) {
	_, inEdges, err := reachable(roots, children, nil)
	if err != nil {
		return nil, err
	}
	m := New()
	for k, c := range inEdges {
		if c == 0 {
			m.Rc0[k] = arena.ChildRef{Referent: k}
		} else {
			m.RcGE1[k] = c
		}
	}
	// Roots themselves are reachable with no recorded in-edge unless also
	// referenced by another node; ensure every root is present.
	for _, r := range roots {
		if _, ok := m.RcGE1[r]; ok {
			continue
		}
		if _, ok := m.Rc0[r]; ok {
			continue
		}
		m.Rc0[r] = arena.ChildRef{Referent: r}
	}
	return m, nil
}

// IncrementalResult is the output of Incremental: byte/node accounting for
// the transition, and the resulting RcMap.
type IncrementalResult struct {
	BytesWritten    uint64
	BytesDeleted    uint64
	NodesWritten    uint64
	NodesDeleted    uint64
	ProcessingCost  uint64
	NewRcMap        *RcMap
	GCComplete      bool // false if the step budget was exhausted mid-GC
}

// NodeSizeFunc returns the serialised byte size of a key's node, used for
// byte accounting (node_size + RcMapKeyOverhead per spec.md §4.C).
type NodeSizeFunc func(arena.HashKey) (uint64, error)

// CPUCostFunc projects the CPU cost of committing byteCount bytes of
// storage delta; OutOfGas is the caller's responsibility to raise if this
// exceeds its budget (spec.md §4.C "Failure semantics").
type CPUCostFunc func(bytesWritten, bytesDeleted uint64) uint64

// GCStepLimitFunc bounds how many keys the GC phase may process in one
// Incremental call.
type GCStepLimitFunc func() int

// Incremental computes the new RcMap for new_roots, applying per-child
// increments for newly-reachable keys and then incrementally
// garbage-collecting keys that fell to refcount 0 and are not in new_roots,
// up to the step budget gcStepLimit(). Exhausting the budget mid-GC leaves
// a valid, resumable RcMap (spec.md §4.C step 3).
func Incremental(
	old *RcMap,
	newRoots []arena.HashKey,
	children ChildrenFunc,
	nodeSize NodeSizeFunc,
	cpuCost CPUCostFunc,
	gcStepLimit GCStepLimitFunc,
) (*IncrementalResult, error) {
	old.mu.RLock()
	oldKeys := make(map[arena.HashKey]struct{}, len(old.RcGE1)+len(old.Rc0))
	for k := range old.RcGE1 {
		oldKeys[k] = struct{}{}
	}
	for k := range old.Rc0 {
		oldKeys[k] = struct{}{}
	}
	newRcGE1 := make(map[arena.HashKey]uint64, len(old.RcGE1))
	for k, v := range old.RcGE1 {
		newRcGE1[k] = v
	}
	newRc0 := make(map[arena.HashKey]arena.ChildRef, len(old.Rc0))
	for k, v := range old.Rc0 {
		newRc0[k] = v
	}
	old.mu.RUnlock()

	// Step 1: keys_added = reachable(new_roots) \ old.keys, traversal stops
	// at any key already present (exploiting child-closure).
	added, inEdgesAdded, err := reachable(newRoots, children, oldKeys)
	if err != nil {
		return nil, err
	}

	result := &IncrementalResult{}

	// Step 2: apply per-child increments. The children of newly reachable
	// keys include already-tracked keys, whose counts gain these in-edges too.
	for k, delta := range inEdgesAdded {
		cur := newRcGE1[k]
		if _, wasZero := newRc0[k]; wasZero {
			delete(newRc0, k)
			cur = 0
		}
		newRcGE1[k] = cur + delta
	}
	for k := range added {
		if inEdgesAdded[k] == 0 {
			newRc0[k] = arena.ChildRef{Referent: k}
		}
		sz, err := nodeSize(k)
		if err != nil {
			return nil, err
		}
		result.BytesWritten += sz + costmodel.RcMapKeyOverhead
		result.NodesWritten++
	}
	// New roots with no recorded in-edge must still be pinned alive.
	for _, r := range newRoots {
		if _, ok := newRcGE1[r]; ok {
			continue
		}
		if _, ok := newRc0[r]; ok {
			continue
		}
		newRc0[r] = arena.ChildRef{Referent: r}
	}

	// Step 3: GC. Every key at refcount zero (in Rc0) that is not a new root
	// seeds the work queue; collecting a key decrements its children, and a
	// child that falls to zero joins the queue in turn.
	newRootSet := make(map[arena.HashKey]struct{}, len(newRoots))
	for _, r := range newRoots {
		newRootSet[r] = struct{}{}
	}

	gcBudget := gcStepLimit()
	queue := make([]arena.HashKey, 0)
	for k := range newRc0 {
		if _, isRoot := newRootSet[k]; !isRoot {
			queue = append(queue, k)
		}
	}

	processed := 0
	gcComplete := true
	for len(queue) > 0 {
		if processed >= gcBudget {
			gcComplete = false
			break
		}
		k := queue[0]
		queue = queue[1:]
		if _, stillZero := newRc0[k]; !stillZero {
			continue
		}
		if _, isRoot := newRootSet[k]; isRoot {
			continue
		}
		kids, err := children(k)
		if err != nil {
			return nil, err
		}
		sz, err := nodeSize(k)
		if err != nil {
			return nil, err
		}
		delete(newRc0, k)
		result.BytesDeleted += sz + costmodel.RcMapKeyOverhead
		result.NodesDeleted++
		processed++

		for _, c := range kids {
			if v, ok := newRcGE1[c]; ok {
				if v <= 1 {
					delete(newRcGE1, c)
					newRc0[c] = arena.ChildRef{Referent: c}
					if _, isRoot := newRootSet[c]; !isRoot {
						queue = append(queue, c)
					}
				} else {
					newRcGE1[c] = v - 1
				}
			}
		}
	}

	result.ProcessingCost = cpuCost(result.BytesWritten, result.BytesDeleted)
	result.GCComplete = gcComplete

	old.mu.RLock()
	audit := old.audit
	old.mu.RUnlock()
	result.NewRcMap = &RcMap{RcGE1: newRcGE1, Rc0: newRc0, audit: audit}

	if audit != nil {
		audit.Infow("gc cycle",
			"nodes_written", result.NodesWritten,
			"nodes_deleted", result.NodesDeleted,
			"bytes_written", result.BytesWritten,
			"bytes_deleted", result.BytesDeleted,
			"gc_complete", result.GCComplete,
		)
	}
	return result, nil
}
