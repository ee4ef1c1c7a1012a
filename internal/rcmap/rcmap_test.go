package rcmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/arena"
)

// fakeGraph is a tiny in-memory DAG for exercising Initial/Incremental
// without a real arena backend.
type fakeGraph struct {
	edges map[arena.HashKey][]arena.HashKey
	sizes map[arena.HashKey]uint64
}

func key(b byte) arena.HashKey {
	var k arena.HashKey
	k[0] = b
	return k
}

func (g *fakeGraph) children(k arena.HashKey) ([]arena.HashKey, error) {
	return g.edges[k], nil
}

func (g *fakeGraph) nodeSize(k arena.HashKey) (uint64, error) {
	if sz, ok := g.sizes[k]; ok {
		return sz, nil
	}
	return 10, nil
}

func TestInitialRefcounts(t *testing.T) {
	g := &fakeGraph{edges: map[arena.HashKey][]arena.HashKey{
		key(1): {key(2), key(3)},
		key(2): {key(4)},
		key(3): {key(4)},
	}}
	m, err := Initial([]arena.HashKey{key(1)}, g.children)
	require.NoError(t, err)
	require.Equal(t, uint64(2), m.RC(key(4)), "key 4 has two in-edges within the closure")
}

func TestIncrementalGCUnderBudget(t *testing.T) {
	// Build a 12-node DAG across 6 layers: one root referencing a chain
	// that fans out, then switch the root set to drop half the graph and
	// GC under a step limit of 2 (spec.md §8 scenario 5).
	g := &fakeGraph{edges: map[arena.HashKey][]arena.HashKey{}}
	// layer 0: root
	g.edges[key(0)] = []arena.HashKey{key(1), key(2)}
	// layer 1
	g.edges[key(1)] = []arena.HashKey{key(3), key(4)}
	g.edges[key(2)] = []arena.HashKey{key(5), key(6)}
	// layer 2
	g.edges[key(3)] = []arena.HashKey{key(7)}
	g.edges[key(4)] = []arena.HashKey{key(7)}
	g.edges[key(5)] = []arena.HashKey{key(8)}
	g.edges[key(6)] = []arena.HashKey{key(8)}
	// layer 3 (candidates for drop)
	g.edges[key(7)] = []arena.HashKey{key(9)}
	g.edges[key(8)] = []arena.HashKey{key(10)}
	// layer 4
	g.edges[key(9)] = []arena.HashKey{key(11)}
	g.edges[key(10)] = []arena.HashKey{key(11)}
	// layer 5 leaf
	g.edges[key(11)] = nil

	old, err := Initial([]arena.HashKey{key(0)}, g.children)
	require.NoError(t, err)

	cpuCost := func(w, d uint64) uint64 { return w + d }

	// Switch the root set to just key(2)'s subtree, dropping key(1)'s.
	limited := func() int { return 2 }
	res, err := Incremental(old, []arena.HashKey{key(2)}, g.children, g.nodeSize, cpuCost, limited)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.NodesDeleted, "step budget of 2 must remove exactly 2 nodes")
	require.False(t, res.GCComplete, "partial GC must report incomplete")

	// Resuming with a larger budget finishes the job.
	unlimited := func() int { return 100 }
	res2, err := Incremental(res.NewRcMap, []arena.HashKey{key(2)}, g.children, g.nodeSize, cpuCost, unlimited)
	require.NoError(t, err)
	require.True(t, res2.GCComplete)

	finalKeys := res2.NewRcMap.Keys()
	for _, k := range []arena.HashKey{key(2), key(5), key(6), key(8), key(10), key(11)} {
		_, ok := finalKeys[k]
		require.True(t, ok, "key %v must remain reachable from new root", k)
	}
	for _, k := range []arena.HashKey{key(1), key(3), key(4), key(7), key(9)} {
		_, ok := finalKeys[k]
		require.False(t, ok, "key %v must have been collected", k)
	}
}
