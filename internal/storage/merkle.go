// Bounded Merkle tree with historical root membership, grounded in the
// teacher's core/merkle_tree_operations.go level-by-level build/proof code,
// generalised from a one-shot batch build to an update-in-place tree with
// a rehash step and a bounded window of previously observed roots.
package storage

import (
	"crypto/sha256"
	"errors"
)

// MaxMerkleHeight is the BoundedMerkleTree height bound (spec.md §3/§4.E).
const MaxMerkleHeight = 32

// ErrTreeFull is returned when updating an index beyond the tree's capacity.
var ErrTreeFull = errors.New("storage: merkle tree index out of bounds")

// ErrHeightExceeded is returned when constructing a tree taller than
// MaxMerkleHeight.
var ErrHeightExceeded = errors.New("storage: merkle height exceeds bound")

func leafHash(value []byte, meta []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(value)
	h.Write(meta)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func branchHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BoundedMerkleTree is an update-in-place Merkle tree of bounded height.
// Leaves default to an all-zero hash; UpdateHash sets a leaf (and its
// stored metadata), Rehash recomputes internal levels bottom-up, and Root
// reports the current root — which is nil until the first Rehash.
type BoundedMerkleTree struct {
	height  int
	leaves  map[uint64][32]byte
	meta    map[uint64][]byte
	levels  [][]map[uint64][32]byte // levels[0] is leaf level, cached nodes only (sparse)
	root    *[32]byte
	history *historicalRoots
}

// NewBoundedMerkleTree constructs a tree of the given height (≤
// MaxMerkleHeight) with a bounded window of historicalDepth previously
// observed roots retained for CheckRoot (spec.md §4.B / SPEC_FULL §4.B').
func NewBoundedMerkleTree(height int, historicalDepth int) (*BoundedMerkleTree, error) {
	if height < 0 || height > MaxMerkleHeight {
		return nil, ErrHeightExceeded
	}
	return &BoundedMerkleTree{
		height:  height,
		leaves:  make(map[uint64][32]byte),
		meta:    make(map[uint64][]byte),
		history: newHistoricalRoots(historicalDepth),
	}, nil
}

// Height returns the tree's configured height.
func (t *BoundedMerkleTree) Height() int { return t.height }

// capacity is the number of leaf slots: 2^height.
func (t *BoundedMerkleTree) capacity() uint64 {
	return uint64(1) << uint(t.height)
}

// UpdateHash sets the leaf at index to a hash of value and meta. Rehash must
// be called before Root/CheckRoot observe the change.
func (t *BoundedMerkleTree) UpdateHash(index uint64, value []byte, meta []byte) error {
	if index >= t.capacity() {
		return ErrTreeFull
	}
	t.leaves[index] = leafHash(value, meta)
	t.meta[index] = meta
	return nil
}

// Rehash recomputes the tree bottom-up from the currently set leaves and
// records the resulting root in the historical-roots window. A
// BoundedMerkleTree's root is non-None only after at least one Rehash
// (spec.md §3 invariant).
func (t *BoundedMerkleTree) Rehash() [32]byte {
	zero := [32]byte{}
	level := make(map[uint64][32]byte, len(t.leaves))
	for k, v := range t.leaves {
		level[k] = v
	}
	for lvl := 0; lvl < t.height; lvl++ {
		next := make(map[uint64][32]byte)
		seen := make(map[uint64]bool)
		for idx := range level {
			parent := idx / 2
			if seen[parent] {
				continue
			}
			seen[parent] = true
			l, ok := level[parent*2]
			if !ok {
				l = zero
			}
			r, ok := level[parent*2+1]
			if !ok {
				r = zero
			}
			next[parent] = branchHash(l, r)
		}
		level = next
	}
	root, ok := level[0]
	if !ok {
		root = zero
	}
	t.root = &root
	t.history.record(root)
	return root
}

// Root returns the current root, or (zero, false) if Rehash has never run.
func (t *BoundedMerkleTree) Root() ([32]byte, bool) {
	if t.root == nil {
		return [32]byte{}, false
	}
	return *t.root, true
}

// CheckRoot reports whether root was observed by any prior Rehash still
// within the historical window; it returns true for the current root too.
func (t *BoundedMerkleTree) CheckRoot(root [32]byte) bool {
	return t.history.contains(root)
}

// ResetHistory clears the historical-roots window, after which CheckRoot
// only recognises the current root.
func (t *BoundedMerkleTree) ResetHistory() {
	t.history.reset()
	if t.root != nil {
		t.history.record(*t.root)
	}
}

// historicalRoots is a bounded ring buffer of previously observed roots.
// SPEC_FULL.md §4.B' fills a gap spec.md leaves silent (unbounded root
// history would leak memory over a long-lived tree).
type historicalRoots struct {
	depth int
	ring  [][32]byte
	set   map[[32]byte]int // root -> count, for O(1) membership under eviction
}

func newHistoricalRoots(depth int) *historicalRoots {
	if depth <= 0 {
		depth = 256
	}
	return &historicalRoots{depth: depth, set: make(map[[32]byte]int)}
}

func (h *historicalRoots) record(root [32]byte) {
	h.ring = append(h.ring, root)
	h.set[root]++
	if len(h.ring) > h.depth {
		evicted := h.ring[0]
		h.ring = h.ring[1:]
		h.set[evicted]--
		if h.set[evicted] <= 0 {
			delete(h.set, evicted)
		}
	}
}

func (h *historicalRoots) contains(root [32]byte) bool {
	return h.set[root] > 0
}

func (h *historicalRoots) reset() {
	h.ring = nil
	h.set = make(map[[32]byte]int)
}
