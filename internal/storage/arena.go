package storage

import (
	"bytes"
	"sort"

	"midnight-ledger/internal/arena"
	"midnight-ledger/internal/fab"
)

// MapValueTag is the arena tag under which a Map's values are addressed when
// computing Children() hashes. This package's Map is, in practice, used
// exclusively as the backing store for a vm.StateValue Map (values are
// always a nested StateValue's own Encode() output — see
// vm.insertAt/vm.decodeOne), so MapValueTag is fixed to that encoding's tag
// rather than left generic; vm.StateValue.Children() uses the same constant
// so a Map entry and an independently Alloc'd copy of the same StateValue
// hash identically.
const MapValueTag = "vm.StateValue[v1]"

// Tag identifies a Map's own arena encoding.
func (m *Map) Tag() string { return "storage.Map[v1]" }

// Binary serialises every key/value pair in sorted key order, each
// length-prefixed with a SCALE compact count (original_source/serialize/src/
// util.rs), matching the encoding vm.StateValue.Encode uses for its own
// KindMap body so the two stay byte-compatible.
func (m *Map) Binary() []byte {
	type entry struct{ key, val []byte }
	var entries []entry
	m.ForEach(func(key, val []byte) { entries = append(entries, entry{key, val}) })
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	var buf bytes.Buffer
	buf.Write(fab.EncodeCompactUint64(uint64(len(entries))))
	for _, e := range entries {
		buf.Write(fab.EncodeCompactUint64(uint64(len(e.key))))
		buf.Write(e.key)
		buf.Write(fab.EncodeCompactUint64(uint64(len(e.val))))
		buf.Write(e.val)
	}
	return buf.Bytes()
}

// Children reports the content address each value would receive if Alloc'd
// on its own under MapValueTag, letting RcMap treat a contract's Map entries
// as reachable arena nodes without requiring every entry to already be a
// separately persisted Key.
func (m *Map) Children() []arena.HashKey {
	var out []arena.HashKey
	type entry struct{ key, val []byte }
	var entries []entry
	m.ForEach(func(key, val []byte) { entries = append(entries, entry{key, val}) })
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
	for _, e := range entries {
		out = append(out, arena.KeyHash(MapValueTag, e.val))
	}
	return out
}

// DecodeMap reconstructs a Map from the bytes Binary produced. It is
// registered with an Arena under Map's Tag() so Map values can be resolved
// through arena.Resolve.
func DecodeMap(bin []byte, _ []arena.HashKey) (arena.Storable, error) {
	n, rest, err := fab.DecodeCompactUint64(bin)
	if err != nil {
		return nil, err
	}
	m := NewMap()
	for i := uint64(0); i < n; i++ {
		key, next, err := readCompactBytes(rest)
		if err != nil {
			return nil, err
		}
		val, next2, err := readCompactBytes(next)
		if err != nil {
			return nil, err
		}
		m = m.Set(key, val)
		rest = next2
	}
	if len(rest) != 0 {
		return nil, fab.ErrTrailingBytes
	}
	return m, nil
}

func readCompactBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := fab.DecodeCompactUint64(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, fab.ErrOutOfRange
	}
	return rest[:n], rest[n:], nil
}

// arrayElement is satisfied by any Array element able to place itself in the
// arena (vm.StateValue, in this codebase's only real usage of Array).
// Elements that do not implement it are written as an empty tag/payload
// placeholder by Binary and skipped by Children, which matters only for an
// Array used outside the StateValue domain.
type arrayElement interface {
	arena.Storable
}

// Tag identifies an Array's own arena encoding.
func (a *Array) Tag() string { return "storage.Array[v1]" }

// Binary serialises every element's tag and binary payload, length-prefixed
// with SCALE compact counts, preserving index order.
func (a *Array) Binary() []byte {
	var buf bytes.Buffer
	buf.Write(fab.EncodeCompactUint64(uint64(len(a.items))))
	for _, item := range a.items {
		el, ok := item.(arrayElement)
		if !ok {
			buf.Write(fab.EncodeCompactUint64(0))
			buf.Write(fab.EncodeCompactUint64(0))
			continue
		}
		tag := []byte(el.Tag())
		bin := el.Binary()
		buf.Write(fab.EncodeCompactUint64(uint64(len(tag))))
		buf.Write(tag)
		buf.Write(fab.EncodeCompactUint64(uint64(len(bin))))
		buf.Write(bin)
	}
	return buf.Bytes()
}

// Children reports the content address of every element that implements
// arena.Storable, in index order.
func (a *Array) Children() []arena.HashKey {
	var out []arena.HashKey
	for _, item := range a.items {
		el, ok := item.(arrayElement)
		if !ok {
			continue
		}
		out = append(out, arena.KeyHash(el.Tag(), el.Binary()))
	}
	return out
}

// Tag identifies a BoundedMerkleTree's own arena encoding.
func (t *BoundedMerkleTree) Tag() string { return "storage.BoundedMerkleTree[v1]" }

// Binary serialises the tree's height and its sparse leaf/meta maps (the
// only state a rebuilt tree needs; Rehash recomputes the root and levels
// on demand, and the historical-roots window is a runtime cache that is not
// part of the persisted content).
func (t *BoundedMerkleTree) Binary() []byte {
	var buf bytes.Buffer
	buf.Write(fab.EncodeCompactUint64(uint64(t.height)))

	idxs := make([]uint64, 0, len(t.leaves))
	for idx := range t.leaves {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	buf.Write(fab.EncodeCompactUint64(uint64(len(idxs))))
	for _, idx := range idxs {
		buf.Write(fab.EncodeCompactUint64(idx))
		h := t.leaves[idx]
		buf.Write(h[:])
	}

	midxs := make([]uint64, 0, len(t.meta))
	for idx := range t.meta {
		midxs = append(midxs, idx)
	}
	sort.Slice(midxs, func(i, j int) bool { return midxs[i] < midxs[j] })
	buf.Write(fab.EncodeCompactUint64(uint64(len(midxs))))
	for _, idx := range midxs {
		buf.Write(fab.EncodeCompactUint64(idx))
		m := t.meta[idx]
		buf.Write(fab.EncodeCompactUint64(uint64(len(m))))
		buf.Write(m)
	}
	return buf.Bytes()
}

// Children is empty: a BoundedMerkleTree's leaves are terminal digests, not
// separately arena-addressable StateValues.
func (t *BoundedMerkleTree) Children() []arena.HashKey { return nil }

// DecodeBoundedMerkleTree reconstructs a tree from the bytes Binary
// produced, leaving the root unset (matching the pre-Rehash state Binary
// captured it in).
func DecodeBoundedMerkleTree(bin []byte, _ []arena.HashKey) (arena.Storable, error) {
	height, rest, err := fab.DecodeCompactUint64(bin)
	if err != nil {
		return nil, err
	}
	t, err := NewBoundedMerkleTree(int(height), 0)
	if err != nil {
		return nil, err
	}

	n, rest, err := fab.DecodeCompactUint64(rest)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var idx uint64
		idx, rest, err = fab.DecodeCompactUint64(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 32 {
			return nil, fab.ErrOutOfRange
		}
		var h [32]byte
		copy(h[:], rest[:32])
		rest = rest[32:]
		t.leaves[idx] = h
	}

	mn, rest, err := fab.DecodeCompactUint64(rest)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < mn; i++ {
		var idx uint64
		idx, rest, err = fab.DecodeCompactUint64(rest)
		if err != nil {
			return nil, err
		}
		var meta []byte
		meta, rest, err = readCompactBytes(rest)
		if err != nil {
			return nil, err
		}
		t.meta[idx] = meta
	}
	if len(rest) != 0 {
		return nil, fab.ErrTrailingBytes
	}
	return t, nil
}

// RegisterDecoders binds every collection's Decoder to a, so Map/Array/
// BoundedMerkleTree values can be resolved back out of the arena by tag.
func RegisterDecoders(a *arena.Arena) {
	a.RegisterDecoder((&Map{}).Tag(), DecodeMap)
	a.RegisterDecoder((&Array{}).Tag(), func(bin []byte, children []arena.HashKey) (arena.Storable, error) {
		return decodeArray(bin, children)
	})
	a.RegisterDecoder((&BoundedMerkleTree{}).Tag(), DecodeBoundedMerkleTree)
}

func decodeArray(bin []byte, _ []arena.HashKey) (arena.Storable, error) {
	n, rest, err := fab.DecodeCompactUint64(bin)
	if err != nil {
		return nil, err
	}
	arr, err := NewArrayOfLen(int(n))
	if err != nil {
		return nil, err
	}
	// Element tag/binary pairs are only meaningful together with a registry
	// mapping tag -> Decoder for that element type; this package only knows
	// how to skip them (consistent with Array.Binary's placeholder for
	// non-Storable items), so callers that need full element reconstruction
	// resolve each child hash from Children() through the arena separately.
	for i := uint64(0); i < n; i++ {
		_, next, err := readCompactBytes(rest)
		if err != nil {
			return nil, err
		}
		_, next2, err := readCompactBytes(next)
		if err != nil {
			return nil, err
		}
		rest = next2
	}
	if len(rest) != 0 {
		return nil, fab.ErrTrailingBytes
	}
	return arr, nil
}
