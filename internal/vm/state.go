// Package vm implements the on-chain stack machine (spec.md §4.E): a
// single-threaded, cooperative interpreter over structured StateValues with
// gas accounting, checkpoints, and an indexed effects buffer.
//
// Grounded in the teacher's core/virtual_machine.go (GasMeter, VM execution
// contract) and core/opcode_dispatcher.go (opcode → handler dispatch table),
// generalised from an EVM-style byte/word machine to the spec's tagged
// StateValue stack.
package vm

import (
	"bytes"
	"sort"

	"midnight-ledger/internal/arena"
	"midnight-ledger/internal/fab"
	"midnight-ledger/internal/storage"
)

// stateValueTag is the arena tag a StateValue is addressed under; also used
// by storage.Map.Children (storage.MapValueTag) and by nested Array elements
// so a StateValue hashes identically whether reached as a Map entry, an
// Array element, or an independent top-level Alloc.
const stateValueTag = "vm.StateValue[v1]"

// MaxCellBytes bounds a Cell's encoded size (spec.md §4.E "Bounds").
const MaxCellBytes = 32 * 1024

// Kind tags a StateValue's variant.
type Kind byte

const (
	KindNull Kind = iota
	KindCell
	KindMap
	KindArray
	KindBMT
)

// StateValue is the tagged union contract state is built from (spec.md §3):
// Null | Cell(AlignedValue) | Map(Hashmap) | Array(≤16) | BoundedMerkleTree.
type StateValue struct {
	Kind  Kind
	Cell  fab.Value
	Map   *storage.Map
	Array *storage.Array
	BMT   *storage.BoundedMerkleTree
}

// Null is the canonical empty StateValue.
var Null = StateValue{Kind: KindNull}

// NewCell wraps a fab.Value as a Cell StateValue, rejecting values whose
// encoding would exceed MaxCellBytes.
func NewCell(v fab.Value) (StateValue, error) {
	sv := StateValue{Kind: KindCell, Cell: v}
	if len(sv.Encode()) > MaxCellBytes {
		return StateValue{}, ErrCellTooLarge
	}
	return sv, nil
}

// Encode serialises v as a tag byte followed by its contents; every length
// and count is a SCALE compact integer (fab.EncodeCompactUint64) rather than
// a fixed-width field, per spec.md §6 "StateValue encoding". Map keys are
// serialised in sorted order.
func (v StateValue) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// no body
	case KindCell:
		buf.Write(fab.EncodeCompactUint64(uint64(len(v.Cell))))
		for _, atom := range v.Cell {
			writeLenPrefixed(&buf, atom)
		}
	case KindMap:
		type entry struct {
			key []byte
			val []byte
		}
		var entries []entry
		if v.Map != nil {
			v.Map.ForEach(func(key, val []byte) {
				entries = append(entries, entry{key, val})
			})
		}
		sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
		buf.Write(fab.EncodeCompactUint64(uint64(len(entries))))
		for _, e := range entries {
			writeLenPrefixed(&buf, e.key)
			writeLenPrefixed(&buf, e.val)
		}
	case KindArray:
		n := 0
		if v.Array != nil {
			n = v.Array.Len()
		}
		buf.Write(fab.EncodeCompactUint64(uint64(n)))
		if v.Array != nil {
			v.Array.ForEach(func(_ int, val interface{}) {
				child, _ := val.(StateValue)
				enc := child.Encode()
				writeLenPrefixed(&buf, enc)
			})
		}
	case KindBMT:
		if v.BMT != nil {
			if root, ok := v.BMT.Root(); ok {
				buf.WriteByte(1)
				buf.Write(root[:])
			} else {
				buf.WriteByte(0)
			}
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// Tag identifies a StateValue's arena encoding (arena.Storable).
func (v StateValue) Tag() string { return stateValueTag }

// Binary is v's own wire encoding, reused verbatim as the arena payload.
func (v StateValue) Binary() []byte { return v.Encode() }

// Children reports the content address every nested StateValue would
// receive if Alloc'd on its own, so a contract's Map/Array-valued state
// genuinely rests on the arena (arena.Arena.Alloc/Get) rather than existing
// only as an in-memory Go structure: Map entries hash under
// storage.MapValueTag (their raw encoded bytes), Array elements hash under
// their own Tag()/Binary(). Cell, Null and BMT StateValues have no arena
// children of their own.
func (v StateValue) Children() []arena.HashKey {
	switch v.Kind {
	case KindMap:
		if v.Map == nil {
			return nil
		}
		return v.Map.Children()
	case KindArray:
		if v.Array == nil {
			return nil
		}
		var out []arena.HashKey
		v.Array.ForEach(func(_ int, val interface{}) {
			if child, ok := val.(StateValue); ok {
				out = append(out, arena.KeyHash(child.Tag(), child.Binary()))
			}
		})
		return out
	default:
		return nil
	}
}

// DecodeStateValue reconstructs a StateValue from the bytes Encode
// produced; it is registered with an Arena under stateValueTag so contract
// state can be resolved back out of the arena by Arena.Resolve.
func DecodeStateValue(bin []byte, _ []arena.HashKey) (arena.Storable, error) {
	return Decode(bin)
}

// RegisterArenaDecoders binds StateValue's and its collections' Decoders to
// a, completing the wiring that lets contract state (StateValue, and the
// storage.Map/Array/BoundedMerkleTree it is built from) round-trip through
// Arena.Alloc/Get/Resolve instead of living only as in-process Go values.
func RegisterArenaDecoders(a *arena.Arena) {
	a.RegisterDecoder(stateValueTag, DecodeStateValue)
	storage.RegisterDecoders(a)
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	buf.Write(fab.EncodeCompactUint64(uint64(len(b))))
	buf.Write(b)
}

// Decode inverts Encode. It is used internally whenever a StateValue is
// read back out of a Map/Array container, which store children in their
// encoded form.
func Decode(b []byte) (StateValue, error) {
	sv, rest, err := decodeOne(b)
	if err != nil {
		return StateValue{}, err
	}
	if len(rest) != 0 {
		return StateValue{}, fab.ErrTrailingBytes
	}
	return sv, nil
}

func decodeOne(b []byte) (StateValue, []byte, error) {
	if len(b) < 1 {
		return StateValue{}, nil, fab.ErrOutOfRange
	}
	kind := Kind(b[0])
	b = b[1:]
	switch kind {
	case KindNull:
		return Null, b, nil
	case KindCell:
		n, b, err := readCompactLen(b)
		if err != nil {
			return StateValue{}, nil, err
		}
		cell := make([]fab.ValueAtom, 0, n)
		for i := uint64(0); i < n; i++ {
			var atom []byte
			atom, b, err = readLenPrefixed(b)
			if err != nil {
				return StateValue{}, nil, err
			}
			cell = append(cell, fab.ValueAtom(atom))
		}
		return StateValue{Kind: KindCell, Cell: cell}, b, nil
	case KindMap:
		n, b, err := readCompactLen(b)
		if err != nil {
			return StateValue{}, nil, err
		}
		m := storage.NewMap()
		for i := uint64(0); i < n; i++ {
			var key, val []byte
			key, b, err = readLenPrefixed(b)
			if err != nil {
				return StateValue{}, nil, err
			}
			val, b, err = readLenPrefixed(b)
			if err != nil {
				return StateValue{}, nil, err
			}
			m = m.Set(key, val)
		}
		return StateValue{Kind: KindMap, Map: m}, b, nil
	case KindArray:
		n, b, err := readCompactLen(b)
		if err != nil {
			return StateValue{}, nil, err
		}
		arr, err := storage.NewArrayOfLen(int(n))
		if err != nil {
			return StateValue{}, nil, err
		}
		for i := uint64(0); i < n; i++ {
			var enc []byte
			enc, b, err = readLenPrefixed(b)
			if err != nil {
				return StateValue{}, nil, err
			}
			child, err := Decode(enc)
			if err != nil {
				return StateValue{}, nil, err
			}
			arr, err = arr.Set(int(i), child)
			if err != nil {
				return StateValue{}, nil, err
			}
		}
		return StateValue{Kind: KindArray, Array: arr}, b, nil
	case KindBMT:
		// A BMT's encoding carries only its root commitment, not its leaf
		// state, so decoding yields an empty height-0 tree placeholder
		// rather than a reconstructed one. The encoded root bytes are
		// consumed and discarded; the returned tree has no root.
		if len(b) < 1 {
			return StateValue{}, nil, fab.ErrOutOfRange
		}
		has := b[0]
		b = b[1:]
		tree, err := storage.NewBoundedMerkleTree(0, 1)
		if err != nil {
			return StateValue{}, nil, err
		}
		if has == 1 {
			if len(b) < 32 {
				return StateValue{}, nil, fab.ErrOutOfRange
			}
			b = b[32:]
		}
		return StateValue{Kind: KindBMT, BMT: tree}, b, nil
	default:
		return StateValue{}, nil, fab.ErrTagMismatch
	}
}

// readCompactLen decodes a SCALE compact-encoded length/count prefix
// (spec.md §6), rejecting non-canonical encodings per spec.md §8.
func readCompactLen(b []byte) (uint64, []byte, error) {
	return fab.DecodeCompactUint64(b)
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	n, b, err := readCompactLen(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(b)) < n {
		return nil, nil, fab.ErrOutOfRange
	}
	return b[:n], b[n:], nil
}

// Equal reports structural equality via canonical encoding.
func (v StateValue) Equal(o StateValue) bool {
	return bytes.Equal(v.Encode(), o.Encode())
}

// TypeName names v's kind for the Type opcode.
func (v StateValue) TypeName() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindCell:
		return "cell"
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindBMT:
		return "merkle-tree"
	default:
		return "unknown"
	}
}

// Size reports a StateValue's element count (map entries or array length);
// Cell, Null and BoundedMerkleTree values report 0.
func (v StateValue) Size() int {
	switch v.Kind {
	case KindMap:
		if v.Map == nil {
			return 0
		}
		return v.Map.Len()
	case KindArray:
		if v.Array == nil {
			return 0
		}
		return v.Array.Len()
	default:
		return 0
	}
}

// RunningCost accumulates per-transaction resource usage (spec.md §4.E).
type RunningCost struct {
	ReadTime     uint64
	ComputeTime  uint64
	BytesWritten uint64
	BytesDeleted uint64
}

func (c *RunningCost) Add(o RunningCost) {
	c.ReadTime += o.ReadTime
	c.ComputeTime += o.ComputeTime
	c.BytesWritten += o.BytesWritten
	c.BytesDeleted += o.BytesDeleted
}

// EffectsBuffer is the indexed effects log a contract call populates; the
// index positions are part of the wire contract (spec.md §4.E).
type EffectsBuffer struct {
	ClaimedNullifiers      [][]byte // idx 0
	ClaimedShieldedReceives [][]byte // idx 1
	ClaimedShieldedSpends  [][]byte // idx 2
	ClaimedContractCalls   [][]byte // idx 3
	ShieldedMints          [][]byte // idx 4
	UnshieldedMints        [][]byte // idx 5
	UnshieldedInputs       [][]byte // idx 6
	UnshieldedOutputs      [][]byte // idx 7
	ClaimedUnshieldedSpends [][]byte // idx 8
}

// Reset clears all nine effect slots, used between guaranteed/fallible
// transcript sections (spec.md §4.F step 6).
func (e *EffectsBuffer) Reset() {
	*e = EffectsBuffer{}
}

// QueryContext exposes read-only chain context to running contract code
// (spec.md §4.E).
type QueryContext struct {
	ContractAddress   [32]byte
	IndexedCommitments [][]byte
	BlockTime         uint64
	ParentBlockHash   [32]byte
	Balance           map[string]uint64 // TokenType (opaque key) -> amount
	Effects           *EffectsBuffer
	CallerIdentity    []byte
}

// NewQueryContext returns a QueryContext with an initialised effects buffer
// and balance map.
func NewQueryContext(contract [32]byte, caller []byte) *QueryContext {
	return &QueryContext{
		ContractAddress: contract,
		Balance:         make(map[string]uint64),
		Effects:         &EffectsBuffer{},
		CallerIdentity:  caller,
	}
}
