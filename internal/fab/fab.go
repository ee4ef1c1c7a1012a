// Package fab implements the field-aligned binary value/alignment ADT
// described in spec.md §3/§4.D: a dual binary/field-element encoding used
// to move StateValue cells between their wire representation and the
// opaque field used by the (black-box) proving system.
package fab

import (
	"bytes"
	"errors"
	"math/big"

	"midnight-ledger/internal/costmodel"
)

// ValueAtom is a byte string in normal form: it carries no trailing zero
// byte, matching spec.md §3's normal-form requirement.
type ValueAtom []byte

// NormalForm reports whether a carries no trailing zero byte.
func (a ValueAtom) NormalForm() bool {
	return len(a) == 0 || a[len(a)-1] != 0
}

// Value is a sequence of ValueAtoms.
type Value []ValueAtom

// AlignmentAtom tags a single segment of an Alignment.
type AlignmentAtomKind int

const (
	AtomCompress AlignmentAtomKind = iota
	AtomBytes
	AtomField
)

// AlignmentAtom is Compress | Bytes{length} | Field.
type AlignmentAtom struct {
	Kind   AlignmentAtomKind
	Length uint32 // meaningful only for AtomBytes
}

// AlignmentSegment is Atom(AlignmentAtom) | Option(sequence<Alignment>).
type AlignmentSegment struct {
	IsOption bool
	Atom     AlignmentAtom
	Branches []Alignment // meaningful only when IsOption
}

// Alignment is a sequence of AlignmentSegments.
type Alignment []AlignmentSegment

var (
	ErrAlignmentMismatch = errors.New("fab: value does not fit alignment")
	ErrNotNormalForm     = errors.New("fab: atom is not in normal form")
	ErrTruncatedOption   = errors.New("fab: option segment missing 2-byte discriminator")
	ErrLossyRoundTrip    = errors.New("fab: alignment contains a lossy Compress atom")
)

// Fits reports whether value matches alignment exactly: every Atom segment
// finds a value atom of adequate length in normal form, and every Option
// segment is preceded by a 2-byte discriminator selecting one branch, whose
// sub-alignment recursively fits the remainder.
func (al Alignment) Fits(value Value) bool {
	_, rest, ok := consume(al, value)
	return ok && len(rest) == 0
}

// Consume performs a greedy prefix match, returning the consumed Value
// aligned to al and the remainder, or ok=false if al does not match a
// prefix of value.
func (al Alignment) Consume(value Value) (aligned Value, remainder Value, ok bool) {
	return consume(al, value)
}

func consume(al Alignment, value Value) (Value, Value, bool) {
	var consumed Value
	rest := value
	for _, seg := range al {
		if seg.IsOption {
			if len(rest) < 1 {
				return nil, nil, false
			}
			disc := rest[0]
			if !disc.NormalForm() {
				return nil, nil, false
			}
			rest = rest[1:]
			idx := discriminatorIndex(disc)
			if idx < 0 || idx >= len(seg.Branches) {
				return nil, nil, false
			}
			consumed = append(consumed, disc)
			sub, remainder, ok := consume(seg.Branches[idx], rest)
			if !ok {
				return nil, nil, false
			}
			consumed = append(consumed, sub...)
			rest = remainder
			continue
		}
		if len(rest) < 1 {
			return nil, nil, false
		}
		atom := rest[0]
		if !atomFits(seg.Atom, atom) {
			return nil, nil, false
		}
		consumed = append(consumed, atom)
		rest = rest[1:]
	}
	return consumed, rest, true
}

func discriminatorIndex(disc ValueAtom) int {
	if len(disc) == 0 {
		return 0
	}
	n := 0
	for i := len(disc) - 1; i >= 0; i-- {
		n = n<<8 | int(disc[i])
	}
	return n
}

func atomFits(spec AlignmentAtom, atom ValueAtom) bool {
	if !atom.NormalForm() {
		return false
	}
	switch spec.Kind {
	case AtomCompress:
		return true
	case AtomBytes:
		return spec.Length >= uint32(len(atom))
	case AtomField:
		return len(atom) <= 32
	}
	return false
}

// Default returns the value obtained by taking each atom's default (the
// empty ValueAtom for Bytes/Field/Compress; an empty Value for an Option
// with no discriminator selected).
func (al Alignment) Default() Value {
	var out Value
	for _, seg := range al {
		if seg.IsOption {
			// An empty Option yields an empty value (spec.md §4.D).
			continue
		}
		out = append(out, ValueAtom{})
	}
	return out
}

// FieldReprUnchecked emits the field-element representation of value under
// alignment al, per spec.md §4.D. It does not itself validate Fits; callers
// needing that guarantee should check Fits first.
func (al Alignment) FieldReprUnchecked(value Value) ([]*big.Int, error) {
	aligned, _, ok := consume(al, value)
	if !ok {
		return nil, ErrAlignmentMismatch
	}
	var out []*big.Int
	idx := 0
	var walk func(segs []AlignmentSegment) error
	walk = func(segs []AlignmentSegment) error {
		for _, seg := range segs {
			if seg.IsOption {
				if idx >= len(aligned) {
					return ErrTruncatedOption
				}
				disc := aligned[idx]
				idx++
				n := discriminatorIndex(disc)
				out = append(out, new(big.Int).SetBytes(reverse(disc)))
				if n < 0 || n >= len(seg.Branches) {
					return ErrAlignmentMismatch
				}
				if err := walk(seg.Branches[n]); err != nil {
					return err
				}
				continue
			}
			if idx >= len(aligned) {
				return ErrAlignmentMismatch
			}
			atom := aligned[idx]
			idx++
			switch seg.Atom.Kind {
			case AtomCompress:
				if len(atom) == 0 {
					out = append(out, big.NewInt(0))
				} else {
					out = append(out, transientCommit(atom))
				}
			case AtomBytes:
				out = append(out, packBytesLE(atom, seg.Atom.Length)...)
			case AtomField:
				out = append(out, new(big.Int).SetBytes(reverse(atom)))
			}
		}
		return nil
	}
	if err := walk(al); err != nil {
		return nil, err
	}
	return out, nil
}

// transientCommit is the opaque transient_hash black-box named in spec.md
// §1: its algebraic contract (a deterministic map from a byte string and
// its length to a field element) is all that is modeled here; the actual
// scheme is out of scope.
func transientCommit(atom ValueAtom) *big.Int {
	acc := big.NewInt(int64(len(atom)))
	for _, b := range atom {
		acc.Lsh(acc, 8)
		acc.Or(acc, big.NewInt(int64(b)))
	}
	return acc
}

func packBytesLE(atom ValueAtom, length uint32) []*big.Int {
	padded := make([]byte, length)
	copy(padded, atom)
	n := int(length+costmodel.FRBytesStored-1) / costmodel.FRBytesStored
	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		start := i * costmodel.FRBytesStored
		end := start + costmodel.FRBytesStored
		if end > len(padded) {
			end = len(padded)
		}
		chunk := padded[start:end]
		out[i] = new(big.Int).SetBytes(reverse(chunk))
	}
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// HasCompress reports whether al contains any Compress atom anywhere in its
// (possibly nested) segments — Compress is lossy, so ParseFieldRepr cannot
// invert FieldRepr for such an alignment (spec.md §4.D round-trip law).
func (al Alignment) HasCompress() bool {
	for _, seg := range al {
		if seg.IsOption {
			for _, b := range seg.Branches {
				if b.HasCompress() {
					return true
				}
			}
			continue
		}
		if seg.Atom.Kind == AtomCompress {
			return true
		}
	}
	return false
}

// ParseFieldRepr inverts FieldReprUnchecked: it is defined only when al has
// no Compress atom anywhere (otherwise the mapping is lossy and this
// returns ErrLossyRoundTrip).
func (al Alignment) ParseFieldRepr(repr []*big.Int) (Value, error) {
	if al.HasCompress() {
		return nil, ErrLossyRoundTrip
	}
	idx := 0
	var out Value
	var walk func(segs []AlignmentSegment) error
	walk = func(segs []AlignmentSegment) error {
		for _, seg := range segs {
			if seg.IsOption {
				if idx >= len(repr) {
					return ErrTruncatedOption
				}
				n := repr[idx]
				idx++
				sel := int(n.Int64())
				out = append(out, ValueAtom(leTrim(n.Bytes())))
				if sel < 0 || sel >= len(seg.Branches) {
					return ErrAlignmentMismatch
				}
				if err := walk(seg.Branches[sel]); err != nil {
					return err
				}
				continue
			}
			switch seg.Atom.Kind {
			case AtomField:
				if idx >= len(repr) {
					return ErrAlignmentMismatch
				}
				out = append(out, ValueAtom(leTrim(repr[idx].Bytes())))
				idx++
			case AtomBytes:
				n := int(seg.Atom.Length+costmodel.FRBytesStored-1) / costmodel.FRBytesStored
				var buf []byte
				for i := 0; i < n; i++ {
					if idx >= len(repr) {
						return ErrAlignmentMismatch
					}
					chunk := make([]byte, costmodel.FRBytesStored)
					b := reverse(repr[idx].Bytes())
					copy(chunk, b)
					buf = append(buf, chunk...)
					idx++
				}
				if len(buf) > int(seg.Atom.Length) {
					buf = buf[:seg.Atom.Length]
				}
				out = append(out, ValueAtom(trimTrailingZero(buf)))
			}
		}
		return nil
	}
	if err := walk(al); err != nil {
		return nil, err
	}
	return out, nil
}

func leTrim(b []byte) []byte {
	return trimTrailingZero(reverseCopy(b))
}

func reverseCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func trimTrailingZero(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// Equal reports deep equality of two Values, used by tests asserting the
// round-trip law.
func (v Value) Equal(other Value) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if !bytes.Equal(v[i], other[i]) {
			return false
		}
	}
	return true
}
