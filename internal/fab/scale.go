package fab

import (
	"encoding/binary"
	"errors"
	"math/big"
)

// Serialisation error kinds (spec.md §7): every length-prefixed field in
// the wire format is decoded through DecodeCompact, so these four kinds are
// shared by the whole StateValue codec rather than redefined per caller.
var (
	ErrNonCanonicalScaleEncoding = errors.New("fab: non-canonical compact-integer encoding")
	ErrTagMismatch               = errors.New("fab: tag byte does not match any known variant")
	ErrTrailingBytes             = errors.New("fab: trailing bytes after decode")
	ErrOutOfRange                = errors.New("fab: compact-encoded value exceeds available bytes")
)

// The four SCALE compact-integer length classes (original_source/
// serialize/src/util.rs), selected by the low two bits of the first byte.
const (
	scaleModeSingle = 0 // 0b00: 6 value bits packed into the rest of byte 0
	scaleModeTwo    = 1 // 0b01: 14 value bits across 2 bytes, little-endian
	scaleModeFour   = 2 // 0b10: 30 value bits across 4 bytes, little-endian
	scaleModeBig    = 3 // 0b11: big-integer mode, explicit byte count - 4
)

var (
	scaleSingleLimit = big.NewInt(1 << 6)
	scaleTwoLimit    = big.NewInt(1 << 14)
	scaleFourLimit   = big.NewInt(1 << 30)
)

// EncodeCompact emits n in the smallest of the four SCALE compact classes
// able to represent it, the canonical form this codec requires on decode.
// n must be non-negative; u32/u64/u128 magnitudes all fit comfortably in the
// big-integer mode's byte-count header (up to 67 explicit bytes).
func EncodeCompact(n *big.Int) []byte {
	if n.Sign() < 0 {
		panic("fab: EncodeCompact of negative value")
	}
	switch {
	case n.Cmp(scaleSingleLimit) < 0:
		return []byte{byte(n.Uint64()<<2) | scaleModeSingle}
	case n.Cmp(scaleTwoLimit) < 0:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n.Uint64()<<2)|scaleModeTwo)
		return buf[:]
	case n.Cmp(scaleFourLimit) < 0:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(n.Uint64()<<2)|scaleModeFour)
		return buf[:]
	default:
		le := reverse(n.Bytes())
		for len(le) > 0 && le[len(le)-1] == 0 {
			le = le[:len(le)-1]
		}
		header := byte((len(le)-4)<<2) | scaleModeBig
		out := make([]byte, 0, 1+len(le))
		out = append(out, header)
		return append(out, le...)
	}
}

// DecodeCompact reads one compact-encoded integer from the front of b,
// returning the value and the unconsumed remainder. An encoding using a
// wider class than the value requires — e.g. two-byte mode for a value
// under 64 — is rejected as ErrNonCanonicalScaleEncoding, matching spec.md
// §8's "non-canonical encodings are rejected" property.
func DecodeCompact(b []byte) (*big.Int, []byte, error) {
	if len(b) == 0 {
		return nil, nil, ErrOutOfRange
	}
	switch b[0] & 0x03 {
	case scaleModeSingle:
		return big.NewInt(int64(b[0] >> 2)), b[1:], nil
	case scaleModeTwo:
		if len(b) < 2 {
			return nil, nil, ErrOutOfRange
		}
		v := uint64(binary.LittleEndian.Uint16(b[:2]) >> 2)
		if v < uint64(scaleSingleLimit.Int64()) {
			return nil, nil, ErrNonCanonicalScaleEncoding
		}
		return new(big.Int).SetUint64(v), b[2:], nil
	case scaleModeFour:
		if len(b) < 4 {
			return nil, nil, ErrOutOfRange
		}
		v := uint64(binary.LittleEndian.Uint32(b[:4]) >> 2)
		if v < uint64(scaleTwoLimit.Int64()) {
			return nil, nil, ErrNonCanonicalScaleEncoding
		}
		return new(big.Int).SetUint64(v), b[4:], nil
	default: // scaleModeBig
		nBytes := int(b[0]>>2) + 4
		if len(b) < 1+nBytes {
			return nil, nil, ErrOutOfRange
		}
		le := b[1 : 1+nBytes]
		if le[nBytes-1] == 0 {
			return nil, nil, ErrNonCanonicalScaleEncoding
		}
		v := new(big.Int).SetBytes(reverse(le))
		if v.Cmp(scaleFourLimit) < 0 {
			return nil, nil, ErrNonCanonicalScaleEncoding
		}
		return v, b[1+nBytes:], nil
	}
}

// EncodeCompactUint64 is the common-case wrapper around EncodeCompact for
// lengths and counts that never exceed 64 bits (array/map sizes, atom
// lengths); u128-range values (field elements) go through EncodeCompact
// directly.
func EncodeCompactUint64(n uint64) []byte {
	return EncodeCompact(new(big.Int).SetUint64(n))
}

// DecodeCompactUint64 decodes a compact integer and requires it fit in a
// uint64, returning ErrOutOfRange if the decoded value is wider (only
// meaningful for the big-integer class, since single/two/four-byte mode
// always fit).
func DecodeCompactUint64(b []byte) (uint64, []byte, error) {
	v, rest, err := DecodeCompact(b)
	if err != nil {
		return 0, nil, err
	}
	if !v.IsUint64() {
		return 0, nil, ErrOutOfRange
	}
	return v.Uint64(), rest, nil
}
