package fab

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactRoundTripsAcrossAllFourClasses(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1 << 40}
	for _, n := range cases {
		enc := EncodeCompactUint64(n)
		got, rest, err := DecodeCompactUint64(enc)
		require.NoError(t, err, "n=%d", n)
		require.Empty(t, rest)
		require.Equal(t, n, got, "n=%d", n)
	}
}

func TestCompactRoundTripsU128Magnitude(t *testing.T) {
	n := new(big.Int).Lsh(big.NewInt(1), 100)
	enc := EncodeCompact(n)
	got, rest, err := DecodeCompact(enc)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, 0, n.Cmp(got))
}

func TestCompactUsesSmallestClass(t *testing.T) {
	require.Len(t, EncodeCompactUint64(63), 1)
	require.Len(t, EncodeCompactUint64(64), 2)
	require.Len(t, EncodeCompactUint64(16383), 2)
	require.Len(t, EncodeCompactUint64(16384), 4)
	require.Len(t, EncodeCompactUint64(1<<30-1), 4)
	require.Len(t, EncodeCompactUint64(1<<30), 5) // big mode: 1 header + 4 bytes
}

func TestCompactRejectsNonCanonicalTwoByteEncoding(t *testing.T) {
	// value 5 (fits in single-byte mode) forced into two-byte mode.
	var buf [2]byte
	buf[0] = byte(5<<2) | 1
	buf[1] = 0
	_, _, err := DecodeCompactUint64(buf[:])
	require.ErrorIs(t, err, ErrNonCanonicalScaleEncoding)
}

func TestCompactRejectsNonCanonicalBigModeTrailingZero(t *testing.T) {
	// big mode header claiming 4 explicit bytes whose top byte is a
	// superfluous zero.
	enc := []byte{0<<2 | 3, 0x01, 0x00, 0x00, 0x00}
	_, _, err := DecodeCompactUint64(enc)
	require.ErrorIs(t, err, ErrNonCanonicalScaleEncoding)
}

func TestCompactRejectsTruncatedInput(t *testing.T) {
	_, _, err := DecodeCompactUint64([]byte{byte(63<<2) | 1}) // two-byte mode, only 1 byte present
	require.ErrorIs(t, err, ErrOutOfRange)
}
