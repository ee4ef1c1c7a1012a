package fab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func bytesAlign(length uint32) Alignment {
	return Alignment{{Atom: AlignmentAtom{Kind: AtomBytes, Length: length}}}
}

func fieldAlign() Alignment {
	return Alignment{{Atom: AlignmentAtom{Kind: AtomField}}}
}

func TestFitsRejectsNonNormalForm(t *testing.T) {
	al := bytesAlign(4)
	require.False(t, al.Fits(Value{ValueAtom{1, 2, 0}}), "trailing zero byte is not normal form")
	require.True(t, al.Fits(Value{ValueAtom{1, 2}}))
}

func TestFitsRejectsOversizedBytes(t *testing.T) {
	al := bytesAlign(2)
	require.False(t, al.Fits(Value{ValueAtom{1, 2, 3}}))
}

func TestRoundTripFieldAtom(t *testing.T) {
	al := fieldAlign()
	v := Value{ValueAtom{0xAB, 0xCD}}
	repr, err := al.FieldReprUnchecked(v)
	require.NoError(t, err)
	require.Len(t, repr, 1)

	back, err := al.ParseFieldRepr(repr)
	require.NoError(t, err)
	require.True(t, v.Equal(back), "field atoms round-trip exactly (spec.md §4.D round-trip law)")
}

func TestRoundTripBytesAtomSpansMultipleFieldElements(t *testing.T) {
	al := bytesAlign(64) // 64 bytes > FRBytesStored(31), spans 3 field elements
	v := Value{ValueAtom{1, 2, 3, 4, 5}}
	repr, err := al.FieldReprUnchecked(v)
	require.NoError(t, err)
	require.Len(t, repr, 3)

	back, err := al.ParseFieldRepr(repr)
	require.NoError(t, err)
	require.True(t, v.Equal(back))
}

func TestCompressIsLossyAndRejectsRoundTrip(t *testing.T) {
	al := Alignment{{Atom: AlignmentAtom{Kind: AtomCompress}}}
	v := Value{ValueAtom{1, 2, 3}}

	repr, err := al.FieldReprUnchecked(v)
	require.NoError(t, err, "FieldRepr is defined even for Compress")

	_, err = al.ParseFieldRepr(repr)
	require.ErrorIs(t, err, ErrLossyRoundTrip, "Compress atoms cannot be inverted (spec.md §4.D)")
}

func TestOptionSelectsBranchByDiscriminator(t *testing.T) {
	al := Alignment{{
		IsOption: true,
		Branches: []Alignment{bytesAlign(1), fieldAlign()},
	}}
	// discriminator 0 (the empty atom, its normal form) selects the Bytes{1} branch
	v := Value{ValueAtom{}, ValueAtom{9}}
	require.True(t, al.Fits(v))

	// discriminator 1 selects the Field branch
	v2 := Value{ValueAtom{1}, ValueAtom{0xFF}}
	require.True(t, al.Fits(v2))

	// out-of-range discriminator does not fit
	v3 := Value{ValueAtom{2}, ValueAtom{9}}
	require.False(t, al.Fits(v3))
}

func TestDefaultProducesEmptyAtomsPerSegment(t *testing.T) {
	al := Alignment{
		{Atom: AlignmentAtom{Kind: AtomField}},
		{Atom: AlignmentAtom{Kind: AtomBytes, Length: 8}},
	}
	def := al.Default()
	require.Len(t, def, 2)
	for _, a := range def {
		require.Empty(t, []byte(a))
	}
}
