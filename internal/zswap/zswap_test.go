package zswap

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/costmodel"
)

func bi(n int64) *big.Int { return big.NewInt(n) }

func TestCommitmentDeterministic(t *testing.T) {
	info, err := NewCoinInfo([32]byte{1}, ShieldedTokenType{2}, bi(100))
	require.NoError(t, err)
	c1 := Commitment(info, []byte("tag"), []byte("hash"))
	c2 := Commitment(info, []byte("tag"), []byte("hash"))
	require.Equal(t, c1, c2)

	other, _ := NewCoinInfo([32]byte{1}, ShieldedTokenType{2}, bi(101))
	c3 := Commitment(other, []byte("tag"), []byte("hash"))
	require.NotEqual(t, c1, c3)
}

func TestNewCoinInfoRejectsNegative(t *testing.T) {
	_, err := NewCoinInfo([32]byte{}, ShieldedTokenType{}, bi(-1))
	require.ErrorIs(t, err, ErrNegativeValue)
}

func balancedOffer(t *testing.T, value int64) *Offer {
	t.Helper()
	randomness := bi(7)
	typ := ShieldedTokenType{9}
	o := &Offer{
		Inputs: []Input{{
			Nullifier:       [32]byte{1},
			ValueCommitment: pedersenCommit(bi(value), randomness),
			Randomness:      randomness,
		}},
		Deltas: map[ShieldedTokenType]*big.Int{typ: bi(value)},
	}
	return o.Normalise()
}

func TestOfferVerifyAcceptsBalancedOffer(t *testing.T) {
	o := balancedOffer(t, 50)
	require.NoError(t, o.Verify())
}

func TestOfferVerifyRejectsTamperedDelta(t *testing.T) {
	o := balancedOffer(t, 50)
	o.Deltas[ShieldedTokenType{9}] = bi(51)
	require.ErrorIs(t, o.Verify(), ErrBalanceMismatch)
}

func TestNormaliseDropsZeroDeltasAndSortsInputs(t *testing.T) {
	o := &Offer{
		Inputs: []Input{
			{Nullifier: [32]byte{2}},
			{Nullifier: [32]byte{1}},
		},
		Deltas: map[ShieldedTokenType]*big.Int{
			{1}: bi(0),
			{2}: bi(5),
		},
	}
	n := o.Normalise()
	require.Len(t, n.Deltas, 1)
	require.Equal(t, [32]byte{1}, n.Inputs[0].Nullifier)
	require.Equal(t, [32]byte{2}, n.Inputs[1].Nullifier)
}

func TestMergeRejectsSharedInput(t *testing.T) {
	a := &Offer{Inputs: []Input{{Nullifier: [32]byte{1}}}, Deltas: map[ShieldedTokenType]*big.Int{}}
	b := &Offer{Inputs: []Input{{Nullifier: [32]byte{1}}}, Deltas: map[ShieldedTokenType]*big.Int{}}
	_, err := Merge(a, b)
	require.ErrorIs(t, err, ErrNonDisjointCoinMerge)
}

func TestMergeSumsDisjointDeltas(t *testing.T) {
	typ := ShieldedTokenType{3}
	a := &Offer{Inputs: []Input{{Nullifier: [32]byte{1}}}, Deltas: map[ShieldedTokenType]*big.Int{typ: bi(10)}}
	b := &Offer{Inputs: []Input{{Nullifier: [32]byte{2}}}, Deltas: map[ShieldedTokenType]*big.Int{typ: bi(5)}}
	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Equal(t, bi(15), merged.Deltas[typ])
	require.Len(t, merged.Inputs, 2)
}

func TestMockProverReturnsFixedSizeJunk(t *testing.T) {
	var prover MockProver
	proof, skips, err := prover.Prove(context.Background(), ProofPreimage{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, skips)
	require.Len(t, proof.Bytes, int(costmodel.WorstCaseProofSize))
}
