package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/zswap"
)

type fakeRegistry struct {
	contracts map[[32]byte]map[string][]byte
}

func (r fakeRegistry) Exists(addr [32]byte) bool {
	_, ok := r.contracts[addr]
	return ok
}

func (r fakeRegistry) VerifierKey(addr [32]byte, entryPoint string) ([]byte, bool) {
	eps, ok := r.contracts[addr]
	if !ok {
		return nil, false
	}
	key, ok := eps[entryPoint]
	return key, ok
}

type fakeNullifiers struct{ spent map[[32]byte]struct{} }

func (n fakeNullifiers) Contains(nullifier [32]byte) bool {
	_, ok := n.spent[nullifier]
	return ok
}

type acceptVerifier struct{}

func (acceptVerifier) Verify(ctx context.Context, proof zswap.Proof, publicInputs []byte) (bool, error) {
	return true, nil
}

func baseTx() *Transaction {
	tx := NewStandard("mainnet")
	tx.Intents[CanonicalIntentSegment] = &Intent{
		SegmentID: CanonicalIntentSegment,
		TTL:       time.Now().Add(time.Hour),
	}
	tx.GuaranteedCoins = zswap.NewOffer()
	return tx
}

func TestSealFixesBindingCommitment(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.Seal(nil))
	require.Equal(t, PhaseBoundSigned, tx.Phase)
	require.NotNil(t, tx.BindingCommitment)
	require.Equal(t, tx.BindingRandomness, tx.BindingCommitment)
}

func TestSealRejectsWrongPhase(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.Seal(nil))
	require.ErrorIs(t, tx.Seal(nil), ErrInvalidTransition)
}

func TestMockProveRejectsUnprovenCalls(t *testing.T) {
	tx := baseTx()
	tx.Intents[CanonicalIntentSegment].ContractActions = []ContractAction{
		{Kind: ActionCall, ContractAddress: [32]byte{1}, EntryPoint: "run"},
	}
	require.ErrorIs(t, tx.MockProve(), ErrUnprovenCallsPresent)
}

func TestMockProveSucceedsWithoutCalls(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.MockProve())
	require.Equal(t, PhaseProvenSigned, tx.Phase)
	require.True(t, tx.MockProven)
}

func TestEraseProofsThenSignatures(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.MockProve())
	require.NoError(t, tx.EraseProofs())
	require.Equal(t, PhaseProofErased, tx.Phase)
	require.Len(t, tx.Proofs, 0)
	require.NoError(t, tx.EraseSignatures())
	require.Equal(t, PhaseBothErased, tx.Phase)

	require.ErrorIs(t, tx.EraseSignatures(), ErrInvalidTransition)
}

func TestMergeRejectsSegmentCollision(t *testing.T) {
	a := baseTx()
	b := baseTx()
	_, err := Merge(a, b)
	require.ErrorIs(t, err, ErrSegmentCollision)
}

func TestMergeCombinesDisjointSegments(t *testing.T) {
	a := baseTx()
	b := baseTx()
	b.Intents = map[uint16]*Intent{
		2: {SegmentID: 2, TTL: time.Now().Add(time.Hour)},
	}
	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, merged.Intents, 2)
}

func TestWellFormedRejectsNetworkMismatch(t *testing.T) {
	tx := baseTx()
	report, err := WellFormed(context.Background(), tx, "testnet", nil, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrNetworkMismatch)
	require.False(t, report.OK)
	require.Equal(t, "network_id", report.Failures[0].Step)
}

func TestWellFormedRejectsExpiredTTL(t *testing.T) {
	tx := baseTx()
	tx.Intents[CanonicalIntentSegment].TTL = time.Now().Add(-time.Hour)
	_, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrTtlExpired)
}

func TestWellFormedRejectsUnbalancedOffer(t *testing.T) {
	tx := baseTx()
	tx.GuaranteedCoins.Deltas[zswap.ShieldedTokenType{1}] = big.NewInt(5)
	_, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrUnbalancedOffer)
}

func TestWellFormedSkipsBalanceWhenDisabled(t *testing.T) {
	tx := baseTx()
	tx.GuaranteedCoins.Deltas[zswap.ShieldedTokenType{1}] = big.NewInt(5)
	_, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, nil, false, time.Now())
	require.NoError(t, err)
}

func TestWellFormedRejectsMissingContract(t *testing.T) {
	tx := baseTx()
	tx.Intents[CanonicalIntentSegment].ContractActions = []ContractAction{
		{Kind: ActionCall, ContractAddress: [32]byte{9}, EntryPoint: "run", CommComm: []byte("c1")},
	}
	regs := fakeRegistry{contracts: map[[32]byte]map[string][]byte{}}
	_, err := WellFormed(context.Background(), tx, "mainnet", regs, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrContractNotFound)
}

func TestWellFormedRejectsUnmatchedClaimedCall(t *testing.T) {
	tx := baseTx()
	tx.Intents[CanonicalIntentSegment].ContractActions = []ContractAction{
		{Kind: ActionCall, ContractAddress: [32]byte{9}, EntryPoint: "run", CommComm: []byte("c1")},
	}
	regs := fakeRegistry{contracts: map[[32]byte]map[string][]byte{
		{9}: {"run": []byte("vk")},
	}}
	// The VM claims a call the transaction never declared.
	tx.ClaimedCallEffects = [][]byte{[]byte("c2")}
	_, err := WellFormed(context.Background(), tx, "mainnet", regs, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrClaimedCallUnmatched)
}

func TestWellFormedAcceptsMatchedClaimedCall(t *testing.T) {
	tx := baseTx()
	tx.Intents[CanonicalIntentSegment].ContractActions = []ContractAction{
		{Kind: ActionCall, ContractAddress: [32]byte{9}, EntryPoint: "run", CommComm: []byte("c1")},
	}
	regs := fakeRegistry{contracts: map[[32]byte]map[string][]byte{
		{9}: {"run": []byte("vk")},
	}}
	tx.ClaimedCallEffects = [][]byte{[]byte("c1")}
	report, err := WellFormed(context.Background(), tx, "mainnet", regs, nil, nil, true, time.Now())
	require.NoError(t, err)
	require.True(t, report.OK)
}

func TestWellFormedRejectsReusedNullifier(t *testing.T) {
	tx := baseTx()
	tx.GuaranteedCoins.Inputs = []zswap.Input{{Nullifier: [32]byte{7}}}
	nullifiers := fakeNullifiers{spent: map[[32]byte]struct{}{{7}: {}}}
	_, err := WellFormed(context.Background(), tx, "mainnet", nil, nullifiers, nil, false, time.Now())
	require.ErrorIs(t, err, ErrNullifierReused)
}

func TestWellFormedRejectsBindingMismatch(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.Seal(nil))
	tx.BindingCommitment = big.NewInt(999)
	_, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, nil, true, time.Now())
	require.ErrorIs(t, err, ErrBindingMismatch)
}

func TestWellFormedAcceptsSealedEmptyTransaction(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.Seal(nil))
	report, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, nil, true, time.Now())
	require.NoError(t, err)
	require.True(t, report.OK)
}

func TestWellFormedAcceptsProvenTransactionViaVerifier(t *testing.T) {
	tx := baseTx()
	require.NoError(t, tx.MockProve())
	// MockProven transactions skip proof verification entirely, so attach
	// a fabricated proof and clear the flag to exercise the verifier path.
	tx.MockProven = false
	tx.Proofs["synthetic"] = zswap.Proof{Bytes: []byte("x")}
	report, err := WellFormed(context.Background(), tx, "mainnet", nil, nil, acceptVerifier{}, true, time.Now())
	require.NoError(t, err)
	require.True(t, report.OK)
}
