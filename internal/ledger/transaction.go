package ledger

import (
	"context"
	"crypto/sha256"
	"io"
	"math/big"
	"sort"

	"midnight-ledger/internal/zswap"
)

// GuaranteedSegment is the reserved segment id for the guaranteed offer
// (spec.md §3 "segment id = 0 is reserved for the guaranteed offer").
const GuaranteedSegment uint16 = 0

// CanonicalIntentSegment is the reserved segment id for the canonical
// intent (spec.md §3 "segment 1 is the canonical intent").
const CanonicalIntentSegment uint16 = 1

// Transaction is a StandardTransaction<S,P,B>, collapsed from the source's
// phantom type parameters to an explicit Phase (spec.md §3/§9).
type Transaction struct {
	Phase Phase

	NetworkID       string
	Intents         map[uint16]*Intent
	GuaranteedCoins *zswap.Offer
	FallibleCoins   map[uint16]*zswap.Offer

	BindingRandomness *big.Int // sampled by Seal
	BindingCommitment *big.Int // fixed by Seal

	Proofs     map[string]zswap.Proof // keyed by a call/offer identifier, populated by Prove/MockProve
	MockProven bool
	Signatures map[string][]byte

	// ClaimedCallEffects holds the comm_comm of every contract-call effect
	// the VM produced when this transaction's contract actions last ran
	// (vm.EffectsBuffer.ClaimedContractCalls, spec.md §4.E idx 3), populated
	// by whoever executes the transaction before it is checked for
	// well-formedness. Nil means the transaction has not been run yet, or
	// ran with no claimed calls; both vacuously close check 5.
	ClaimedCallEffects [][]byte
}

// NewStandard constructs a fresh pre-bound-signed transaction.
func NewStandard(networkID string) *Transaction {
	return &Transaction{
		Phase:         PhasePreBoundSigned,
		NetworkID:     networkID,
		Intents:       make(map[uint16]*Intent),
		FallibleCoins: make(map[uint16]*zswap.Offer),
		Proofs:        make(map[string]zswap.Proof),
		Signatures:    make(map[string][]byte),
	}
}

func (tx *Transaction) allOffers() []*zswap.Offer {
	var offers []*zswap.Offer
	if tx.GuaranteedCoins != nil {
		offers = append(offers, tx.GuaranteedCoins)
	}
	ids := make([]uint16, 0, len(tx.FallibleCoins))
	for id := range tx.FallibleCoins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		offers = append(offers, tx.FallibleCoins[id])
	}
	return offers
}

// aggregatedBinding sums every offer's pedersen randomness contribution
// plus every intent's own binding commitment (spec.md §4.G/§4.H).
func (tx *Transaction) aggregatedBinding() *big.Int {
	sum := new(big.Int)
	for _, o := range tx.allOffers() {
		sum.Add(sum, o.AggregatedRandomness())
	}
	ids := make([]uint16, 0, len(tx.Intents))
	for id := range tx.Intents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if bc := tx.Intents[id].BindingCommitment; bc != nil {
			sum.Add(sum, bc)
		}
	}
	return sum
}

func sampleRandomness(rng io.Reader) (*big.Int, error) {
	buf := make([]byte, 32)
	if rng != nil {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return nil, err
		}
	} else {
		h := sha256.Sum256([]byte("deterministic-fallback-randomness"))
		copy(buf, h[:])
	}
	return new(big.Int).SetBytes(buf), nil
}

// Seal samples binding randomness and fixes the pedersen commitment,
// transitioning pre-bound → bound (spec.md §4.H).
func (tx *Transaction) Seal(rng io.Reader) error {
	if tx.Phase != PhasePreBoundSigned {
		return ErrInvalidTransition
	}
	r, err := sampleRandomness(rng)
	if err != nil {
		return err
	}
	tx.BindingRandomness = r
	tx.BindingCommitment = new(big.Int).Add(tx.aggregatedBinding(), r)
	tx.Phase = PhaseBoundSigned
	return nil
}

// Prove proves, via provider, every Zswap offer input that carries a proof
// preimage and no proof yet, transitioning pre-bound or bound → proven
// (spec.md §4.H). Contract calls, offer outputs and transients are not
// proved. If the transaction has not yet been sealed, Prove seals it first.
func (tx *Transaction) Prove(ctx context.Context, resolver zswap.KeyResolver, provider zswap.ProvingProvider) error {
	switch tx.Phase {
	case PhasePreBoundSigned:
		if err := tx.Seal(nil); err != nil {
			return err
		}
	case PhaseBoundSigned:
		// already sealed
	default:
		return ErrInvalidTransition
	}

	for _, offer := range tx.allOffers() {
		if err := proveOffer(ctx, offer, resolver, provider, tx.Proofs); err != nil {
			return err
		}
	}
	tx.Phase = PhaseProvenSigned
	tx.MockProven = false
	return nil
}

func proveOffer(ctx context.Context, offer *zswap.Offer, resolver zswap.KeyResolver, provider zswap.ProvingProvider, out map[string]zswap.Proof) error {
	for i := range offer.Inputs {
		in := &offer.Inputs[i]
		if in.Preimage == nil || len(in.Proof) > 0 {
			continue
		}
		proof, _, err := provider.Prove(ctx, *in.Preimage, nil, resolver)
		if err != nil {
			return err
		}
		in.Proof = proof.Bytes
		out[identifierKey("input", in.Nullifier[:])] = proof
	}
	return nil
}

// MockProve may be called only when the transaction has no unproven
// contract calls; it proves every offer input that carries a proof preimage
// and no proof yet with the mock prover's fixed-size junk payload (spec.md
// §4.H).
func (tx *Transaction) MockProve() error {
	if tx.Phase != PhasePreBoundSigned && tx.Phase != PhaseBoundSigned {
		return ErrInvalidTransition
	}
	for _, intent := range tx.Intents {
		for _, action := range intent.ContractActions {
			if action.Kind == ActionCall && len(action.CommComm) == 0 {
				return ErrUnprovenCallsPresent
			}
		}
	}
	if tx.Phase == PhasePreBoundSigned {
		if err := tx.Seal(nil); err != nil {
			return err
		}
	}
	var mock zswap.MockProver
	for _, offer := range tx.allOffers() {
		if err := proveOffer(context.Background(), offer, nil, mock, tx.Proofs); err != nil {
			return err
		}
	}
	tx.Phase = PhaseProvenSigned
	tx.MockProven = true
	return nil
}

// EraseProofs strips all proofs, transitioning any phase → proof-erased
// (spec.md §4.H).
func (tx *Transaction) EraseProofs() error {
	tx.Proofs = make(map[string]zswap.Proof)
	for _, offer := range tx.allOffers() {
		for i := range offer.Inputs {
			offer.Inputs[i].Proof = nil
		}
	}
	tx.Phase = PhaseProofErased
	return nil
}

// EraseSignatures strips all signatures, transitioning proof-erased →
// both-erased (spec.md §4.H).
func (tx *Transaction) EraseSignatures() error {
	if tx.Phase != PhaseProofErased {
		return ErrInvalidTransition
	}
	tx.Signatures = make(map[string][]byte)
	tx.Phase = PhaseBothErased
	return nil
}

// Merge combines two same-phase transactions, requiring disjoint intent
// segment ids and disjoint Zswap offers (spec.md §4.H).
func Merge(a, b *Transaction) (*Transaction, error) {
	if a.Phase != b.Phase {
		return nil, ErrInvalidTransition
	}
	if !disjointSegments(a.Intents, b.Intents) {
		return nil, ErrSegmentCollision
	}

	merged := NewStandard(a.NetworkID)
	merged.Phase = a.Phase

	for id, intent := range a.Intents {
		merged.Intents[id] = intent
	}
	for id, intent := range b.Intents {
		merged.Intents[id] = intent
	}

	if a.GuaranteedCoins != nil && b.GuaranteedCoins != nil {
		g, err := zswap.Merge(a.GuaranteedCoins, b.GuaranteedCoins)
		if err != nil {
			return nil, err
		}
		merged.GuaranteedCoins = g
	} else if a.GuaranteedCoins != nil {
		merged.GuaranteedCoins = a.GuaranteedCoins
	} else {
		merged.GuaranteedCoins = b.GuaranteedCoins
	}

	for id, o := range a.FallibleCoins {
		merged.FallibleCoins[id] = o
	}
	for id, o := range b.FallibleCoins {
		if existing, ok := merged.FallibleCoins[id]; ok {
			mergedOffer, err := zswap.Merge(existing, o)
			if err != nil {
				return nil, err
			}
			merged.FallibleCoins[id] = mergedOffer
		} else {
			merged.FallibleCoins[id] = o
		}
	}

	return merged, nil
}

func identifierKey(kind string, raw []byte) string {
	var buf []byte
	buf = append(buf, []byte(kind)...)
	buf = append(buf, ':')
	buf = append(buf, raw...)
	return string(buf)
}

// Identifier is one observability-facing nullifier or commitment entry.
type Identifier struct {
	Kind  string // "nullifier" | "commitment"
	Value [32]byte
}

// Identifiers returns a canonical sequence of nullifiers and commitments
// in iteration order, across every offer in the transaction (spec.md
// §4.H "Identifier extraction").
func (tx *Transaction) Identifiers() []Identifier {
	var out []Identifier
	for _, offer := range tx.allOffers() {
		for _, in := range offer.Inputs {
			out = append(out, Identifier{Kind: "nullifier", Value: in.Nullifier})
		}
		for _, o := range offer.Outputs {
			out = append(out, Identifier{Kind: "commitment", Value: o.Commitment})
		}
		for _, tr := range offer.Transient {
			out = append(out, Identifier{Kind: "nullifier", Value: tr.Nullifier})
			out = append(out, Identifier{Kind: "commitment", Value: tr.Commitment})
		}
	}
	return out
}
