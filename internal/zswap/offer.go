package zswap

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
)

// ErrNonDisjointCoinMerge is returned when two offers share an input,
// output or transient and therefore cannot be merged (spec.md §4.G).
var ErrNonDisjointCoinMerge = errors.New("zswap: offers are not disjoint")

// Input spends a previously inserted coin.
type Input struct {
	Nullifier       [32]byte
	ValueCommitment *big.Int
	ContractOwner   *[32]byte
	MerkleRoot      [32]byte
	Proof           []byte         // set once proven
	Preimage        *ProofPreimage // set before proving
	Randomness      *big.Int       // pedersen blinding factor, kept locally
}

// Output creates a new coin.
type Output struct {
	Commitment      [32]byte
	ValueCommitment *big.Int
	ContractOwner   *[32]byte
	Ciphertext      []byte
	Preimage        *ProofPreimage
	Randomness      *big.Int
}

// Transient both spends and immediately recreates a coin within the same
// offer (e.g. a contract-mediated swap leg).
type Transient struct {
	Nullifier       [32]byte
	Commitment      [32]byte
	ValueCommitment *big.Int
	Preimage        *ProofPreimage
	Randomness      *big.Int
}

// Offer is a balanced bundle of shielded inputs/outputs/transients plus a
// per-token-type delta map (spec.md §3).
type Offer struct {
	Inputs    []Input
	Outputs   []Output
	Transient []Transient
	Deltas    map[ShieldedTokenType]*big.Int
}

// NewOffer returns an empty, already-normalised Offer.
func NewOffer() *Offer {
	return &Offer{Deltas: make(map[ShieldedTokenType]*big.Int)}
}

// pedersenCommit models the additively-homomorphic value commitment as a
// scalar sum of value and blinding randomness; the concrete elliptic-curve
// scheme is an external black box (spec.md §1), only its algebraic
// contract — additive homomorphism — is needed here.
func pedersenCommit(value, randomness *big.Int) *big.Int {
	return new(big.Int).Add(value, randomness)
}

func inputKey(i Input) []byte { return append([]byte{}, i.Nullifier[:]...) }
func outputKey(o Output) []byte { return append([]byte{}, o.Commitment[:]...) }
func transientKey(t Transient) []byte {
	return append(append([]byte{}, t.Nullifier[:]...), t.Commitment[:]...)
}

// Normalise returns a copy of o with inputs/outputs/transients sorted into
// canonical byte order and zero-value delta entries removed (spec.md
// §4.G "Normalisation").
func (o *Offer) Normalise() *Offer {
	inputs := append([]Input(nil), o.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return bytes.Compare(inputKey(inputs[i]), inputKey(inputs[j])) < 0 })

	outputs := append([]Output(nil), o.Outputs...)
	sort.Slice(outputs, func(i, j int) bool { return bytes.Compare(outputKey(outputs[i]), outputKey(outputs[j])) < 0 })

	transients := append([]Transient(nil), o.Transient...)
	sort.Slice(transients, func(i, j int) bool {
		return bytes.Compare(transientKey(transients[i]), transientKey(transients[j])) < 0
	})

	deltas := make(map[ShieldedTokenType]*big.Int, len(o.Deltas))
	for k, v := range o.Deltas {
		if v == nil || v.Sign() == 0 {
			continue
		}
		deltas[k] = new(big.Int).Set(v)
	}

	return &Offer{Inputs: inputs, Outputs: outputs, Transient: transients, Deltas: deltas}
}

// sortedDeltaKeys returns o.Deltas' keys in canonical (byte) order, used by
// deltaSum (and so by Verify) to keep iteration deterministic.
func (o *Offer) sortedDeltaKeys() []ShieldedTokenType {
	keys := make([]ShieldedTokenType, 0, len(o.Deltas))
	for k := range o.Deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

func disjointInputs(a, b []Input) bool {
	seen := make(map[[32]byte]struct{}, len(a))
	for _, i := range a {
		seen[i.Nullifier] = struct{}{}
	}
	for _, i := range b {
		if _, ok := seen[i.Nullifier]; ok {
			return false
		}
	}
	return true
}

func disjointOutputs(a, b []Output) bool {
	seen := make(map[[32]byte]struct{}, len(a))
	for _, o := range a {
		seen[o.Commitment] = struct{}{}
	}
	for _, o := range b {
		if _, ok := seen[o.Commitment]; ok {
			return false
		}
	}
	return true
}

func disjointTransients(a, b []Transient) bool {
	seen := make(map[[32]byte]struct{}, len(a))
	for _, t := range a {
		seen[t.Nullifier] = struct{}{}
	}
	for _, t := range b {
		if _, ok := seen[t.Nullifier]; ok {
			return false
		}
	}
	return true
}

// Merge combines a and b (a ⊕ b), requiring their inputs, outputs and
// transients to be pairwise disjoint; the result is re-normalised
// (spec.md §4.G "Merge").
func Merge(a, b *Offer) (*Offer, error) {
	if !disjointInputs(a.Inputs, b.Inputs) || !disjointOutputs(a.Outputs, b.Outputs) || !disjointTransients(a.Transient, b.Transient) {
		return nil, ErrNonDisjointCoinMerge
	}
	merged := &Offer{
		Inputs:    append(append([]Input(nil), a.Inputs...), b.Inputs...),
		Outputs:   append(append([]Output(nil), a.Outputs...), b.Outputs...),
		Transient: append(append([]Transient(nil), a.Transient...), b.Transient...),
		Deltas:    make(map[ShieldedTokenType]*big.Int),
	}
	for k, v := range a.Deltas {
		merged.Deltas[k] = new(big.Int).Set(v)
	}
	for k, v := range b.Deltas {
		if cur, ok := merged.Deltas[k]; ok {
			merged.Deltas[k] = new(big.Int).Add(cur, v)
		} else {
			merged.Deltas[k] = new(big.Int).Set(v)
		}
	}
	return merged.Normalise(), nil
}

var ErrBalanceMismatch = errors.New("zswap: offer does not balance")

// AggregatedRandomness sums the offer's contribution to the transaction
// binding: Σ input_rc + Σ transient_rc − Σ output_rc (spec.md §4.G
// "Pedersen binding randomness").
func (o *Offer) AggregatedRandomness() *big.Int {
	sum := new(big.Int)
	for _, i := range o.Inputs {
		if i.Randomness != nil {
			sum.Add(sum, i.Randomness)
		}
	}
	for _, t := range o.Transient {
		if t.Randomness != nil {
			sum.Add(sum, t.Randomness)
		}
	}
	for _, out := range o.Outputs {
		if out.Randomness != nil {
			sum.Sub(sum, out.Randomness)
		}
	}
	return sum
}

// deltaSum sums the deltas into one scalar value commitment, in canonical
// key order, for the balance check below.
func (o *Offer) deltaSum() *big.Int {
	sum := new(big.Int)
	for _, k := range o.sortedDeltaKeys() {
		sum.Add(sum, o.Deltas[k])
	}
	return sum
}

func valueCommitmentSum(entries []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, v := range entries {
		if v != nil {
			sum.Add(sum, v)
		}
	}
	return sum
}

// Verify checks the offer's balance invariant: Σ inputs.value_commitment −
// Σ outputs.value_commitment equals the pedersen commitment of deltas under
// the offer's aggregated randomness (spec.md §4.G "Balance invariant").
func (o *Offer) Verify() error {
	var inVC, outVC []*big.Int
	for _, i := range o.Inputs {
		inVC = append(inVC, i.ValueCommitment)
	}
	for _, out := range o.Outputs {
		outVC = append(outVC, out.ValueCommitment)
	}
	lhs := new(big.Int).Sub(valueCommitmentSum(inVC), valueCommitmentSum(outVC))
	rhs := pedersenCommit(o.deltaSum(), o.AggregatedRandomness())
	if lhs.Cmp(rhs) != 0 {
		return ErrBalanceMismatch
	}
	return nil
}
