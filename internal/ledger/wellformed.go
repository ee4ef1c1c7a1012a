package ledger

import (
	"context"
	"errors"
	"time"

	"midnight-ledger/internal/zswap"
)

// ContractRegistry answers existence/verifier-key lookups needed by
// well-formedness check 4 (spec.md §4.H "Contract existence").
type ContractRegistry interface {
	Exists(address [32]byte) bool
	VerifierKey(address [32]byte, entryPoint string) ([]byte, bool)
}

// NullifierSet answers spent-nullifier membership for well-formedness
// check 6 (spec.md §4.H "Double-spend rejection").
type NullifierSet interface {
	Contains(nullifier [32]byte) bool
}

// ProofVerifier checks a proof against its public inputs; the concrete
// verification algorithm is an external black box (spec.md §1), this
// module only consumes its pass/fail contract.
type ProofVerifier interface {
	Verify(ctx context.Context, proof zswap.Proof, publicInputs []byte) (bool, error)
}

// CheckFailure attributes one failed well-formedness check to its step
// name, so callers (tests, the HTTP layer) can report which of the 8
// checks rejected a transaction rather than only the first.
type CheckFailure struct {
	Step string
	Err  error
}

// WellFormedReport carries every failed check, not just the first, per
// spec.md §4.H's eight-point well_formed(ledger, strictness, now). OK is
// true iff Failures is empty.
type WellFormedReport struct {
	OK       bool
	Failures []CheckFailure
}

func (r *WellFormedReport) fail(step string, err error) {
	r.Failures = append(r.Failures, CheckFailure{Step: step, Err: err})
}

// WellFormed runs all eight checks of spec.md §4.H's well_formed(ledger,
// strictness, now) against tx and attributes every failure, returning a
// joined error (satisfying errors.Is against any individual sentinel)
// alongside the full per-check report.
func WellFormed(ctx context.Context, tx *Transaction, networkID string, regs ContractRegistry, nullifiers NullifierSet, verifier ProofVerifier, enforceBalancing bool, now time.Time) (*WellFormedReport, error) {
	r := &WellFormedReport{}

	// 1. Network id match.
	if tx.NetworkID != networkID {
		r.fail("network_id", ErrNetworkMismatch)
	}

	// 2. Intent TTL.
	for _, id := range sortedIntentIDs(tx.Intents) {
		intent := tx.Intents[id]
		if now.After(intent.TTL) {
			r.fail("intent_ttl", ErrTtlExpired)
		}
		for _, da := range intent.DustActions {
			if da.Expired(now) {
				r.fail("intent_ttl", ErrTtlExpired)
			}
		}
	}

	// 3. Offer balance, unless strictness disables it.
	if enforceBalancing {
		for _, offer := range tx.allOffers() {
			if err := offer.Verify(); err != nil {
				r.fail("offer_balance", ErrUnbalancedOffer)
			}
		}
	}

	// 4. Contract / verifier-key existence for every claimed call.
	for _, id := range sortedIntentIDs(tx.Intents) {
		for _, action := range tx.Intents[id].ContractActions {
			if action.Kind != ActionCall {
				continue
			}
			if regs == nil || !regs.Exists(action.ContractAddress) {
				r.fail("contract_existence", ErrContractNotFound)
				continue
			}
			if _, ok := regs.VerifierKey(action.ContractAddress, action.EntryPoint); !ok {
				r.fail("verifier_key", ErrVerifierKeyMissing)
			}
		}
	}

	// 5. Claimed contract-call closure: every claimed call recorded in
	// tx.ClaimedCallEffects must correspond to a Call action declared in
	// this same transaction (spec.md §4.F/§4.H interaction).
	if !claimedCallsClosed(tx) {
		r.fail("claimed_call_closure", ErrClaimedCallUnmatched)
	}

	// 6. Nullifier uniqueness: no nullifier repeats within tx, and none is
	// already spent in the backing ledger state.
	seen := make(map[[32]byte]struct{})
	for _, ident := range tx.Identifiers() {
		if ident.Kind != "nullifier" {
			continue
		}
		if _, dup := seen[ident.Value]; dup {
			r.fail("nullifier_uniqueness", ErrNullifierReused)
			continue
		}
		seen[ident.Value] = struct{}{}
		if nullifiers != nil && nullifiers.Contains(ident.Value) {
			r.fail("nullifier_uniqueness", ErrNullifierReused)
		}
	}

	// 7. Pedersen binding verification: the fixed BindingCommitment must
	// equal the aggregated randomness plus BindingRandomness.
	if tx.Phase != PhasePreBoundSigned {
		if tx.BindingCommitment == nil || tx.BindingRandomness == nil {
			r.fail("binding_commitment", ErrBindingMismatch)
		} else {
			expect := tx.aggregatedBinding()
			expect.Add(expect, tx.BindingRandomness)
			if expect.Cmp(tx.BindingCommitment) != 0 {
				r.fail("binding_commitment", ErrBindingMismatch)
			}
		}
	}

	// 8. Proof verification, only meaningful once the transaction is
	// actually proven and was not produced by the mock prover.
	if tx.Phase == PhaseProvenSigned && !tx.MockProven && verifier != nil {
		for key, proof := range tx.Proofs {
			ok, err := verifier.Verify(ctx, proof, []byte(key))
			if err != nil {
				r.fail("proof_verification", err)
			} else if !ok {
				r.fail("proof_verification", ErrProofVerificationFailed)
			}
		}
	}

	if len(r.Failures) == 0 {
		r.OK = true
		return r, nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f.Err
	}
	return r, errors.Join(errs...)
}

func sortedIntentIDs(intents map[uint16]*Intent) []uint16 {
	ids := make([]uint16, 0, len(intents))
	for id := range intents {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// claimedCallsClosed reports whether every contract-call effect the VM
// produced for tx (tx.ClaimedCallEffects, vm.EffectsBuffer.ClaimedContractCalls
// idx 3) corresponds to a ContractAction of kind Call actually declared in
// this same transaction (spec.md §4.H check 5: "for every contract call
// effect, a matching call exists in the same transaction"). A transaction
// that produced no claimed-call effects vacuously closes.
func claimedCallsClosed(tx *Transaction) bool {
	declared := make(map[string]struct{})
	for _, id := range sortedIntentIDs(tx.Intents) {
		for _, action := range tx.Intents[id].ContractActions {
			if action.Kind == ActionCall {
				declared[string(action.CommComm)] = struct{}{}
			}
		}
	}
	for _, effect := range tx.ClaimedCallEffects {
		if _, ok := declared[string(effect)]; !ok {
			return false
		}
	}
	return true
}
