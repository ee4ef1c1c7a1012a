// Package ledger implements the transaction/intent state machine (spec.md
// §4.H): phantom proof/signature/binding lifecycle states modeled as an
// explicit Phase enum (per spec.md §9 "Phantom state parameters"), plus
// well-formedness checking and identifier extraction.
//
// Grounded in the teacher's core/tx_types.go (explicit enum + build-tag
// split between variants) and core/transactions.go (Sign/VerifySig/AddTx
// state-guarded mutation style, "<component>: <action>: %w" error
// wrapping), generalised from a single linear tx lifecycle to the spec's
// five-phase signature/proof/binding lattice.
package ledger

// Phase is the explicit discriminated union the source's phantom type
// parameters collapse to outside a language with phantom generics
// (spec.md §9).
type Phase int

const (
	PhasePreBoundSigned Phase = iota
	PhaseBoundSigned
	PhaseProvenSigned
	PhaseProofErased
	PhaseBothErased
)

func (p Phase) String() string {
	switch p {
	case PhasePreBoundSigned:
		return "pre-bound-signed"
	case PhaseBoundSigned:
		return "bound-signed"
	case PhaseProvenSigned:
		return "proven-signed"
	case PhaseProofErased:
		return "proof-erased"
	case PhaseBothErased:
		return "both-erased"
	default:
		return "unknown"
	}
}
