package ledger

import "errors"

// Sentinel errors surfaced by the transaction state machine and
// well-formedness checker (spec.md §7 "Zswap/Ledger" error kinds). The
// ledger engine never retries one of these — it either accepts a
// transaction or rejects it with exactly one of them.
var (
	ErrInvalidTransition       = errors.New("ledger: invalid phase transition")
	ErrSegmentCollision        = errors.New("ledger: merge requires disjoint segment ids")
	ErrUnprovenCallsPresent    = errors.New("ledger: mock_prove requires no unproven contract calls")
	ErrNetworkMismatch         = errors.New("ledger: network id mismatch")
	ErrTtlExpired              = errors.New("ledger: intent ttl expired")
	ErrUnbalancedOffer         = errors.New("ledger: offer does not balance")
	ErrContractNotFound        = errors.New("ledger: referenced contract does not exist")
	ErrVerifierKeyMissing      = errors.New("ledger: entry point has no registered verifier key")
	ErrClaimedCallUnmatched    = errors.New("ledger: claimed contract call has no matching call")
	ErrNullifierReused         = errors.New("ledger: nullifier already spent")
	ErrBindingMismatch         = errors.New("ledger: pedersen binding does not verify")
	ErrProofVerificationFailed = errors.New("ledger: proof verification failed")
)
