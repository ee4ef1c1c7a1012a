package ledger

import (
	"math/big"
	"time"

	"midnight-ledger/internal/zswap"
)

// ActionKind tags a ContractAction's variant (spec.md §3 "Call | Deploy |
// Maintain").
type ActionKind int

const (
	ActionCall ActionKind = iota
	ActionDeploy
	ActionMaintain
)

// ContractAction is one ordered step of an Intent's contract-call list.
type ContractAction struct {
	Kind            ActionKind
	ContractAddress [32]byte
	EntryPoint      string
	// CommComm identifies this call for the partitioner's call-graph and
	// for claimed-contract-call closure checking (well-formedness check 5).
	CommComm []byte
}

// UnshieldedOffer is the unshielded counterpart to a zswap.Offer: plain
// value transfers with no privacy, used for the guaranteed/fallible
// unshielded legs of an Intent.
type UnshieldedOffer struct {
	Inputs  []UnshieldedInput
	Outputs []UnshieldedOutput
}

type UnshieldedInput struct {
	Owner [32]byte
	Type  zswap.UnshieldedTokenType
	Value *big.Int
	Nonce uint64
}

type UnshieldedOutput struct {
	Owner [32]byte
	Type  zswap.UnshieldedTokenType
	Value *big.Int
}

// DustAction is a fee/dust-accounting step. dust_grace_period's interaction
// with an unset (maximal) deadline is resolved per spec.md §9 open
// question (a): a nil Deadline means "never expires".
type DustAction struct {
	Amount   *big.Int
	Deadline *time.Time
}

// Expired reports whether d's grace period has lapsed by now; a nil
// Deadline never expires.
func (d DustAction) Expired(now time.Time) bool {
	if d.Deadline == nil {
		return false
	}
	return now.After(*d.Deadline)
}

// Intent bundles one segment's unshielded offers, contract actions and
// dust actions under a shared TTL and pedersen binding commitment
// (spec.md §3).
type Intent struct {
	SegmentID           uint16
	GuaranteedUnshielded *UnshieldedOffer
	FallibleUnshielded   *UnshieldedOffer
	ContractActions      []ContractAction
	DustActions          []DustAction
	TTL                  time.Time
	BindingCommitment    *big.Int
}

// disjointSegments reports whether a and b share no segment id.
func disjointSegments(a, b map[uint16]*Intent) bool {
	for id := range a {
		if _, ok := b[id]; ok {
			return false
		}
	}
	return true
}
