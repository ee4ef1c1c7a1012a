package zswap

import (
	"context"
	"io"
	"math/big"

	"midnight-ledger/internal/costmodel"
)

// ProofPreimage carries everything prove() needs before delegating to an
// external ProvingProvider (spec.md §4.G "Proof lifecycle").
type ProofPreimage struct {
	Inputs                  []Input
	PrivateTranscript       []byte
	PublicTranscriptIn      []byte
	PublicTranscriptOut     []byte
	BindingInput            *big.Int
	CommunicationsCommitment *[32]byte
	KeyLocation              string
}

// Proof is an opaque verified SNARK payload; its internal structure is a
// black box external to this module (spec.md §1).
type Proof struct {
	Bytes []byte
}

// KeyResolver fetches the proving/verifying key material named by
// location, backed by the data-provider's disk cache.
type KeyResolver interface {
	Resolve(ctx context.Context, keyLocation string) ([]byte, error)
}

// ProvingProvider proves a ProofPreimage, returning the Proof and the
// number of already-verified sub-proofs it was able to skip (pi_skips),
// e.g. because a batched ancestor already covered them.
type ProvingProvider interface {
	Prove(ctx context.Context, preimage ProofPreimage, rng io.Reader, resolver KeyResolver) (Proof, int, error)
}

// MockProver returns a fixed-size junk payload instead of a real proof; it
// exists solely for fee estimation and must never be accepted by a
// verifier expecting ResultModeVerify (spec.md §4.G "A mock prover is
// mandated").
type MockProver struct{}

// Prove implements ProvingProvider by returning
// costmodel.WorstCaseProofSize bytes of zero-filled junk.
func (MockProver) Prove(ctx context.Context, preimage ProofPreimage, rng io.Reader, resolver KeyResolver) (Proof, int, error) {
	return Proof{Bytes: make([]byte, costmodel.WorstCaseProofSize)}, 0, nil
}
