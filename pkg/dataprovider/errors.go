package dataprovider

import "errors"

// Sentinel errors for the proving-parameter fetch/verify/cache contract
// (spec.md §6 "Data-provider contract").
var (
	ErrIntegrityFailure = errors.New("dataprovider: artifact hash mismatch")
	ErrUnknownArtifact  = errors.New("dataprovider: no known hash registered for artifact")
	ErrFetchExhausted   = errors.New("dataprovider: retries exhausted fetching artifact")
)
