package provingpool

import "errors"

// Sentinel errors for the proof worker pool (spec.md §5 "Back-pressure",
// "Cancellation").
var (
	ErrJobQueueFull       = errors.New("provingpool: queue full")
	ErrJobNotFound        = errors.New("provingpool: job not found")
	ErrCannotCancelActive = errors.New("provingpool: a processing job cannot be cancelled")
	ErrSubmissionThrottled = errors.New("provingpool: submission rate exceeded")
)
