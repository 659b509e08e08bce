package services

import (
	"errors"
	"fmt"

	"sonata/types"
)

// Marker errors used to classify worker failures. Upstream faults (token or
// URL resolution, metadata fetch) are surfaced distinctly from local faults
// (filesystem, decryption, file moves) so callers can message them apart.
var (
	ErrUpstream = errors.New("upstream fault")
	ErrLocal    = errors.New("local fault")
)

// wrapUpstream tags an error as the provider's problem.
func wrapUpstream(operation string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpstream, operation, err)
	}
	return fmt.Errorf("%w: %s", ErrUpstream, operation)
}

// wrapLocal tags an error as our problem.
func wrapLocal(operation string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLocal, operation, err)
	}
	return fmt.Errorf("%w: %s", ErrLocal, operation)
}

// FailureState maps a worker error to the terminal state the coordinator
// should persist. Anything not explicitly upstream counts as a local fault.
func FailureState(err error) types.TaskState {
	if errors.Is(err, ErrUpstream) {
		return types.StateUpstreamError
	}
	return types.StateError
}
