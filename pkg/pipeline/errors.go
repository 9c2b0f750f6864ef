package pipeline

import (
	"errors"
	"fmt"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// PreconditionError reports a claim that cannot enter evaluation: it does
// not exist, its status forbids it, or another run holds it. Nothing was
// persisted.
type PreconditionError struct {
	ClaimID string
	Status  claims.Status
	Reason  string
}

func (e *PreconditionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("pipeline: claim %s (%s): %s", e.ClaimID, e.Status, e.Reason)
	}
	return fmt.Sprintf("pipeline: claim %s: %s", e.ClaimID, e.Reason)
}

// StorageError reports a persistence write that still failed after the
// audit sink's single retry. The pipeline aborted and the claim was left
// in EVALUATING for the reset path.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsStorageFailure reports whether err is a StorageError.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
