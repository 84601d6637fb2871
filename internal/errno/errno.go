// Package errno defines the normalized errors of the sort engine.
package errno

import (
	"github.com/pingcap/errors"
)

var (
	// ErrParse marks a malformed input record. It is counted, never fatal.
	ErrParse = errors.Normalize("malformed record %q at %s", errors.RFCCodeText("Sort:Source:ErrParse"))
	// ErrStorageWrite aborts the job: a run or output part could not be written or sealed.
	ErrStorageWrite = errors.Normalize("storage write failed for %s: %v", errors.RFCCodeText("Sort:Storage:ErrStorageWrite"))
	// ErrMissingRun means a partition's run set cannot be completed; the whole job may be retried.
	ErrMissingRun = errors.Normalize("partition %d is missing %d run(s)", errors.RFCCodeText("Sort:Shuffle:ErrMissingRun"))
	// ErrUsage reports invalid arguments or configuration before any work starts.
	ErrUsage = errors.Normalize("%s", errors.RFCCodeText("Sort:Usage:ErrUsage"))
	// ErrOutputExists is returned when the output path exists and overwrite is off.
	ErrOutputExists = errors.Normalize("output path %s already exists", errors.RFCCodeText("Sort:Usage:ErrOutputExists"))
	// ErrRunNotSealed is returned when an unsealed run is offered to the exchange.
	ErrRunNotSealed = errors.Normalize("run %s is not sealed", errors.RFCCodeText("Sort:Shuffle:ErrRunNotSealed"))
	// ErrCorruptRun is returned when a run file fails its checksum or framing checks.
	ErrCorruptRun = errors.Normalize("run %s is corrupt: %s", errors.RFCCodeText("Sort:Storage:ErrCorruptRun"))
	// ErrTaskPanicked wraps a panic recovered from an executor unit.
	ErrTaskPanicked = errors.Normalize("task %s panicked: %v", errors.RFCCodeText("Sort:Executor:ErrTaskPanicked"))
	// ErrNotSorted is reported by the validator when two adjacent output values are out of order.
	ErrNotSorted = errors.Normalize("output is not sorted at index %d: %d then %d", errors.RFCCodeText("Sort:Validate:ErrNotSorted"))
	// ErrValueMismatch is reported by the validator when the output is not a permutation of the input.
	ErrValueMismatch = errors.Normalize("output values differ from input: %s", errors.RFCCodeText("Sort:Validate:ErrValueMismatch"))
)

// IsRetryable reports whether err allows a full job retry.
func IsRetryable(err error) bool {
	return ErrMissingRun.Equal(err)
}

// IsUsage reports whether err is a usage-class error.
func IsUsage(err error) bool {
	return ErrUsage.Equal(err) || ErrOutputExists.Equal(err)
}
