package master

import (
	goerrors "errors"

	"mini-sort/internal/common"
)

// transitions lists the legal successors of every non-terminal job state.
// A retried attempt goes back to PARTITIONING_INPUT.
var transitions = map[string][]string{
	common.JobStateInitializing:      {common.JobStatePartitioningInput},
	common.JobStatePartitioningInput: {common.JobStateAwaitingRuns},
	common.JobStateAwaitingRuns:      {common.JobStateMerging, common.JobStatePartitioningInput},
	common.JobStateMerging:           {common.JobStateCommitting, common.JobStatePartitioningInput},
	common.JobStateCommitting:        {common.JobStateCompleted},
}

// canTransition reports whether a job may move from one state to another.
// FAILED is reachable from every non-terminal state.
func canTransition(from, to string) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	if to == common.JobStateFailed {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// stageError attaches the failing stage and partition to an error.
type stageError struct {
	stage     string
	partition int
	err       error
}

func failAt(stage string, partition int, err error) error {
	if err == nil {
		return nil
	}
	var se *stageError
	if goerrors.As(err, &se) {
		return err
	}
	return &stageError{stage: stage, partition: partition, err: err}
}

func asStageError(err error, target **stageError) bool {
	return goerrors.As(err, target)
}

func (e *stageError) Error() string {
	return e.err.Error()
}

// Cause lets errors.Cause reach the classified error.
func (e *stageError) Cause() error {
	return e.err
}

func (e *stageError) Unwrap() error {
	return e.err
}
