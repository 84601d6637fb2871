package common

// Job states (JobStatus.State).
const (
	JobStateInitializing      = "INITIALIZING"
	JobStatePartitioningInput = "PARTITIONING_INPUT"
	JobStateAwaitingRuns      = "AWAITING_RUNS"
	JobStateMerging           = "MERGING"
	JobStateCommitting        = "COMMITTING"
	JobStateCompleted         = "COMPLETED"
	JobStateFailed            = "FAILED"
)

// Stages a task belongs to (Task.StageID, JobStatus.FailedStage).
const (
	StageSample = "sample"
	StageSort   = "sort"
	StageMerge  = "merge"
	StageCommit = "commit"
)

// Task states (TaskReport.Status).
const (
	TaskStatusSuccess = "SUCCESS"
	TaskStatusFailure = "FAILURE"
)

// Output layouts.
const (
	LayoutDir  = "dir"  // <output>/part-NNNNN + _SUCCESS
	LayoutFile = "file" // <output> holds the concatenated sequence
)

// Run codecs.
const (
	CodecNone   = "none"
	CodecSnappy = "snappy"
	CodecZstd   = "zstd"
)

// SuccessMarker is written last into a committed output directory.
const SuccessMarker = "_SUCCESS"

// RecordSize is the in-memory footprint of one buffered key, used against the memory budget.
const RecordSize = 8
