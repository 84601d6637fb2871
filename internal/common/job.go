package common

import "time"

// JobRequest is the immutable configuration of one sort job.
type JobRequest struct {
	JobID        string   `json:"job_id"`
	Name         string   `json:"name"`
	InputPaths   []string `json:"input_paths"`
	OutputPath   string   `json:"output_path"`
	TmpDir       string   `json:"tmp_dir"`
	Partitions   int      `json:"partitions"`
	MemoryBudget int64    `json:"memory_budget"` // bytes buffered per run
	SplitSize    int64    `json:"split_size"`    // max bytes per input shard
	SampleSize   int      `json:"sample_size"`
	Boundaries   []int64  `json:"boundaries,omitempty"` // fixed split points, skips sampling
	Order        Order    `json:"order"`
	Codec        string   `json:"codec"`
	ReadAhead    int      `json:"read_ahead"` // bytes buffered per merge cursor
	Layout       string   `json:"layout"`
	Overwrite    bool     `json:"overwrite"`
	JobRetries   int      `json:"job_retries"`
}

// Counters are the job-level statistics exposed to callers.
type Counters struct {
	RecordsProcessed int64 `json:"records_processed"` // non-blank input lines
	InvalidRecords   int64 `json:"invalid_records"`
	OutputRecords    int64 `json:"output_records"`
	RunsProduced     int64 `json:"runs_produced"`
	BytesSpilled     int64 `json:"bytes_spilled"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.RecordsProcessed += o.RecordsProcessed
	c.InvalidRecords += o.InvalidRecords
	c.OutputRecords += o.OutputRecords
	c.RunsProduced += o.RunsProduced
	c.BytesSpilled += o.BytesSpilled
}

// PartitionResult is the committed output of one partition.
type PartitionResult struct {
	Partition Partition `json:"partition"`
	Path      string    `json:"path"`
	Records   int64     `json:"records"`
	Runs      int       `json:"runs"`
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	JobID           string            `json:"job_id"`
	Name            string            `json:"name"`
	State           string            `json:"state"`
	Attempt         int               `json:"attempt"`
	OutputPath      string            `json:"output_path"`
	Counters        Counters          `json:"counters"`
	Partitions      []PartitionResult `json:"partitions,omitempty"`
	FailedStage     string            `json:"failed_stage,omitempty"`
	FailedPartition int               `json:"failed_partition"`
	Error           string            `json:"error,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

// Terminal reports whether the job reached COMPLETED or FAILED.
func (s *JobStatus) Terminal() bool {
	return s.State == JobStateCompleted || s.State == JobStateFailed
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *JobStatus) Clone() *JobStatus {
	c := *s
	c.Partitions = append([]PartitionResult(nil), s.Partitions...)
	return &c
}
