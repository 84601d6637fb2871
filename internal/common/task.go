package common

// Task is one unit of work dispatched to the executor.
type Task struct {
	TaskID         string    `json:"task_id"`
	JobID          string    `json:"job_id"`
	StageID        string    `json:"stage_id"`
	InputPartition TaskInput `json:"input_partition"`
	Partition      int       `json:"partition"` // merge tasks only
}

// TaskInput is the byte segment [Offsets[0], Offsets[1]) of one input file.
type TaskInput struct {
	Path    string   `json:"path"`
	Offsets [2]int64 `json:"offsets"`
}

// TaskReport is what a finished task hands back to the coordinator.
// Counters are returned rather than shared so the coordinator aggregates them.
type TaskReport struct {
	TaskID     string   `json:"task_id"`
	StageID    string   `json:"stage_id"`
	Status     string   `json:"status"`
	ErrorMsg   string   `json:"error_msg,omitempty"`
	Partition  int      `json:"partition"`
	OutputPath string   `json:"output_path,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Counters   Counters `json:"counters"`
	Runs       []Run    `json:"runs,omitempty"`
}
