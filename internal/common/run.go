package common

// Run describes an immutable sorted sequence of keys spilled by a local sorter.
// A Run only leaves its producer once Sealed is set.
type Run struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	ProducerID string `json:"producer_id"`
	Partition  int    `json:"partition"`
	Min        int64  `json:"min"`
	Max        int64  `json:"max"`
	Count      int64  `json:"count"`
	Size       int64  `json:"size"` // bytes on storage
	Path       string `json:"path"`
	Sealed     bool   `json:"sealed"`
}
