package shuffle

import (
	"time"

	"mini-sort/internal/common"
)

// ProducerState is where a producer is in its lifecycle.
type ProducerState int

// Producer states.
const (
	ProducerPending ProducerState = iota
	ProducerCompleted
	ProducerFailed
)

func (s ProducerState) String() string {
	switch s {
	case ProducerPending:
		return "pending"
	case ProducerCompleted:
		return "completed"
	case ProducerFailed:
		return "failed"
	}
	return "unknown"
}

// Manifest lists, per partition, the ids of the runs a producer delivered.
type Manifest map[int][]string

// ManifestOf builds the manifest describing runs.
func ManifestOf(runs []common.Run) Manifest {
	m := make(Manifest)
	for _, r := range runs {
		m[r.Partition] = append(m[r.Partition], r.ID)
	}
	return m
}

// Producer is the exchange's view of one sort task.
type Producer struct {
	ID        string
	State     ProducerState
	Manifest  Manifest
	Err       error
	UpdatedAt time.Time
}

// ProducerRegistry tracks producers in registration order. It is not safe
// for concurrent use; the Exchange guards it with its own lock.
type ProducerRegistry struct {
	producers map[string]*Producer
	order     []string
}

// NewProducerRegistry creates an empty registry.
func NewProducerRegistry() *ProducerRegistry {
	return &ProducerRegistry{producers: make(map[string]*Producer)}
}

// Register adds a pending producer. Registering twice is a no-op.
func (r *ProducerRegistry) Register(id string) *Producer {
	if p, ok := r.producers[id]; ok {
		return p
	}
	p := &Producer{ID: id, State: ProducerPending, UpdatedAt: time.Now()}
	r.producers[id] = p
	r.order = append(r.order, id)
	return p
}

// Get returns the producer with the given id.
func (r *ProducerRegistry) Get(id string) (*Producer, bool) {
	p, ok := r.producers[id]
	return p, ok
}

// Complete marks a pending producer as completed with its manifest.
// It returns false if the producer is unknown or already terminal.
func (r *ProducerRegistry) Complete(id string, manifest Manifest) bool {
	p, ok := r.producers[id]
	if !ok || p.State != ProducerPending {
		return false
	}
	p.State, p.Manifest, p.UpdatedAt = ProducerCompleted, manifest, time.Now()
	return true
}

// Fail marks a producer as failed. A completed producer can still be failed
// when its output is later found unusable.
func (r *ProducerRegistry) Fail(id string, err error) bool {
	p, ok := r.producers[id]
	if !ok || p.State == ProducerFailed {
		return false
	}
	p.State, p.Err, p.UpdatedAt = ProducerFailed, err, time.Now()
	return true
}

// Pending returns the ids of producers that have not finished yet.
func (r *ProducerRegistry) Pending() []string {
	var ids []string
	for _, id := range r.order {
		if r.producers[id].State == ProducerPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Failed returns the failed producers in registration order.
func (r *ProducerRegistry) Failed() []*Producer {
	var ps []*Producer
	for _, id := range r.order {
		if p := r.producers[id]; p.State == ProducerFailed {
			ps = append(ps, p)
		}
	}
	return ps
}

// Completed returns the completed producers in registration order.
func (r *ProducerRegistry) Completed() []*Producer {
	var ps []*Producer
	for _, id := range r.order {
		if p := r.producers[id]; p.State == ProducerCompleted {
			ps = append(ps, p)
		}
	}
	return ps
}

// Len returns the number of registered producers.
func (r *ProducerRegistry) Len() int {
	return len(r.order)
}
