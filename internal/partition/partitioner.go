// Package partition assigns keys to ordered, non-overlapping key ranges.
package partition

import (
	"math"
	"sort"

	"github.com/influxdata/tdigest"
	"github.com/pingcap/errors"

	"mini-sort/internal/common"
)

// digestCompression trades digest size for quantile accuracy.
const digestCompression = 1000

// BoundariesFor picks n-1 strictly increasing split points at the quantiles
// of sample so that partitions receive roughly equal numbers of records.
// It returns nil when n <= 1 or the sample is empty.
func BoundariesFor(n int, sample []int64) []int64 {
	if n <= 1 || len(sample) == 0 {
		return nil
	}
	td := tdigest.NewWithCompression(digestCompression)
	for _, k := range sample {
		td.Add(float64(k), 1)
	}
	bounds := make([]int64, 0, n-1)
	for i := 1; i < n; i++ {
		b := toKey(td.Quantile(float64(i) / float64(n)))
		if len(bounds) > 0 && b <= bounds[len(bounds)-1] {
			prev := bounds[len(bounds)-1]
			if prev == math.MaxInt64 {
				break
			}
			b = prev + 1
		}
		bounds = append(bounds, b)
	}
	// Saturated at MaxInt64: the remaining partitions start at the top and stay empty.
	for len(bounds) < n-1 {
		bounds = append(bounds, math.MaxInt64)
	}
	return bounds
}

func toKey(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(math.Round(f))
}

// Partitioner maps keys to partition ids. It is immutable and safe for
// concurrent use; every producer of a job shares the same boundaries.
type Partitioner struct {
	bounds []int64
	order  common.Order
}

// New builds a partitioner over the given split points. The number of
// partitions is len(bounds)+1. Bounds must be non-decreasing.
func New(bounds []int64, order common.Order) (*Partitioner, error) {
	for i := 1; i < len(bounds); i++ {
		if bounds[i] < bounds[i-1] {
			return nil, errors.Errorf("partition boundaries are not monotonic at %d: %d < %d", i, bounds[i], bounds[i-1])
		}
	}
	return &Partitioner{bounds: append([]int64(nil), bounds...), order: order}, nil
}

// Single is the partitioner of a one-partition job.
func Single(order common.Order) *Partitioner {
	return &Partitioner{order: order}
}

// NumPartitions returns the number of partitions.
func (p *Partitioner) NumPartitions() int {
	return len(p.bounds) + 1
}

// Boundaries returns a copy of the split points.
func (p *Partitioner) Boundaries() []int64 {
	return append([]int64(nil), p.bounds...)
}

// PartitionOf returns the id of the only partition containing key.
// In descending order partition 0 holds the largest keys.
func (p *Partitioner) PartitionOf(key int64) int {
	if len(p.bounds) == 0 {
		return 0
	}
	// index of the first boundary strictly greater than key
	idx := sort.Search(len(p.bounds), func(i int) bool { return key < p.bounds[i] })
	if p.order == common.Descending {
		return len(p.bounds) - idx
	}
	return idx
}

// Range returns the key range of partition id.
func (p *Partitioner) Range(id int) common.Partition {
	n := len(p.bounds)
	idx := id
	if p.order == common.Descending {
		idx = n - id
	}
	part := common.Partition{ID: id, Low: math.MinInt64, High: math.MaxInt64, LowUnbounded: true, HighUnbounded: true}
	if idx > 0 {
		part.Low, part.LowUnbounded = p.bounds[idx-1], false
	}
	if idx < n {
		part.High, part.HighUnbounded = p.bounds[idx], false
	}
	return part
}

// Ranges returns every partition in partition order.
func (p *Partitioner) Ranges() []common.Partition {
	parts := make([]common.Partition, p.NumPartitions())
	for i := range parts {
		parts[i] = p.Range(i)
	}
	return parts
}

// Segment is a slice of a sorted buffer falling into one partition.
type Segment struct {
	Partition int
	Keys      []int64
}

// Split cuts keys, already sorted in the partitioner's order, into
// per-partition segments. Segments share the backing array of keys.
func (p *Partitioner) Split(keys []int64) []Segment {
	var segs []Segment
	for start := 0; start < len(keys); {
		part := p.PartitionOf(keys[start])
		r := p.Range(part)
		// keys are sorted, so the partition ends at the first key outside its range
		end := start + sort.Search(len(keys)-start, func(i int) bool {
			return !r.Contains(keys[start+i])
		})
		segs = append(segs, Segment{Partition: part, Keys: keys[start:end]})
		start = end
	}
	return segs
}
