package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfcg/sorty/v2"
	"github.com/pingcap/errors"

	"mini-sort/internal/common"
	"mini-sort/internal/metrics"
	"mini-sort/internal/partition"
	"mini-sort/internal/storage"
)

// maxInitialBuffer caps the up-front allocation of a run buffer, in records.
const maxInitialBuffer = 1 << 20

var sortyOnce sync.Once

// SetSortConcurrency sets how many goroutines one in-memory sort may use.
// Only the first call has an effect.
func SetSortConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	sortyOnce.Do(func() {
		sorty.MaxGor = uint64(n)
	})
}

// SortKeys sorts keys in place in the given order.
func SortKeys(keys []int64, order common.Order) {
	sorty.Sort(len(keys), func(i, k, r, s int) bool {
		if order.Less(keys[i], keys[k]) {
			if r != s {
				keys[r], keys[s] = keys[s], keys[r]
			}
			return true
		}
		return false
	})
}

// SendFunc hands a sealed run to the exchange.
type SendFunc func(ctx context.Context, run common.Run) error

// RunBuilderConfig configures a RunBuilder.
type RunBuilderConfig struct {
	JobID        string
	ProducerID   string
	MemoryBudget int64 // bytes of keys buffered before a spill
	Order        common.Order
	Partitioner  *partition.Partitioner
	Store        *storage.RunStore
	Send         SendFunc
}

// RunBuilder is the local sorter of one producer. It buffers keys up to the
// memory budget, then sorts them and spills one sealed run per partition
// the buffer touches, so every run lies within a single partition.
type RunBuilder struct {
	cfg      RunBuilderConfig
	limit    int
	buf      []int64
	seq      int
	runs     []common.Run
	counters common.Counters
}

// NewRunBuilder creates a builder. A budget below one record still buffers one record.
func NewRunBuilder(cfg RunBuilderConfig) *RunBuilder {
	limit := int(cfg.MemoryBudget / common.RecordSize)
	if limit < 1 {
		limit = 1
	}
	if cfg.Partitioner == nil {
		cfg.Partitioner = partition.Single(cfg.Order)
	}
	return &RunBuilder{
		cfg:   cfg,
		limit: limit,
		buf:   make([]int64, 0, min(limit, maxInitialBuffer)),
	}
}

// Accept buffers one key, spilling when the buffer reaches the budget.
func (b *RunBuilder) Accept(ctx context.Context, key int64) error {
	b.buf = append(b.buf, key)
	if len(b.buf) >= b.limit {
		return b.spill(ctx)
	}
	return nil
}

// Flush spills whatever is buffered and returns every run produced so far.
func (b *RunBuilder) Flush(ctx context.Context) ([]common.Run, error) {
	if err := b.spill(ctx); err != nil {
		return nil, err
	}
	return b.runs, nil
}

// Buffered returns the number of keys waiting for a spill.
func (b *RunBuilder) Buffered() int {
	return len(b.buf)
}

// Counters returns the runs and bytes spilled so far.
func (b *RunBuilder) Counters() common.Counters {
	return b.counters
}

func (b *RunBuilder) spill(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	SortKeys(b.buf, b.cfg.Order)
	for _, seg := range b.cfg.Partitioner.Split(b.buf) {
		run := common.Run{
			ID:         fmt.Sprintf("%s-r%04d", b.cfg.ProducerID, b.seq),
			JobID:      b.cfg.JobID,
			ProducerID: b.cfg.ProducerID,
			Partition:  seg.Partition,
		}
		b.seq++
		run, err := b.cfg.Store.WriteRun(ctx, run, seg.Keys)
		if err != nil {
			return errors.Trace(err)
		}
		b.runs = append(b.runs, run)
		b.counters.RunsProduced++
		b.counters.BytesSpilled += run.Size
		metrics.RunsCounter.WithLabelValues(metrics.RunSpilled).Inc()
		metrics.BytesSpilledCounter.Add(float64(run.Size))
		if b.cfg.Send != nil {
			if err := b.cfg.Send(ctx, run); err != nil {
				return errors.Trace(err)
			}
		}
	}
	b.buf = b.buf[:0]
	return nil
}
