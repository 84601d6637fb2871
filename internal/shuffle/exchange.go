// Package shuffle routes sealed runs from sort tasks to per-partition merges.
package shuffle

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
	"mini-sort/internal/metrics"
)

// RunRemover deletes the file behind a run.
type RunRemover interface {
	Remove(run common.Run) error
}

// Exchange collects runs per partition. Delivery is at-least-once: a run
// sent twice is kept once. A partition is ready once every registered
// producer finished and every run its manifest names for that partition
// has arrived.
type Exchange struct {
	mu      sync.Mutex
	changed chan struct{}

	jobID      string
	partitions int
	remover    RunRemover

	registry   *ProducerRegistry
	sealed     bool
	runs       map[string]common.Run
	byPart     [][]string
	discarded  map[string][]int // producer -> discarded runs per partition
	duplicates int
}

// NewExchange creates an exchange for a job with the given number of partitions.
// remover may be nil, in which case discarded runs are only forgotten.
func NewExchange(jobID string, partitions int, remover RunRemover) *Exchange {
	return &Exchange{
		changed:    make(chan struct{}),
		jobID:      jobID,
		partitions: partitions,
		remover:    remover,
		registry:   NewProducerRegistry(),
		runs:       make(map[string]common.Run),
		byPart:     make([][]string, partitions),
		discarded:  make(map[string][]int),
	}
}

// notifyLocked wakes every Await.
func (e *Exchange) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Register announces a producer. Every producer must be registered before Seal.
func (e *Exchange) Register(producerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return errors.Errorf("exchange of job %s is sealed, cannot register %s", e.jobID, producerID)
	}
	e.registry.Register(producerID)
	return nil
}

// Seal declares that no more producers will be registered.
func (e *Exchange) Seal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = true
	e.notifyLocked()
}

// Send delivers one sealed run. Redelivering a run id is a no-op, and a run
// from a failed producer is discarded.
func (e *Exchange) Send(ctx context.Context, run common.Run) error {
	if !run.Sealed {
		return errno.ErrRunNotSealed.GenWithStackByArgs(run.ID)
	}
	if run.Partition < 0 || run.Partition >= e.partitions {
		return errors.Errorf("run %s targets partition %d, job has %d", run.ID, run.Partition, e.partitions)
	}

	e.mu.Lock()
	if _, dup := e.runs[run.ID]; dup {
		e.duplicates++
		e.mu.Unlock()
		metrics.RunsCounter.WithLabelValues(metrics.RunDuplicate).Inc()
		logutil.Logger(ctx).Debug("duplicate run delivery ignored", zap.String("run", run.ID))
		return nil
	}
	p, ok := e.registry.Get(run.ProducerID)
	if !ok {
		e.mu.Unlock()
		return errors.Errorf("run %s comes from unknown producer %s", run.ID, run.ProducerID)
	}
	if p.State == ProducerFailed {
		e.mu.Unlock()
		// the run is dropped either way; only its file removal can fail
		return e.discard(ctx, []common.Run{run})
	}
	e.runs[run.ID] = run
	e.byPart[run.Partition] = append(e.byPart[run.Partition], run.ID)
	e.notifyLocked()
	e.mu.Unlock()

	metrics.RunsCounter.WithLabelValues(metrics.RunAccepted).Inc()
	return nil
}

// CompleteProducer records that a producer delivered every run in manifest.
func (e *Exchange) CompleteProducer(producerID string, manifest Manifest) error {
	for p := range manifest {
		if p < 0 || p >= e.partitions {
			return errors.Errorf("manifest of %s names partition %d, job has %d", producerID, p, e.partitions)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.Complete(producerID, manifest) {
		return errors.Errorf("producer %s cannot complete: unknown or already finished", producerID)
	}
	e.notifyLocked()
	return nil
}

// FailProducer marks a producer failed and discards every run it delivered.
// Its partial output never reaches a merge.
func (e *Exchange) FailProducer(ctx context.Context, producerID string, cause error) error {
	e.mu.Lock()
	if _, ok := e.registry.Get(producerID); !ok {
		e.mu.Unlock()
		return errors.Errorf("unknown producer %s", producerID)
	}
	if !e.registry.Fail(producerID, cause) {
		e.mu.Unlock()
		return nil
	}
	counts := make([]int, e.partitions)
	var dropped []common.Run
	for part, ids := range e.byPart {
		kept := ids[:0]
		for _, id := range ids {
			run := e.runs[id]
			if run.ProducerID != producerID {
				kept = append(kept, id)
				continue
			}
			delete(e.runs, id)
			counts[part]++
			dropped = append(dropped, run)
		}
		e.byPart[part] = kept
	}
	e.discarded[producerID] = counts
	e.notifyLocked()
	e.mu.Unlock()

	logutil.Logger(ctx).Warn("producer failed, discarding its runs",
		zap.String("producer", producerID), zap.Int("runs", len(dropped)), zap.Error(cause))
	return e.discard(ctx, dropped)
}

func (e *Exchange) discard(ctx context.Context, runs []common.Run) error {
	metrics.RunsCounter.WithLabelValues(metrics.RunDiscarded).Add(float64(len(runs)))
	if e.remover == nil {
		return nil
	}
	var err error
	for _, run := range runs {
		err = multierr.Append(err, e.remover.Remove(run))
	}
	if err != nil {
		logutil.Logger(ctx).Warn("failed to remove discarded runs", zap.Error(err))
	}
	return err
}

// Await blocks until partition is ready and returns its runs. It returns
// ErrMissingRun when every producer finished but the partition's run set
// cannot be completed, either because a producer failed or because a run
// named in a manifest never arrived.
func (e *Exchange) Await(ctx context.Context, partition int) ([]common.Run, error) {
	if partition < 0 || partition >= e.partitions {
		return nil, errors.Errorf("partition %d out of range [0, %d)", partition, e.partitions)
	}
	for {
		e.mu.Lock()
		runs, done, err := e.resolveLocked(partition)
		changed := e.changed
		e.mu.Unlock()
		if done {
			return runs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (e *Exchange) resolveLocked(partition int) ([]common.Run, bool, error) {
	if !e.sealed || len(e.registry.Pending()) > 0 {
		return nil, false, nil
	}
	missing := 0
	for _, p := range e.registry.Failed() {
		// a failed producer's share of the partition is unknown, count at least one run
		missing += max(1, e.discarded[p.ID][partition])
	}
	for _, p := range e.registry.Completed() {
		for _, id := range p.Manifest[partition] {
			if _, ok := e.runs[id]; !ok {
				missing++
			}
		}
	}
	if missing > 0 {
		return nil, true, errno.ErrMissingRun.GenWithStackByArgs(partition, missing)
	}
	ids := e.byPart[partition]
	runs := make([]common.Run, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, e.runs[id])
	}
	return runs, true, nil
}

// Duplicates returns how many redelivered runs were ignored.
func (e *Exchange) Duplicates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duplicates
}

// Runs returns every accepted run, by partition.
func (e *Exchange) Runs() [][]common.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]common.Run, e.partitions)
	for p, ids := range e.byPart {
		for _, id := range ids {
			out[p] = append(out[p], e.runs[id])
		}
	}
	return out
}
