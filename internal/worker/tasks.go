package worker

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/logutil"
	"mini-sort/internal/metrics"
	"mini-sort/internal/partition"
	"mini-sort/internal/shuffle"
	"mini-sort/internal/source"
	"mini-sort/internal/storage"
)

// SortEnv is the job-wide state shared by the sort tasks of one attempt.
type SortEnv struct {
	Job         *common.JobRequest
	Fs          afero.Fs
	Store       *storage.RunStore
	Partitioner *partition.Partitioner
	Exchange    *shuffle.Exchange
}

// RunSortTask reads one input shard, spills it as sorted runs and delivers
// them to the exchange. On success the producer's manifest is completed; on
// failure the producer is failed so none of its runs reach a merge.
func RunSortTask(ctx context.Context, env SortEnv, task common.Task) (report common.TaskReport, err error) {
	report = common.TaskReport{TaskID: task.TaskID, StageID: common.StageSort}
	logger := logutil.Logger(ctx).With(zap.String("task", task.TaskID))

	defer func() {
		if err == nil {
			return
		}
		if ferr := env.Exchange.FailProducer(ctx, task.TaskID, err); ferr != nil {
			logger.Warn("failed to discard runs of failed producer", zap.Error(ferr))
		}
	}()

	sr, err := source.OpenSegment(env.Fs, task.InputPartition)
	if err != nil {
		return report, errors.Annotatef(err, "open shard %s", task.TaskID)
	}
	defer func() {
		err = multierr.Append(err, sr.Close())
	}()

	rb := NewRunBuilder(RunBuilderConfig{
		JobID:        env.Job.JobID,
		ProducerID:   task.TaskID,
		MemoryBudget: env.Job.MemoryBudget,
		Order:        env.Job.Order,
		Partitioner:  env.Partitioner,
		Store:        env.Store,
		Send:         env.Exchange.Send,
	})
	stats, err := source.Scan(ctx, sr, func(rec common.Record) error {
		return rb.Accept(ctx, rec.Key)
	})
	report.Counters = scanCounters(stats)
	if err != nil {
		return report, err
	}
	runs, err := rb.Flush(ctx)
	if err != nil {
		return report, err
	}
	report.Counters.Add(rb.Counters())
	report.Runs = runs
	recordScan(stats)

	if err := env.Exchange.CompleteProducer(task.TaskID, shuffle.ManifestOf(runs)); err != nil {
		return report, errors.Trace(err)
	}
	logger.Debug("shard sorted",
		zap.Int64("records", stats.Valid()), zap.Int64("invalid", stats.Invalid), zap.Int("runs", len(runs)))
	return report, nil
}

// RunSampleTask draws a uniform sample of at most size keys from one shard.
func RunSampleTask(ctx context.Context, fs afero.Fs, task common.Task, size int, seed uint64) (_ []int64, report common.TaskReport, err error) {
	report = common.TaskReport{TaskID: task.TaskID, StageID: common.StageSample}
	sr, err := source.OpenSegment(fs, task.InputPartition)
	if err != nil {
		return nil, report, errors.Annotatef(err, "open shard %s", task.TaskID)
	}
	defer func() {
		err = multierr.Append(err, sr.Close())
	}()
	res := partition.NewReservoir(size, seed)
	stats, err := source.Scan(ctx, sr, func(rec common.Record) error {
		res.Add(rec.Key)
		return nil
	})
	if err != nil {
		return nil, report, err
	}
	logutil.Logger(ctx).Debug("shard sampled", zap.String("task", task.TaskID),
		zap.Int64("seen", res.Seen()), zap.Int("kept", len(res.Keys())), zap.Int64("lines", stats.Lines))
	return res.Keys(), report, nil
}

func scanCounters(stats source.ScanStats) common.Counters {
	return common.Counters{
		RecordsProcessed: stats.Lines - stats.Blank,
		InvalidRecords:   stats.Invalid,
	}
}

func recordScan(stats source.ScanStats) {
	metrics.RecordsCounter.WithLabelValues(metrics.KindProcessed).Add(float64(stats.Lines - stats.Blank))
	metrics.RecordsCounter.WithLabelValues(metrics.KindInvalid).Add(float64(stats.Invalid))
}
