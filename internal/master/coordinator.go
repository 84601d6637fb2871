// Package master coordinates sort jobs and serves their status.
package master

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
	"mini-sort/internal/merge"
	"mini-sort/internal/metrics"
	"mini-sort/internal/partition"
	"mini-sort/internal/plan"
	"mini-sort/internal/shuffle"
	"mini-sort/internal/storage"
	"mini-sort/internal/worker"
)

// Coordinator drives jobs through sampling, sorting, merging and commit.
type Coordinator struct {
	fs       afero.Fs
	executor *worker.ExecutionManager
	store    *storage.JobStore
}

// NewCoordinator creates a coordinator running its units on executor.
func NewCoordinator(fs afero.Fs, executor *worker.ExecutionManager, store *storage.JobStore) *Coordinator {
	if store == nil {
		store = storage.NewJobStore()
	}
	return &Coordinator{fs: fs, executor: executor, store: store}
}

// Store returns the job store the coordinator reports into.
func (c *Coordinator) Store() *storage.JobStore {
	return c.store
}

// attemptResult is what a successful attempt hands back.
type attemptResult struct {
	counters   common.Counters
	partitions []common.PartitionResult
}

// Run executes req and blocks until the job is COMPLETED or FAILED. The
// returned status is a snapshot of the final state. A failed job leaves
// the output path as it found it.
func (c *Coordinator) Run(ctx context.Context, req common.JobRequest) (*common.JobStatus, error) {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	job := &req
	start := time.Now()
	c.store.SaveJob(job, &common.JobStatus{
		JobID:           job.JobID,
		Name:            job.Name,
		State:           common.JobStateInitializing,
		OutputPath:      job.OutputPath,
		FailedPartition: -1,
		StartedAt:       start,
	})
	ctx = logutil.WithJobID(ctx, job.JobID)
	logger := logutil.Logger(ctx)
	logger.Info("job submitted",
		zap.Strings("inputs", job.InputPaths), zap.String("output", job.OutputPath),
		zap.Int("partitions", job.Partitions), zap.Int64("memory-budget", job.MemoryBudget),
		zap.Stringer("order", job.Order))

	jobDir := filepath.Join(job.TmpDir, job.JobID)
	defer func() {
		if err := c.fs.RemoveAll(jobDir); err != nil {
			logger.Warn("failed to remove work directory", zap.String("dir", jobDir), zap.Error(err))
		}
	}()

	res, err := c.run(ctx, job, jobDir)
	if err != nil {
		st := c.fail(ctx, job, err)
		return st, err
	}

	st := c.store.UpdateStatus(job.JobID, func(st *common.JobStatus) {
		st.State = common.JobStateCompleted
		st.Counters = res.counters
		st.Partitions = res.partitions
		st.FinishedAt = time.Now()
	})
	metrics.JobsCounter.WithLabelValues("completed").Inc()
	metrics.RecordsCounter.WithLabelValues(metrics.KindOutput).Add(float64(res.counters.OutputRecords))
	logger.Info("job completed",
		zap.Duration("duration", st.FinishedAt.Sub(start)),
		zap.Int64("records", res.counters.RecordsProcessed),
		zap.Int64("invalid-lines", res.counters.InvalidRecords),
		zap.Int64("output-records", res.counters.OutputRecords),
		zap.Int64("runs", res.counters.RunsProduced),
		zap.Int64("spilled-bytes", res.counters.BytesSpilled))
	return st, nil
}

func (c *Coordinator) run(ctx context.Context, job *common.JobRequest, jobDir string) (*attemptResult, error) {
	if err := validateRequest(job); err != nil {
		return nil, err
	}
	if err := c.checkOutput(job); err != nil {
		return nil, err
	}
	files, err := plan.ResolveInputs(c.fs, job.InputPaths)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if filepath.Clean(f.Path) == filepath.Clean(job.OutputPath) {
			return nil, errno.ErrUsage.GenWithStackByArgs("output path " + job.OutputPath + " is also an input")
		}
	}

	for attempt := 1; ; attempt++ {
		if err := c.setState(job.JobID, common.JobStatePartitioningInput, attempt); err != nil {
			return nil, err
		}
		workDir := filepath.Join(jobDir, fmt.Sprintf("attempt-%d", attempt))
		res, err := c.runAttempt(ctx, job, files, workDir)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !errno.IsRetryable(err) || attempt > job.JobRetries {
			return nil, err
		}
		metrics.JobsCounter.WithLabelValues("retried").Inc()
		logutil.Logger(ctx).Warn("job attempt lost runs, retrying",
			zap.Int("attempt", attempt), zap.Int("retries", job.JobRetries), zap.Error(err))
		c.store.ResetStages(job.JobID)
	}
}

func validateRequest(job *common.JobRequest) error {
	switch {
	case len(job.InputPaths) == 0:
		return errno.ErrUsage.GenWithStackByArgs("no input path")
	case job.OutputPath == "":
		return errno.ErrUsage.GenWithStackByArgs("no output path")
	case job.Partitions < 1:
		return errno.ErrUsage.GenWithStackByArgs(fmt.Sprintf("partitions must be at least 1, got %d", job.Partitions))
	case job.MemoryBudget < common.RecordSize:
		return errno.ErrUsage.GenWithStackByArgs(fmt.Sprintf("memory budget must be at least %d bytes, got %d", common.RecordSize, job.MemoryBudget))
	case job.Layout != common.LayoutDir && job.Layout != common.LayoutFile:
		return errno.ErrUsage.GenWithStackByArgs("unknown output layout " + job.Layout)
	case len(job.Boundaries) > 0 && len(job.Boundaries) != job.Partitions-1:
		return errno.ErrUsage.GenWithStackByArgs(fmt.Sprintf("%d partitions need %d boundaries, got %d", job.Partitions, job.Partitions-1, len(job.Boundaries)))
	}
	for i := 1; i < len(job.Boundaries); i++ {
		if job.Boundaries[i] <= job.Boundaries[i-1] {
			return errno.ErrUsage.GenWithStackByArgs("boundaries must be strictly increasing")
		}
	}
	return nil
}

func (c *Coordinator) checkOutput(job *common.JobRequest) error {
	exists, err := afero.Exists(c.fs, job.OutputPath)
	if err != nil {
		return errors.Trace(err)
	}
	if exists && !job.Overwrite {
		return errno.ErrOutputExists.GenWithStackByArgs(job.OutputPath)
	}
	return nil
}

func (c *Coordinator) setState(jobID, state string, attempt int) error {
	var err error
	c.store.UpdateStatus(jobID, func(st *common.JobStatus) {
		if st.State == state {
			return
		}
		if !canTransition(st.State, state) {
			err = errors.Errorf("job %s cannot move from %s to %s", jobID, st.State, state)
			return
		}
		st.State = state
		if attempt > 0 {
			st.Attempt = attempt
		}
	})
	return err
}

func (c *Coordinator) fail(ctx context.Context, job *common.JobRequest, err error) *common.JobStatus {
	stage, part := "", -1
	var se *stageError
	if asStageError(err, &se) {
		stage, part = se.stage, se.partition
	}
	st := c.store.UpdateStatus(job.JobID, func(st *common.JobStatus) {
		st.State = common.JobStateFailed
		st.FailedStage = stage
		st.FailedPartition = part
		st.Error = err.Error()
		st.FinishedAt = time.Now()
	})
	metrics.JobsCounter.WithLabelValues("failed").Inc()
	logutil.Logger(ctx).Error("job failed",
		zap.String("stage", stage), zap.Int("partition", part), zap.Int("attempt", st.Attempt), zap.Error(err))
	return st
}

// runAttempt runs one full pass of the pipeline in a fresh work directory.
func (c *Coordinator) runAttempt(ctx context.Context, job *common.JobRequest, files []plan.InputFile, workDir string) (*attemptResult, error) {
	logger := logutil.Logger(ctx)
	runStore, err := storage.NewRunStore(c.fs, workDir, job.Codec, job.ReadAhead)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := runStore.RemoveAll(); err != nil {
			logger.Warn("failed to remove attempt directory", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	tasks, err := plan.GenerateSortTasks(job, files)
	if err != nil {
		return nil, err
	}
	part, err := c.buildPartitioner(ctx, job, tasks, files)
	if err != nil {
		return nil, failAt(common.StageSample, -1, err)
	}
	logger.Info("partitions planned", zap.Int("shards", len(tasks)), zap.Int64s("boundaries", part.Boundaries()))

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ex := shuffle.NewExchange(job.JobID, part.NumPartitions(), runStore)
	for _, t := range tasks {
		if err := ex.Register(t.TaskID); err != nil {
			return nil, err
		}
	}
	ex.Seal()
	if err := c.setState(job.JobID, common.JobStateAwaitingRuns, 0); err != nil {
		return nil, err
	}

	tmpOut := tempOutputDir(job)
	committed := false
	defer func() {
		if !committed {
			c.removeTempOutput(ctx, job)
		}
	}()
	if err := c.fs.MkdirAll(tmpOut, 0o755); err != nil {
		return nil, failAt(common.StageMerge, -1, errno.ErrStorageWrite.GenWithStackByArgs(tmpOut, err))
	}

	env := worker.SortEnv{Job: job, Fs: c.fs, Store: runStore, Partitioner: part, Exchange: ex}
	sortHandles := make([]*worker.Handle, len(tasks))
	for i, t := range tasks {
		sortHandles[i] = c.executor.Submit(attemptCtx, t.TaskID, func(ctx context.Context) (common.TaskReport, error) {
			report, err := worker.RunSortTask(ctx, env, t)
			if err == nil {
				c.store.SaveTaskReport(job.JobID, common.StageSort, report)
				return report, nil
			}
			if ctx.Err() == nil {
				cancel(failAt(common.StageSort, -1, err))
			}
			return report, err
		})
	}

	merges := plan.GenerateMergeTasks(job)
	results := make([]common.PartitionResult, len(merges))
	var merging atomic.Bool
	g, gCtx := errgroup.WithContext(attemptCtx)
	for _, mt := range merges {
		g.Go(func() error {
			runs, err := ex.Await(gCtx, mt.Partition)
			if err != nil {
				return failAt(common.StageMerge, mt.Partition, err)
			}
			if merging.CompareAndSwap(false, true) {
				if err := c.setState(job.JobID, common.JobStateMerging, 0); err != nil {
					return err
				}
			}
			h := c.executor.Submit(gCtx, mt.TaskID, func(ctx context.Context) (common.TaskReport, error) {
				return c.mergePartition(ctx, job, runStore, part.Range(mt.Partition), runs, tmpOut, mt)
			})
			reports, err := c.executor.AwaitAll(gCtx, []*worker.Handle{h})
			if err != nil {
				return failAt(common.StageMerge, mt.Partition, err)
			}
			c.store.SaveTaskReport(job.JobID, common.StageMerge, reports[0])
			results[mt.Partition] = common.PartitionResult{
				Partition: part.Range(mt.Partition),
				Path:      reports[0].OutputPath,
				Records:   reports[0].Counters.OutputRecords,
				Runs:      len(runs),
			}
			return nil
		})
	}

	sortReports, sortErr := c.executor.AwaitAll(attemptCtx, sortHandles)
	for i, r := range sortReports {
		if r.Status == common.TaskStatusSuccess {
			continue
		}
		// a unit that panicked never failed itself, its partitions would wait forever
		if err := ex.FailProducer(ctx, tasks[i].TaskID, errors.New(r.ErrorMsg)); err != nil {
			logger.Warn("failed to discard runs", zap.String("task", tasks[i].TaskID), zap.Error(err))
		}
	}
	mergeErr := g.Wait()
	if cause := context.Cause(attemptCtx); cause != nil && ctx.Err() == nil {
		return nil, cause
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if mergeErr != nil {
		return nil, mergeErr
	}
	if sortErr != nil {
		return nil, failAt(common.StageSort, -1, sortErr)
	}

	var counters common.Counters
	for _, r := range sortReports {
		counters.Add(r.Counters)
	}
	for _, r := range results {
		counters.OutputRecords += r.Records
	}
	if valid := counters.RecordsProcessed - counters.InvalidRecords; valid != counters.OutputRecords {
		return nil, failAt(common.StageMerge, -1,
			errors.Errorf("record count mismatch: %d valid input records, %d written", valid, counters.OutputRecords))
	}
	if !c.store.CheckStageComplete(job.JobID, common.StageMerge, len(merges)) {
		return nil, failAt(common.StageMerge, -1, errors.Errorf("not every partition reported a merge"))
	}

	if err := c.setState(job.JobID, common.JobStateCommitting, 0); err != nil {
		return nil, err
	}
	parts, err := c.commit(ctx, job, results, counters)
	if err != nil {
		return nil, failAt(common.StageCommit, -1, err)
	}
	committed = true
	return &attemptResult{counters: counters, partitions: parts}, nil
}

// buildPartitioner uses fixed boundaries when configured, otherwise samples
// every shard through the executor and cuts at the sample's quantiles.
func (c *Coordinator) buildPartitioner(ctx context.Context, job *common.JobRequest, tasks []common.Task, files []plan.InputFile) (*partition.Partitioner, error) {
	switch {
	case job.Partitions == 1:
		return partition.Single(job.Order), nil
	case len(job.Boundaries) > 0:
		return partition.New(job.Boundaries, job.Order)
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	var mu sync.Mutex
	var sample []int64
	handles := make([]*worker.Handle, len(tasks))
	for i, t := range tasks {
		t.TaskID = fmt.Sprintf("%s-%s-%d", job.JobID, common.StageSample, i)
		t.StageID = common.StageSample
		shardLen := t.InputPartition.Offsets[1] - t.InputPartition.Offsets[0]
		size := 1
		if total > 0 {
			size = max(1, int((int64(job.SampleSize)*shardLen+total-1)/total))
		}
		handles[i] = c.executor.Submit(ctx, t.TaskID, func(ctx context.Context) (common.TaskReport, error) {
			keys, report, err := worker.RunSampleTask(ctx, c.fs, t, size, uint64(i)+1)
			if err != nil {
				return report, err
			}
			mu.Lock()
			sample = append(sample, keys...)
			mu.Unlock()
			c.store.SaveTaskReport(job.JobID, common.StageSample, report)
			return report, nil
		})
	}
	if _, err := c.executor.AwaitAll(ctx, handles); err != nil {
		return nil, err
	}
	bounds := partition.BoundariesFor(job.Partitions, sample)
	if len(bounds) == 0 {
		// nothing to sample: every partition but one stays empty
		bounds = make([]int64, job.Partitions-1)
	}
	logutil.Logger(ctx).Debug("sampled input", zap.Int("sample", len(sample)))
	return partition.New(bounds, job.Order)
}

// partWriter remembers the first write error so it can be reported as a storage failure.
type partWriter struct {
	f   afero.File
	err error
}

func (w *partWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (c *Coordinator) mergePartition(ctx context.Context, job *common.JobRequest, runStore *storage.RunStore,
	rng common.Partition, runs []common.Run, tmpOut string, task common.Task) (common.TaskReport, error) {
	report := common.TaskReport{TaskID: task.TaskID, StageID: common.StageMerge, Partition: task.Partition}
	path := filepath.Join(tmpOut, plan.PartFileName(task.Partition))
	f, err := c.fs.Create(path)
	if err != nil {
		return report, errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	pw := &partWriter{f: f}
	n, err := merge.MergeRuns(ctx, runStore, runs, job.Order, pw)
	if err == nil {
		err = f.Sync()
		if err != nil {
			pw.err = err
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err, pw.err = cerr, cerr
	}
	if pw.err != nil {
		return report, errno.ErrStorageWrite.GenWithStackByArgs(path, pw.err)
	}
	if err != nil {
		return report, err
	}
	logutil.Logger(ctx).Debug("partition merged",
		zap.Stringer("partition", rng), zap.Int("runs", len(runs)), zap.Int64("records", n))
	report.OutputPath = path
	report.Counters.OutputRecords = n
	return report, nil
}

func tempOutputDir(job *common.JobRequest) string {
	return filepath.Clean(job.OutputPath) + ".tmp-" + job.JobID
}

func (c *Coordinator) removeTempOutput(ctx context.Context, job *common.JobRequest) {
	tmp := tempOutputDir(job)
	for _, p := range []string{tmp, tmp + ".file"} {
		if err := c.fs.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			logutil.Logger(ctx).Warn("failed to remove temporary output", zap.String("path", p), zap.Error(err))
		}
	}
}
