// Package worker runs sort units on a bounded pool and spills sorted runs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
	"mini-sort/internal/metrics"
)

// Unit is one piece of work handed to the executor.
type Unit func(ctx context.Context) (common.TaskReport, error)

// Handle tracks a submitted unit.
type Handle struct {
	name   string
	done   chan struct{}
	report common.TaskReport
	err    error
}

// Name returns the name the unit was submitted under.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the unit finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the unit finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (common.TaskReport, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return common.TaskReport{TaskID: h.name, Status: common.TaskStatusFailure}, ctx.Err()
	}
}

// ExecutionManager limits how many units run at once.
type ExecutionManager struct {
	maxThreads int
	semaphore  chan struct{}
	running    atomic.Int32
}

// NewExecutionManager creates a pool running at most maxThreads units at a time.
func NewExecutionManager(maxThreads int) *ExecutionManager {
	if maxThreads <= 0 {
		maxThreads = 1
	}
	logutil.L().Debug("executor initialized", zap.Int("threads", maxThreads))
	return &ExecutionManager{
		maxThreads: maxThreads,
		semaphore:  make(chan struct{}, maxThreads),
	}
}

// MaxThreads returns the pool size.
func (e *ExecutionManager) MaxThreads() int {
	return e.maxThreads
}

// Running returns the number of units holding a slot.
func (e *ExecutionManager) Running() int {
	return int(e.running.Load())
}

// Submit schedules unit and returns at once. The unit waits for a free slot;
// if ctx ends first it never runs and its handle reports ctx.Err().
func (e *ExecutionManager) Submit(ctx context.Context, name string, unit Unit) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		select {
		case e.semaphore <- struct{}{}:
		case <-ctx.Done():
			h.report, h.err = common.TaskReport{TaskID: name, Status: common.TaskStatusFailure, ErrorMsg: ctx.Err().Error()}, ctx.Err()
			return
		}
		defer func() { <-e.semaphore }()

		running := e.running.Inc()
		metrics.RunningTasksGauge.Inc()
		defer func() {
			e.running.Dec()
			metrics.RunningTasksGauge.Dec()
		}()
		logutil.Logger(ctx).Debug("unit started", zap.String("task", name),
			zap.Int32("running", running), zap.Int("threads", e.maxThreads))

		start := time.Now()
		report, err := runUnit(ctx, name, unit)
		if report.TaskID == "" {
			report.TaskID = name
		}
		report.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			report.Status, report.ErrorMsg = common.TaskStatusFailure, err.Error()
		} else {
			report.Status = common.TaskStatusSuccess
		}
		if report.StageID != "" {
			metrics.StageDurationHistogram.WithLabelValues(report.StageID).Observe(time.Since(start).Seconds())
		}
		h.report, h.err = report, err
	}()
	return h
}

func runUnit(ctx context.Context, name string, unit Unit) (report common.TaskReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			logutil.Logger(ctx).Error("unit panicked", zap.String("task", name),
				zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
			err = errno.ErrTaskPanicked.GenWithStackByArgs(name, r)
		}
	}()
	return unit(ctx)
}

// AwaitAll waits for every handle and returns their reports in submission
// order. The error is the first unit failure in that order, preferring a
// real failure over the cancellations it caused. All units are waited for
// so none is left running against shared state.
func (e *ExecutionManager) AwaitAll(ctx context.Context, handles []*Handle) ([]common.TaskReport, error) {
	reports := make([]common.TaskReport, len(handles))
	var firstErr, firstCancel error
	for i, h := range handles {
		<-h.done
		reports[i] = h.report
		switch {
		case h.err == nil:
		case isCancel(h.err):
			if firstCancel == nil {
				firstCancel = h.err
			}
		case firstErr == nil:
			firstErr = h.err
		}
	}
	if firstErr != nil {
		return reports, firstErr
	}
	if firstCancel != nil {
		return reports, firstCancel
	}
	return reports, ctx.Err()
}

func isCancel(err error) bool {
	cause := errors.Cause(err)
	return cause == context.Canceled || cause == context.DeadlineExceeded
}
