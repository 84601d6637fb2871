package merge

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-sort/internal/common"
	"mini-sort/internal/logutil"
	"mini-sort/internal/metrics"
	"mini-sort/internal/storage"
)

const (
	openConcurrency = 16
	outBufferSize   = 64 << 10
)

// MergeRuns merges sealed runs and writes the result to w, one key per line.
// It returns the number of records written.
func MergeRuns(ctx context.Context, store *storage.RunStore, runs []common.Run, order common.Order, w io.Writer) (int64, error) {
	logger := logutil.Logger(ctx)
	readers := make([]*storage.RunReader, len(runs))
	defer func() {
		var err error
		for _, rd := range readers {
			if rd != nil {
				err = multierr.Append(err, rd.Close())
			}
		}
		if err != nil {
			logger.Warn("failed to close run readers", zap.Error(err))
		}
	}()

	// Open readers in parallel.
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(openConcurrency)
	for i, run := range runs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rd, err := store.OpenRun(run)
			if err != nil {
				return err
			}
			readers[i] = rd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	cursors := make([]Cursor, len(readers))
	for i, rd := range readers {
		cursors[i] = rd
	}
	bw := bufio.NewWriterSize(w, outBufferSize)
	line := make([]byte, 0, 24)
	n, err := Merge(ctx, cursors, order, func(key int64) error {
		line = strconv.AppendInt(line[:0], key, 10)
		line = append(line, '\n')
		_, err := bw.Write(line)
		return err
	})
	if err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, errors.Trace(err)
	}
	metrics.MergeFanInHistogram.Observe(float64(len(runs)))
	logger.Debug("merged runs", zap.Int("runs", len(runs)), zap.Int64("records", n))
	return n, nil
}
