package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"mini-sort/internal/errno"
)

type generateFlags struct {
	count int64
	min   int64
	max   int64
	seed  uint64
}

func newGenerateCommand() *cobra.Command {
	f := &generateFlags{}
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "write random integers, one per line, as sort input",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.count < 0 || f.min > f.max {
				return errno.ErrUsage.GenWithStackByArgs(
					fmt.Sprintf("need count >= 0 and min <= max, got count %d range [%d, %d]", f.count, f.min, f.max))
			}
			seed := f.seed
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			stats, err := generate(afero.NewOsFs(), args[0], f.count, f.min, f.max, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d numbers written to %s\n", f.count, args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "  range: [%d, %d]\n", f.min, f.max)
			stats.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().Int64Var(&f.count, "count", 100, "number of values")
	cmd.Flags().Int64Var(&f.min, "min", 1, "smallest value")
	cmd.Flags().Int64Var(&f.max, "max", 1000, "largest value")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed, 0 picks one from the clock")
	return cmd
}

// generate writes count values drawn uniformly from [lo, hi] to path.
func generate(fs afero.Fs, path string, count, lo, hi int64, seed uint64) (stats valueStats, err error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return stats, errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return stats, errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errno.ErrStorageWrite.GenWithStackByArgs(path, cerr)
		}
	}()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	span := uint64(hi-lo) + 1
	w := bufio.NewWriter(f)
	buf := make([]byte, 0, 24)
	for i := int64(0); i < count; i++ {
		var v int64
		if span == 0 {
			v = int64(rng.Uint64())
		} else {
			v = lo + int64(rng.Uint64N(span))
		}
		stats.add(v)
		buf = strconv.AppendInt(buf[:0], v, 10)
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return stats, errno.ErrStorageWrite.GenWithStackByArgs(path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return stats, errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	return stats, errors.Trace(f.Sync())
}

// valueStats summarizes a sequence of values.
type valueStats struct {
	count    int64
	min, max int64
	sum      float64
}

func (s *valueStats) add(v int64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.count++
	s.sum += float64(v)
}

func (s valueStats) print(out io.Writer) {
	if s.count == 0 {
		fmt.Fprintln(out, "  no values")
		return
	}
	fmt.Fprintf(out, "  count: %d, min: %d, max: %d, mean: %.2f\n", s.count, s.min, s.max, s.sum/float64(s.count))
}
