package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/source"
	"mini-sort/internal/worker"
)

func newValidateCommand() *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "validate [input-path] <output-path>",
		Short: "check that a sort output is ordered, and optionally that it holds exactly the input values",
		Args:  usageArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := common.ParseOrder(order)
			if err != nil {
				return errno.ErrUsage.GenWithStackByArgs(err.Error())
			}
			fs := afero.NewOsFs()
			output, input := args[len(args)-1], ""
			if len(args) == 2 {
				input = args[0]
			}
			stats, err := validate(fs, input, output, o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is sorted (%s)\n", output, o)
			stats.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&order, "order", common.Ascending.String(), "expected order, asc or desc")
	return cmd
}

// validate checks that output is ordered and, when input is set, that it is
// a permutation of the valid input values.
func validate(fs afero.Fs, input, output string, order common.Order) (valueStats, error) {
	var stats valueStats
	out, _, err := loadValues(fs, output, true)
	if err != nil {
		return stats, err
	}
	for i, v := range out {
		if i > 0 && !order.InOrder(out[i-1], v) {
			return stats, errno.ErrNotSorted.GenWithStackByArgs(i-1, out[i-1], v)
		}
		stats.add(v)
	}
	if input == "" {
		if len(out) == 0 {
			return stats, errno.ErrValueMismatch.GenWithStackByArgs(output + " holds no values")
		}
		return stats, nil
	}

	in, invalid, err := loadValues(fs, input, false)
	if err != nil {
		return stats, err
	}
	if len(in) != len(out) {
		return stats, errno.ErrValueMismatch.GenWithStackByArgs(
			fmt.Sprintf("%d valid input values (%d invalid lines), %d output values", len(in), invalid, len(out)))
	}
	worker.SortKeys(in, order)
	if !slices.Equal(in, out) {
		i := 0
		for in[i] == out[i] {
			i++
		}
		return stats, errno.ErrValueMismatch.GenWithStackByArgs(
			fmt.Sprintf("position %d holds %d, expected %d", i, out[i], in[i]))
	}
	return stats, nil
}

// loadValues reads every value of a file, or of the regular files of a
// directory in name order; "_" and "." entries are skipped. Invalid lines
// fail strict loads and are counted otherwise.
func loadValues(fs afero.Fs, path string, strict bool) (values []int64, invalid int64, err error) {
	info, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errno.ErrUsage.GenWithStackByArgs(path + " does not exist")
		}
		return nil, 0, errors.Trace(err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := afero.ReadDir(fs, path)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		files = files[:0]
		for _, e := range entries {
			if e.Mode().IsRegular() && !strings.HasPrefix(e.Name(), "_") && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}
	for _, name := range files {
		if invalid, err = appendValues(fs, name, strict, &values, invalid); err != nil {
			return nil, 0, err
		}
	}
	return values, invalid, nil
}

func appendValues(fs afero.Fs, path string, strict bool, values *[]int64, invalid int64) (int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return invalid, errors.Trace(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var offset int64
	for sc.Scan() {
		line := sc.Bytes()
		rec, blank, err := source.ParseLine(line, common.Origin{Path: path, Offset: offset})
		offset += int64(len(line)) + 1
		switch {
		case blank:
		case err != nil && strict:
			return invalid, err
		case err != nil:
			invalid++
		default:
			*values = append(*values, rec.Key)
		}
	}
	return invalid, errors.Annotatef(sc.Err(), "read %s", path)
}
