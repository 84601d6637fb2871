// Package plan turns a job request into executor tasks.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

// InputFile is one regular file resolved from the job inputs.
type InputFile struct {
	Path string
	Size int64
}

// ResolveInputs expands the input paths into regular files. Directories are
// walked recursively; entries starting with "_" or "." are skipped.
func ResolveInputs(fs afero.Fs, paths []string) ([]InputFile, error) {
	var files []InputFile
	seen := make(map[string]struct{})
	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errno.ErrUsage.GenWithStackByArgs(fmt.Sprintf("input path %s does not exist", p))
			}
			return nil, errors.Trace(err)
		}
		if !info.IsDir() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				files = append(files, InputFile{Path: p, Size: info.Size()})
			}
			continue
		}
		var found []InputFile
		err = afero.Walk(fs, p, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if path != p && hidden(fi.Name()) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if fi.Mode().IsRegular() {
				found = append(found, InputFile{Path: path, Size: fi.Size()})
			}
			return nil
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
		for _, f := range found {
			if _, ok := seen[f.Path]; !ok {
				seen[f.Path] = struct{}{}
				files = append(files, f)
			}
		}
	}
	return files, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// GenerateSortTasks cuts every input file into shards of at most splitSize
// bytes, one sort task per shard. Empty files produce no task.
func GenerateSortTasks(job *common.JobRequest, files []InputFile) ([]common.Task, error) {
	if job.SplitSize <= 0 {
		return nil, errno.ErrUsage.GenWithStackByArgs("split size must be positive")
	}
	var tasks []common.Task
	for _, f := range files {
		for start := int64(0); start < f.Size; start += job.SplitSize {
			end := start + job.SplitSize
			if end > f.Size {
				end = f.Size
			}
			tasks = append(tasks, common.Task{
				TaskID:  fmt.Sprintf("%s-%s-%d", job.JobID, common.StageSort, len(tasks)),
				JobID:   job.JobID,
				StageID: common.StageSort,
				InputPartition: common.TaskInput{
					Path:    f.Path,
					Offsets: [2]int64{start, end},
				},
			})
		}
	}
	return tasks, nil
}

// GenerateMergeTasks creates one merge task per partition.
func GenerateMergeTasks(job *common.JobRequest) []common.Task {
	tasks := make([]common.Task, job.Partitions)
	for i := range tasks {
		tasks[i] = common.Task{
			TaskID:    fmt.Sprintf("%s-%s-%d", job.JobID, common.StageMerge, i),
			JobID:     job.JobID,
			StageID:   common.StageMerge,
			Partition: i,
		}
	}
	return tasks
}

// PartFileName is the name of partition i's output inside the output directory.
func PartFileName(i int) string {
	return fmt.Sprintf("part-%05d", i)
}
