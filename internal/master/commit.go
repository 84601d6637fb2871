package master

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
	"mini-sort/internal/plan"
)

// SuccessManifest is the content of the _SUCCESS marker of a committed job.
type SuccessManifest struct {
	JobID       string                   `json:"job_id"`
	Name        string                   `json:"name,omitempty"`
	Order       common.Order             `json:"order"`
	Inputs      []string                 `json:"inputs"`
	Parts       []common.PartitionResult `json:"parts"`
	Counters    common.Counters          `json:"counters"`
	CommittedAt time.Time                `json:"committed_at"`
}

// ReadSuccessManifest loads the _SUCCESS marker of a committed output directory.
func ReadSuccessManifest(fs afero.Fs, outputDir string) (*SuccessManifest, error) {
	data, err := afero.ReadFile(fs, filepath.Join(outputDir, common.SuccessMarker))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var m SuccessManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Annotatef(err, "decode %s", common.SuccessMarker)
	}
	return &m, nil
}

// commit publishes the merged partitions under the output path. Everything,
// the _SUCCESS marker included, is prepared next to the output and moved into
// place with one rename, so a reader sees either nothing or the complete
// result. A replaced output is kept aside until that rename succeeded.
func (c *Coordinator) commit(ctx context.Context, job *common.JobRequest, results []common.PartitionResult, counters common.Counters) ([]common.PartitionResult, error) {
	logger := logutil.Logger(ctx)
	tmp := tempOutputDir(job)
	exists, err := afero.Exists(c.fs, job.OutputPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if exists && !job.Overwrite {
		return nil, errno.ErrOutputExists.GenWithStackByArgs(job.OutputPath)
	}

	parts := make([]common.PartitionResult, len(results))
	copy(parts, results)

	switch job.Layout {
	case common.LayoutFile:
		src := tmp + ".file"
		if err := c.concatParts(src, results); err != nil {
			return nil, err
		}
		if err := c.replace(ctx, src, job.OutputPath, exists, job.JobID); err != nil {
			return nil, err
		}
		for i := range parts {
			parts[i].Path = job.OutputPath
		}
		if err := c.fs.RemoveAll(tmp); err != nil {
			logger.Warn("failed to remove merged parts", zap.String("dir", tmp), zap.Error(err))
		}
	default:
		for i := range parts {
			parts[i].Path = filepath.Join(job.OutputPath, plan.PartFileName(i))
		}
		manifest := SuccessManifest{
			JobID:       job.JobID,
			Name:        job.Name,
			Order:       job.Order,
			Inputs:      job.InputPaths,
			Parts:       parts,
			Counters:    counters,
			CommittedAt: time.Now(),
		}
		if err := c.writeMarker(tmp, &manifest); err != nil {
			return nil, err
		}
		if err := c.replace(ctx, tmp, job.OutputPath, exists, job.JobID); err != nil {
			return nil, err
		}
	}
	logger.Info("output committed", zap.String("output", job.OutputPath), zap.String("layout", job.Layout))
	return parts, nil
}

// replace moves src to dst. An existing dst is renamed aside first and put
// back if src cannot take its place.
func (c *Coordinator) replace(ctx context.Context, src, dst string, exists bool, jobID string) error {
	if !exists {
		if err := c.fs.Rename(src, dst); err != nil {
			return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
		}
		return nil
	}
	old := oldOutputPath(dst, jobID)
	if err := c.fs.Rename(dst, old); err != nil {
		return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
	}
	if err := c.fs.Rename(src, dst); err != nil {
		if rerr := c.fs.Rename(old, dst); rerr != nil {
			logutil.Logger(ctx).Error("failed to restore previous output",
				zap.String("output", dst), zap.String("kept-at", old), zap.Error(rerr))
		}
		return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
	}
	if err := c.fs.RemoveAll(old); err != nil {
		logutil.Logger(ctx).Warn("failed to remove previous output", zap.String("path", old), zap.Error(err))
	}
	return nil
}

func oldOutputPath(output, jobID string) string {
	return filepath.Clean(output) + ".old-" + jobID
}

func (c *Coordinator) concatParts(dst string, results []common.PartitionResult) (err error) {
	out, err := c.fs.Create(dst)
	if err != nil {
		return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errno.ErrStorageWrite.GenWithStackByArgs(dst, cerr)
		}
	}()
	for _, r := range results {
		in, err := c.fs.Open(r.Path)
		if err != nil {
			return errors.Annotatef(err, "open part %s", r.Path)
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
		}
	}
	if err := out.Sync(); err != nil {
		return errno.ErrStorageWrite.GenWithStackByArgs(dst, err)
	}
	return nil
}

// writeMarker writes the _SUCCESS manifest into dir through a temporary name.
func (c *Coordinator) writeMarker(dir string, manifest *SuccessManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(dir, common.SuccessMarker)
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		return errno.ErrStorageWrite.GenWithStackByArgs(path, err)
	}
	return nil
}
