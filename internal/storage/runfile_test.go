package storage

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

func readAll(t *testing.T, s *RunStore, run common.Run) []int64 {
	t.Helper()
	rr, err := s.OpenRun(run)
	require.NoError(t, err)
	defer func() { require.NoError(t, rr.Close()) }()
	var keys []int64
	for {
		k, err := rr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, k)
	}
	// stays at EOF
	_, err = rr.Next()
	require.Equal(t, io.EOF, err)
	return keys
}

func TestWriteRunRoundTrip(t *testing.T) {
	keys := []int64{math.MinInt64, -7, -7, 0, 1, 42, 1 << 40, math.MaxInt64}
	desc := []int64{9, 3, 3, -1, math.MinInt64}
	for _, codec := range []string{common.CodecNone, common.CodecSnappy, common.CodecZstd} {
		t.Run(codec, func(t *testing.T) {
			s, err := NewRunStore(afero.NewMemMapFs(), "/work/job-1", codec, 0)
			require.NoError(t, err)

			run, err := s.WriteRun(context.Background(), common.Run{ID: "r0", Partition: 2}, keys)
			require.NoError(t, err)
			require.True(t, run.Sealed)
			require.EqualValues(t, len(keys), run.Count)
			require.EqualValues(t, math.MinInt64, run.Min)
			require.EqualValues(t, math.MaxInt64, run.Max)
			require.Positive(t, run.Size)
			require.Equal(t, filepath.Join("/work/job-1", "p00002", "r0.run"), run.Path)
			require.Equal(t, keys, readAll(t, s, run))

			run, err = s.WriteRun(context.Background(), common.Run{ID: "r1"}, desc)
			require.NoError(t, err)
			require.EqualValues(t, math.MinInt64, run.Min)
			require.EqualValues(t, 9, run.Max)
			require.Equal(t, desc, readAll(t, s, run))
		})
	}
}

func TestWriteRunLargeRunSpansChunks(t *testing.T) {
	s, err := NewRunStore(afero.NewMemMapFs(), "/work", common.CodecSnappy, 0)
	require.NoError(t, err)
	keys := make([]int64, 100000)
	for i := range keys {
		keys[i] = int64(i*37) - 1_000_000
	}
	run, err := s.WriteRun(context.Background(), common.Run{ID: "big"}, keys)
	require.NoError(t, err)
	require.Equal(t, keys, readAll(t, s, run))
}

func TestOpenRunRejectsUnsealed(t *testing.T) {
	s, err := NewRunStore(afero.NewMemMapFs(), "/work", common.CodecNone, 0)
	require.NoError(t, err)
	_, err = s.OpenRun(common.Run{ID: "r0", Path: "/work/p00000/r0.run"})
	require.True(t, errno.ErrRunNotSealed.Equal(err))
}

func TestCorruptRunIsDetected(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewRunStore(fs, "/work", common.CodecNone, 0)
	require.NoError(t, err)
	run, err := s.WriteRun(context.Background(), common.Run{ID: "r0"}, []int64{1, 2, 3, 4})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, run.Path)
	require.NoError(t, err)

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-9] ^= 0x01 // last delta, before the checksum
		require.NoError(t, afero.WriteFile(fs, run.Path, bad, 0o644))
		rr, err := s.OpenRun(run)
		require.NoError(t, err)
		defer rr.Close()
		for {
			if _, err = rr.Next(); err != nil {
				break
			}
		}
		require.True(t, errno.ErrCorruptRun.Equal(err), "%v", err)
	})

	t.Run("truncated", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, run.Path, data[:len(data)-4], 0o644))
		rr, err := s.OpenRun(run)
		require.NoError(t, err)
		defer rr.Close()
		for {
			if _, err = rr.Next(); err != nil {
				break
			}
		}
		require.True(t, errno.ErrCorruptRun.Equal(err), "%v", err)
	})

	t.Run("bad magic", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, run.Path, []byte("nope-not-a-run"), 0o644))
		_, err := s.OpenRun(run)
		require.True(t, errno.ErrCorruptRun.Equal(err), "%v", err)
	})
}

func TestFailedSealLeavesNothingBehind(t *testing.T) {
	faulty := NewFaultFs(afero.NewMemMapFs(), func(oldname string) bool {
		return strings.Contains(oldname, "doomed")
	})
	s, err := NewRunStore(faulty, "/work", common.CodecZstd, 0)
	require.NoError(t, err)

	_, err = s.WriteRun(context.Background(), common.Run{ID: "doomed"}, []int64{1, 2})
	require.True(t, errno.ErrStorageWrite.Equal(err), "%v", err)
	require.EqualValues(t, 1, faulty.Failures())

	ok, err := s.WriteRun(context.Background(), common.Run{ID: "fine"}, []int64{5})
	require.NoError(t, err)

	var files []string
	require.NoError(t, afero.Walk(faulty, "/work", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	require.Equal(t, []string{ok.Path}, files)

	require.NoError(t, s.Remove(ok))
	require.NoError(t, s.Remove(ok))
	require.NoError(t, s.RemoveAll())
	exists, err := afero.DirExists(faulty, "/work")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestWriteRunHonoursCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewRunStore(fs, "/work", common.CodecNone, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	keys := make([]int64, 200000)
	_, err = s.WriteRun(ctx, common.Run{ID: "r0"}, keys)
	require.ErrorIs(t, err, context.Canceled)
	matches, err := afero.Glob(fs, "/work/p00000/*")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestUnknownCodec(t *testing.T) {
	_, err := NewRunStore(afero.NewMemMapFs(), "/work", "lz4", 0)
	require.True(t, errno.ErrUsage.Equal(err))
}
