// Package storage persists sorted runs and job bookkeeping.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
)

const (
	runVersion    byte = 1
	runSuffix          = ".run"
	partialSuffix      = ".partial"

	writeBufferSize = 64 << 10
	chunkSize       = 32 << 10
	// minimal read-ahead per open run
	minReadAhead = 4 << 10
)

var runMagic = []byte("MSRT")

// RunStore writes and reads run files under one work directory.
//
// A run file is
//
//	magic | version | codec | uvarint(count) | codec(varint deltas... | murmur3 sum)
//
// and only becomes visible under its final name once it is fully written and
// synced. Anything still carrying the partial suffix is not a run.
type RunStore struct {
	fs        afero.Fs
	dir       string
	codec     byte
	readAhead int
}

// NewRunStore prepares dir and returns a store writing runs with the named codec.
func NewRunStore(fs afero.Fs, dir, codec string, readAhead int) (*RunStore, error) {
	id, err := codecID(codec)
	if err != nil {
		return nil, err
	}
	if readAhead < minReadAhead {
		readAhead = minReadAhead
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errno.ErrStorageWrite.GenWithStackByArgs(dir, err)
	}
	return &RunStore{fs: fs, dir: dir, codec: id, readAhead: readAhead}, nil
}

// Dir returns the work directory.
func (s *RunStore) Dir() string {
	return s.dir
}

// Fs returns the file system the store writes to.
func (s *RunStore) Fs() afero.Fs {
	return s.fs
}

func (s *RunStore) runPath(run common.Run) string {
	return filepath.Join(s.dir, fmt.Sprintf("p%05d", run.Partition), run.ID+runSuffix)
}

// WriteRun spills keys, which must already be sorted, as run and seals it.
// The returned run carries its path, bounds and size. On failure nothing is
// left behind and the error is ErrStorageWrite.
func (s *RunStore) WriteRun(ctx context.Context, run common.Run, keys []int64) (_ common.Run, err error) {
	if len(keys) == 0 {
		return run, errors.Errorf("run %s has no records", run.ID)
	}
	final := s.runPath(run)
	partial := final + partialSuffix
	if err := s.fs.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return run, errno.ErrStorageWrite.GenWithStackByArgs(final, err)
	}
	f, err := s.fs.Create(partial)
	if err != nil {
		return run, errno.ErrStorageWrite.GenWithStackByArgs(partial, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := s.fs.Remove(partial); rmErr != nil && !os.IsNotExist(rmErr) {
			logutil.Logger(ctx).Warn("failed to remove partial run", zap.String("path", partial), zap.Error(rmErr))
		}
	}()

	size, err := s.encode(ctx, f, keys)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil && errors.Cause(err) == ctx.Err() {
			return run, err
		}
		return run, errno.ErrStorageWrite.GenWithStackByArgs(partial, err)
	}
	if err = s.fs.Rename(partial, final); err != nil {
		return run, errno.ErrStorageWrite.GenWithStackByArgs(final, err)
	}

	run.Path = final
	run.Count = int64(len(keys))
	run.Min, run.Max = keys[0], keys[len(keys)-1]
	if run.Min > run.Max {
		run.Min, run.Max = run.Max, run.Min
	}
	run.Size = size
	run.Sealed = true
	return run, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *RunStore) encode(ctx context.Context, f io.Writer, keys []int64) (int64, error) {
	cw := &countingWriter{w: f}
	bw := bufio.NewWriterSize(cw, writeBufferSize)

	header := make([]byte, 0, len(runMagic)+2+binary.MaxVarintLen64)
	header = append(header, runMagic...)
	header = append(header, runVersion, s.codec)
	header = binary.AppendUvarint(header, uint64(len(keys)))
	if _, err := bw.Write(header); err != nil {
		return 0, errors.Trace(err)
	}

	comp, err := newCompressor(s.codec, bw)
	if err != nil {
		return 0, err
	}
	h := murmur3.New64()
	chunk := make([]byte, 0, chunkSize)
	var prev int64
	for _, k := range keys {
		chunk = binary.AppendVarint(chunk, k-prev)
		prev = k
		if len(chunk) >= chunkSize-binary.MaxVarintLen64 {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			_, _ = h.Write(chunk)
			if _, err := comp.Write(chunk); err != nil {
				return 0, errors.Trace(err)
			}
			chunk = chunk[:0]
		}
	}
	_, _ = h.Write(chunk)
	chunk = binary.LittleEndian.AppendUint64(chunk, h.Sum64())
	if _, err := comp.Write(chunk); err != nil {
		return 0, errors.Trace(err)
	}
	if err := comp.Close(); err != nil {
		return 0, errors.Trace(err)
	}
	if err := bw.Flush(); err != nil {
		return 0, errors.Trace(err)
	}
	return cw.n, nil
}

// RunReader streams the keys of one sealed run in stored order.
type RunReader struct {
	run       common.Run
	f         afero.File
	dec       io.ReadCloser
	r         *bufio.Reader
	h         hash.Hash64
	remaining int64
	prev      int64
	varint    [binary.MaxVarintLen64]byte
}

// OpenRun opens a sealed run for reading. Each reader buffers at most the
// store's read-ahead from the file plus one decoded block.
func (s *RunStore) OpenRun(run common.Run) (*RunReader, error) {
	if !run.Sealed {
		return nil, errno.ErrRunNotSealed.GenWithStackByArgs(run.ID)
	}
	f, err := s.fs.Open(run.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "open run %s", run.ID)
	}
	rr, err := newRunReader(run, f, s.readAhead)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return rr, nil
}

func newRunReader(run common.Run, f afero.File, readAhead int) (*RunReader, error) {
	br := bufio.NewReaderSize(f, readAhead)
	magic := make([]byte, len(runMagic)+2)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, "short header")
	}
	if !bytes.Equal(magic[:len(runMagic)], runMagic) {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, "bad magic")
	}
	if magic[len(runMagic)] != runVersion {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, fmt.Sprintf("unsupported version %d", magic[len(runMagic)]))
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, "short header")
	}
	if run.Count > 0 && int64(count) != run.Count {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, fmt.Sprintf("holds %d records, expected %d", count, run.Count))
	}
	dec, err := newDecompressor(magic[len(runMagic)+1], br)
	if err != nil {
		return nil, errno.ErrCorruptRun.GenWithStackByArgs(run.ID, err.Error())
	}
	return &RunReader{
		run:       run,
		f:         f,
		dec:       dec,
		r:         bufio.NewReaderSize(dec, minReadAhead),
		h:         murmur3.New64(),
		remaining: int64(count),
	}, nil
}

// Run returns the run being read.
func (r *RunReader) Run() common.Run {
	return r.run
}

// Next returns the next key. After the last key it verifies the checksum
// and returns io.EOF, or ErrCorruptRun if the run was damaged.
func (r *RunReader) Next() (int64, error) {
	switch {
	case r.remaining < 0:
		return 0, io.EOF
	case r.remaining == 0:
		return 0, r.verify()
	}
	n := 0
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return 0, r.corrupt(err)
		}
		r.varint[n] = b
		n++
		if b < 0x80 {
			break
		}
		if n == len(r.varint) {
			return 0, errno.ErrCorruptRun.GenWithStackByArgs(r.run.ID, "varint overflow")
		}
	}
	delta, m := binary.Varint(r.varint[:n])
	if m <= 0 {
		return 0, errno.ErrCorruptRun.GenWithStackByArgs(r.run.ID, "bad varint")
	}
	_, _ = r.h.Write(r.varint[:n])
	r.remaining--
	r.prev += delta
	return r.prev, nil
}

func (r *RunReader) verify() error {
	var sum [8]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return r.corrupt(err)
	}
	if binary.LittleEndian.Uint64(sum[:]) != r.h.Sum64() {
		return errno.ErrCorruptRun.GenWithStackByArgs(r.run.ID, "checksum mismatch")
	}
	r.remaining = -1
	return io.EOF
}

func (r *RunReader) corrupt(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errno.ErrCorruptRun.GenWithStackByArgs(r.run.ID, "truncated")
	}
	return errors.Annotatef(err, "read run %s", r.run.ID)
}

// Close releases the reader.
func (r *RunReader) Close() error {
	_ = r.dec.Close()
	return errors.Trace(r.f.Close())
}

// Remove deletes a sealed run.
func (s *RunStore) Remove(run common.Run) error {
	if run.Path == "" {
		return nil
	}
	if err := s.fs.Remove(run.Path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// RemoveAll deletes the work directory and everything in it.
func (s *RunStore) RemoveAll() error {
	return errors.Trace(s.fs.RemoveAll(s.dir))
}
