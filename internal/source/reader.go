package source

import (
	"bufio"
	"context"
	"io"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/logutil"
)

const readBufferSize = 256 << 10

// SegmentReader yields the lines of the byte range [start, end) of a file.
// A line belongs to the segment holding its first byte, so adjacent segments
// never share or drop a line.
type SegmentReader struct {
	f    afero.File
	r    *bufio.Reader
	path string
	pos  int64
	end  int64
}

// OpenSegment opens the segment described by in.
func OpenSegment(fs afero.Fs, in common.TaskInput) (*SegmentReader, error) {
	f, err := fs.Open(in.Path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	start, end := in.Offsets[0], in.Offsets[1]
	sr := &SegmentReader{f: f, path: in.Path, pos: start, end: end}
	if start > 0 {
		// Back up one byte: if it is a newline the segment starts on a line boundary.
		if _, err := f.Seek(start-1, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Trace(err)
		}
		sr.r = bufio.NewReaderSize(f, readBufferSize)
		skipped, err := sr.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			_ = f.Close()
			return nil, errors.Trace(err)
		}
		sr.pos = start - 1 + int64(len(skipped))
		return sr, nil
	}
	sr.r = bufio.NewReaderSize(f, readBufferSize)
	return sr, nil
}

// Next returns the next line of the segment and the offset it starts at.
// It returns io.EOF once the segment is exhausted.
func (s *SegmentReader) Next() ([]byte, common.Origin, error) {
	if s.pos >= s.end {
		return nil, common.Origin{}, io.EOF
	}
	line, err := s.r.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil || err == io.EOF {
			return nil, common.Origin{}, io.EOF
		}
		return nil, common.Origin{}, errors.Trace(err)
	}
	if err != nil && err != io.EOF {
		return nil, common.Origin{}, errors.Trace(err)
	}
	origin := common.Origin{Path: s.path, Offset: s.pos}
	s.pos += int64(len(line))
	return line, origin, nil
}

// Close closes the underlying file.
func (s *SegmentReader) Close() error {
	return s.f.Close()
}

// ScanStats are the per-segment line counters.
type ScanStats struct {
	Lines   int64 // every line read, blank included
	Blank   int64
	Invalid int64
}

// Valid is the number of records handed to the callback.
func (s ScanStats) Valid() int64 {
	return s.Lines - s.Blank - s.Invalid
}

// Scan parses every line of the segment and calls fn for each valid record.
// Malformed lines are logged and counted; only I/O errors, ctx cancellation
// and errors returned by fn stop the scan.
func Scan(ctx context.Context, sr *SegmentReader, fn func(rec common.Record) error) (ScanStats, error) {
	var stats ScanStats
	logger := logutil.Logger(ctx)
	for {
		if stats.Lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		line, origin, err := sr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Lines++
		rec, blank, perr := ParseLine(line, origin)
		switch {
		case blank:
			stats.Blank++
			continue
		case perr != nil:
			stats.Invalid++
			logger.Debug("skip malformed record", zap.Stringer("origin", origin), zap.Error(perr))
			continue
		}
		if err := fn(rec); err != nil {
			return stats, err
		}
	}
}
