package storage

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

// codec ids as stored in run headers.
const (
	codecNone byte = iota
	codecSnappy
	codecZstd
)

func codecID(name string) (byte, error) {
	switch name {
	case common.CodecNone, "":
		return codecNone, nil
	case common.CodecSnappy:
		return codecSnappy, nil
	case common.CodecZstd:
		return codecZstd, nil
	}
	return 0, errno.ErrUsage.GenWithStackByArgs("unknown compression " + name)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w. Closing the result flushes the codec but never closes w.
func newCompressor(id byte, w io.Writer) (io.WriteCloser, error) {
	switch id {
	case codecNone:
		return nopWriteCloser{w}, nil
	case codecSnappy:
		return snappy.NewBufferedWriter(w), nil
	case codecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return enc, nil
	}
	return nil, errors.Errorf("unknown codec id %d", id)
}

// newDecompressor wraps r. Closing the result releases codec state but never closes r.
func newDecompressor(id byte, r io.Reader) (io.ReadCloser, error) {
	switch id {
	case codecNone:
		return io.NopCloser(r), nil
	case codecSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case codecZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return dec.IOReadCloser(), nil
	}
	return nil, errors.Errorf("unknown codec id %d", id)
}
