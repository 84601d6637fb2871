// Package config holds the sort engine configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/spf13/pflag"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
)

const (
	// DefaultMemoryBudget is the bytes of keys a sorter buffers before spilling a run.
	DefaultMemoryBudget = 64 * units.MiB
	// DefaultSplitSize is the maximum number of input bytes per shard.
	DefaultSplitSize = 64 * units.MiB
	// DefaultReadAhead is the buffer each merge cursor reads ahead with.
	DefaultReadAhead = 64 * units.KiB
	// DefaultSampleSize is the number of keys sampled to pick partition boundaries.
	DefaultSampleSize = 10000
	// DefaultJobRetries is how many extra attempts a job gets after a missing run.
	DefaultJobRetries = 1
)

// ByteSize is a size in bytes that reads "64MiB" style strings from toml.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

var _ pflag.Value = (*ByteSize)(nil)

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Set parses a command line size such as "512KiB".
func (b *ByteSize) Set(s string) error {
	return b.UnmarshalText([]byte(s))
}

// Type names the flag value in usage text.
func (*ByteSize) Type() string {
	return "size"
}

// Job is the [job] section.
type Job struct {
	Name         string       `toml:"name" json:"name"`
	Inputs       []string     `toml:"inputs" json:"inputs"`
	Output       string       `toml:"output" json:"output"`
	Partitions   int          `toml:"partitions" json:"partitions"`
	MemoryBudget ByteSize     `toml:"memory-budget" json:"memory-budget"`
	SplitSize    ByteSize     `toml:"split-size" json:"split-size"`
	SampleSize   int          `toml:"sample-size" json:"sample-size"`
	Boundaries   []int64      `toml:"boundaries" json:"boundaries"`
	Order        common.Order `toml:"order" json:"order"`
	Layout       string       `toml:"layout" json:"layout"`
	Overwrite    bool         `toml:"overwrite" json:"overwrite"`
	Workers      int          `toml:"workers" json:"workers"`
	Retries      int          `toml:"retries" json:"retries"`
}

// Storage is the [storage] section.
type Storage struct {
	TmpDir      string   `toml:"tmp-dir" json:"tmp-dir"`
	Compression string   `toml:"compression" json:"compression"`
	ReadAhead   ByteSize `toml:"read-ahead" json:"read-ahead"`
}

// Status is the [status] section.
type Status struct {
	Addr string `toml:"addr" json:"addr"`
}

// Config is the whole configuration file.
type Config struct {
	Job     Job            `toml:"job" json:"job"`
	Storage Storage        `toml:"storage" json:"storage"`
	Log     logutil.Config `toml:"log" json:"log"`
	Status  Status         `toml:"status" json:"status"`
}

// NewConfig returns a configuration filled with defaults.
func NewConfig() *Config {
	return &Config{
		Job: Job{
			Name:         "mini-sort",
			Partitions:   1,
			MemoryBudget: DefaultMemoryBudget,
			SplitSize:    DefaultSplitSize,
			SampleSize:   DefaultSampleSize,
			Layout:       common.LayoutDir,
			Workers:      runtime.GOMAXPROCS(0),
			Retries:      DefaultJobRetries,
		},
		Storage: Storage{
			TmpDir:      filepath.Join(os.TempDir(), "mini-sort"),
			Compression: common.CodecSnappy,
			ReadAhead:   DefaultReadAhead,
		},
		Log: logutil.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile overlays the toml file at path onto c.
func (c *Config) LoadFromFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errno.ErrUsage.GenWithStackByArgs(errors.Annotatef(err, "load config %s", path).Error())
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return errno.ErrUsage.GenWithStackByArgs("unknown config keys: " + strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration before any work starts.
func (c *Config) Validate() error {
	usage := func(msg string) error { return errno.ErrUsage.GenWithStackByArgs(msg) }
	switch {
	case len(c.Job.Inputs) == 0:
		return usage("at least one input path is required")
	case c.Job.Output == "":
		return usage("an output path is required")
	case c.Job.Partitions < 1:
		return usage("partitions must be at least 1")
	case c.Job.MemoryBudget < common.RecordSize:
		return usage("memory-budget must hold at least one record")
	case c.Job.SplitSize <= 0:
		return usage("split-size must be positive")
	case c.Job.SampleSize < 0:
		return usage("sample-size must not be negative")
	case c.Job.Workers < 1:
		return usage("workers must be at least 1")
	case c.Job.Retries < 0:
		return usage("retries must not be negative")
	case c.Storage.ReadAhead <= 0:
		return usage("read-ahead must be positive")
	}
	if n := len(c.Job.Boundaries); n > 0 {
		if n != c.Job.Partitions-1 {
			return usage("boundaries must list exactly partitions-1 split points")
		}
		for i := 1; i < n; i++ {
			if c.Job.Boundaries[i] <= c.Job.Boundaries[i-1] {
				return usage("boundaries must be strictly increasing")
			}
		}
	}
	switch c.Job.Layout {
	case common.LayoutDir, common.LayoutFile:
	default:
		return usage("layout must be dir or file")
	}
	switch c.Storage.Compression {
	case common.CodecNone, common.CodecSnappy, common.CodecZstd:
	default:
		return usage("compression must be none, snappy or zstd")
	}
	for _, in := range c.Job.Inputs {
		if filepath.Clean(in) == filepath.Clean(c.Job.Output) {
			return usage("output path must differ from input " + in)
		}
	}
	return nil
}

// JobRequest converts the configuration into an immutable job request.
func (c *Config) JobRequest() common.JobRequest {
	return common.JobRequest{
		Name:         c.Job.Name,
		InputPaths:   append([]string(nil), c.Job.Inputs...),
		OutputPath:   c.Job.Output,
		TmpDir:       c.Storage.TmpDir,
		Partitions:   c.Job.Partitions,
		MemoryBudget: int64(c.Job.MemoryBudget),
		SplitSize:    int64(c.Job.SplitSize),
		SampleSize:   c.Job.SampleSize,
		Boundaries:   append([]int64(nil), c.Job.Boundaries...),
		Order:        c.Job.Order,
		Codec:        c.Storage.Compression,
		ReadAhead:    int(c.Storage.ReadAhead),
		Layout:       c.Job.Layout,
		Overwrite:    c.Job.Overwrite,
		JobRetries:   c.Job.Retries,
	}
}
