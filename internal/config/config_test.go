package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"mini-sort/internal/common"
	"mini-sort/internal/errno"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Job.Inputs = []string{"/data/in"}
	cfg.Job.Output = "/data/out"
	return cfg
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sort.toml")
	content := `
[job]
name = "nightly"
inputs = ["/data/a", "/data/b"]
output = "/data/sorted"
partitions = 4
memory-budget = "8MiB"
split-size = "1GiB"
order = "desc"
boundaries = [10, 20, 30]

[storage]
compression = "zstd"
read-ahead = "4KiB"

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	require.NoError(t, cfg.Validate())
	require.Equal(t, "nightly", cfg.Job.Name)
	require.Equal(t, 4, cfg.Job.Partitions)
	require.EqualValues(t, 8<<20, cfg.Job.MemoryBudget)
	require.EqualValues(t, 1<<30, cfg.Job.SplitSize)
	require.Equal(t, common.Descending, cfg.Job.Order)
	require.Equal(t, common.CodecZstd, cfg.Storage.Compression)
	require.EqualValues(t, 4096, cfg.Storage.ReadAhead)
	require.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	require.Equal(t, DefaultSampleSize, cfg.Job.SampleSize)

	req := cfg.JobRequest()
	require.Equal(t, []string{"/data/a", "/data/b"}, req.InputPaths)
	require.EqualValues(t, 8<<20, req.MemoryBudget)
	require.Equal(t, []int64{10, 20, 30}, req.Boundaries)
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sort.toml")
	require.NoError(t, os.WriteFile(path, []byte("[job]\nreducers = 3\n"), 0o644))
	err := NewConfig().LoadFromFile(path)
	require.True(t, errno.ErrUsage.Equal(err))
	require.Contains(t, err.Error(), "job.reducers")
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"no inputs":           func(c *Config) { c.Job.Inputs = nil },
		"no output":           func(c *Config) { c.Job.Output = "" },
		"zero partitions":     func(c *Config) { c.Job.Partitions = 0 },
		"tiny budget":         func(c *Config) { c.Job.MemoryBudget = 4 },
		"bad layout":          func(c *Config) { c.Job.Layout = "zip" },
		"bad codec":           func(c *Config) { c.Storage.Compression = "lz4" },
		"boundary count":      func(c *Config) { c.Job.Partitions = 3; c.Job.Boundaries = []int64{1} },
		"unordered boundary":  func(c *Config) { c.Job.Partitions = 3; c.Job.Boundaries = []int64{5, 5} },
		"output equals input": func(c *Config) { c.Job.Output = "/data/in/" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		require.True(t, errno.ErrUsage.Equal(err), name)
	}
}

func TestByteSizeFlag(t *testing.T) {
	size := ByteSize(DefaultReadAhead)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&size, "read-ahead", "")
	require.Equal(t, "64KiB", fs.Lookup("read-ahead").DefValue)

	require.NoError(t, fs.Parse([]string{"--read-ahead", "2MiB"}))
	require.EqualValues(t, 2<<20, size)
	require.Error(t, fs.Parse([]string{"--read-ahead", "lots"}))
}
