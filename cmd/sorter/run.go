package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-sort/internal/common"
	"mini-sort/internal/config"
	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
	"mini-sort/internal/master"
	"mini-sort/internal/metrics"
	"mini-sort/internal/storage"
	"mini-sort/internal/worker"
)

const (
	flagConfig       = "config"
	flagName         = "name"
	flagPartitions   = "partitions"
	flagMemoryBudget = "memory-budget"
	flagOrder        = "order"
	flagWorkers      = "workers"
	flagSplitSize    = "split-size"
	flagSampleSize   = "sample-size"
	flagBoundaries   = "boundaries"
	flagCompression  = "compression"
	flagReadAhead    = "read-ahead"
	flagLayout       = "layout"
	flagOverwrite    = "overwrite"
	flagTmpDir       = "tmp-dir"
	flagRetries      = "retries"
	flagStatusAddr   = "status-addr"
)

// runFlags holds the command line values; only flags set explicitly
// override the configuration file.
type runFlags struct {
	configFile   string
	name         string
	partitions   int
	memoryBudget config.ByteSize
	order        string
	workers      int
	splitSize    config.ByteSize
	sampleSize   int
	boundaries   []int64
	compression  string
	readAhead    config.ByteSize
	layout       string
	overwrite    bool
	tmpDir       string
	retries      int
	statusAddr   string
}

func newRunCommand() *cobra.Command {
	defaults := config.NewConfig()
	f := &runFlags{
		memoryBudget: defaults.Job.MemoryBudget,
		splitSize:    defaults.Job.SplitSize,
		readAhead:    defaults.Storage.ReadAhead,
	}
	cmd := &cobra.Command{
		Use:   "run <input-path>... <output-path>",
		Short: "sort the integers of the input files into the output path",
		Args:  usageArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd, args)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configFile, flagConfig, "", "toml configuration file, flags override its values")
	flags.StringVar(&f.name, flagName, defaults.Job.Name, "job name")
	flags.IntVarP(&f.partitions, flagPartitions, "n", defaults.Job.Partitions, "number of output partitions")
	flags.Var(&f.memoryBudget, flagMemoryBudget, "bytes of keys buffered before a run is spilled")
	flags.StringVar(&f.order, flagOrder, defaults.Job.Order.String(), "sort order, asc or desc")
	flags.IntVarP(&f.workers, flagWorkers, "w", defaults.Job.Workers, "maximum concurrent tasks")
	flags.Var(&f.splitSize, flagSplitSize, "maximum input bytes per shard")
	flags.IntVar(&f.sampleSize, flagSampleSize, defaults.Job.SampleSize, "keys sampled to pick partition boundaries")
	flags.Int64SliceVar(&f.boundaries, flagBoundaries, nil, "fixed partition split points, skips sampling")
	flags.StringVar(&f.compression, flagCompression, defaults.Storage.Compression, "run compression, none, snappy or zstd")
	flags.Var(&f.readAhead, flagReadAhead, "read-ahead buffer of every merge cursor")
	flags.StringVar(&f.layout, flagLayout, defaults.Job.Layout, "output layout, dir or file")
	flags.BoolVar(&f.overwrite, flagOverwrite, false, "replace an existing output path")
	flags.StringVar(&f.tmpDir, flagTmpDir, defaults.Storage.TmpDir, "directory for spilled runs")
	flags.IntVar(&f.retries, flagRetries, defaults.Job.Retries, "job attempts after lost runs")
	flags.StringVar(&f.statusAddr, flagStatusAddr, "", "serve job status and metrics on this address while running")
	return cmd
}

// load builds the job configuration: defaults, then the config file, then
// the flags given on the command line, then the positional paths.
func (f *runFlags) load(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed(flagName) {
		cfg.Job.Name = f.name
	}
	if changed(flagPartitions) {
		cfg.Job.Partitions = f.partitions
	}
	if changed(flagMemoryBudget) {
		cfg.Job.MemoryBudget = f.memoryBudget
	}
	if changed(flagOrder) {
		order, err := common.ParseOrder(f.order)
		if err != nil {
			return nil, errno.ErrUsage.GenWithStackByArgs(err.Error())
		}
		cfg.Job.Order = order
	}
	if changed(flagWorkers) {
		cfg.Job.Workers = f.workers
	}
	if changed(flagSplitSize) {
		cfg.Job.SplitSize = f.splitSize
	}
	if changed(flagSampleSize) {
		cfg.Job.SampleSize = f.sampleSize
	}
	if changed(flagBoundaries) {
		cfg.Job.Boundaries = f.boundaries
	}
	if changed(flagCompression) {
		cfg.Storage.Compression = f.compression
	}
	if changed(flagReadAhead) {
		cfg.Storage.ReadAhead = f.readAhead
	}
	if changed(flagLayout) {
		cfg.Job.Layout = f.layout
	}
	if changed(flagOverwrite) {
		cfg.Job.Overwrite = f.overwrite
	}
	if changed(flagTmpDir) {
		cfg.Storage.TmpDir = f.tmpDir
	}
	if changed(flagRetries) {
		cfg.Job.Retries = f.retries
	}
	if changed(flagStatusAddr) {
		cfg.Status.Addr = f.statusAddr
	}
	cfg.Job.Inputs = args[:len(args)-1]
	cfg.Job.Output = args[len(args)-1]

	logCfg, err := logConfigFromFlags(cmd, cfg.Log)
	if err != nil {
		return nil, err
	}
	cfg.Log = logCfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runJob(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := logutil.InitAppLogger(&cfg.Log); err != nil {
		return errors.Trace(err)
	}
	worker.SetSortConcurrency(cfg.Job.Workers)

	registry := prometheus.NewRegistry()
	metrics.RegisterMetrics(registry)
	registry.MustRegister(collectors.NewGoCollector())

	coordinator := master.NewCoordinator(afero.NewOsFs(), worker.NewExecutionManager(cfg.Job.Workers), storage.NewJobStore())
	if cfg.Status.Addr != "" {
		stop, err := startStatusServer(ctx, master.NewStatusServer(coordinator.Store(), registry), cfg.Status.Addr, out)
		if err != nil {
			return err
		}
		defer stop()
	}

	st, err := coordinator.Run(ctx, cfg.JobRequest())
	if err != nil {
		return err
	}
	printSummary(out, st)
	return nil
}

func startStatusServer(ctx context.Context, server *master.StatusServer, addr string, out io.Writer) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, addr, ready)
	}()
	select {
	case a := <-ready:
		fmt.Fprintf(out, "status server listening on http://%s\n", a)
	case err := <-done:
		cancel()
		return nil, err
	}
	return func() {
		cancel()
		if err := <-done; err != nil {
			logutil.L().Warn("status server stopped with error", zap.Error(err))
		}
	}, nil
}

func printSummary(out io.Writer, st *common.JobStatus) {
	c := st.Counters
	fmt.Fprintf(out, "Job %s completed in %s\n", st.JobID, st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  output:         %s\n", st.OutputPath)
	fmt.Fprintf(out, "  records:        %d\n", c.RecordsProcessed)
	fmt.Fprintf(out, "  invalid lines:  %d\n", c.InvalidRecords)
	fmt.Fprintf(out, "  output records: %d\n", c.OutputRecords)
	fmt.Fprintf(out, "  runs spilled:   %d (%s)\n", c.RunsProduced, units.BytesSize(float64(c.BytesSpilled)))
	fmt.Fprintf(out, "  partitions:     %d\n", len(st.Partitions))
	if st.Attempt > 1 {
		fmt.Fprintf(out, "  attempts:       %d\n", st.Attempt)
	}
}
