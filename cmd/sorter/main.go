package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		logutil.L().Warn("received signal to exit", zap.Stringer("signal", sig))
		cancel()
		fmt.Fprintln(os.Stderr, "cancelling the job, press ^C again to force exit")
		<-sc
		os.Exit(exitFailed)
	}()

	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code) // nolint:gocritic
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sorter",
		Short:         "sorter sorts integers across files with bounded memory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initLogger(cmd)
		},
	}
	DefineCommonFlags(rootCmd)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errno.ErrUsage.GenWithStackByArgs(err.Error())
	})
	rootCmd.AddCommand(
		newRunCommand(),
		newGenerateCommand(),
		newValidateCommand(),
	)
	return rootCmd
}

// execute runs the command line and maps the outcome to an exit code:
// usage errors exit 2 after printing usage, every other failure exits 1.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if errno.IsUsage(err) {
		fmt.Fprint(stderr, cmd.UsageString())
		return exitUsage
	}
	logutil.L().Error("sorter failed", zap.Error(err))
	return exitFailed
}
