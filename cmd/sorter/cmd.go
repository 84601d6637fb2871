package main

import (
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"

	"mini-sort/internal/errno"
	"mini-sort/internal/logutil"
)

const (
	// FlagLogLevel is the name of log-level flag.
	FlagLogLevel = "log-level"
	// FlagLogFile is the name of log-file flag.
	FlagLogFile = "log-file"
	// FlagLogFormat is the name of log-format flag.
	FlagLogFormat = "log-format"
)

// DefineCommonFlags defines the flags shared by every subcommand.
func DefineCommonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(FlagLogLevel, "L", "info",
		"Set the log level")
	cmd.PersistentFlags().String(FlagLogFile, "",
		"Set the log file path. If not set, logs go to stdout")
	cmd.PersistentFlags().String(FlagLogFormat, "text",
		"Set the log format")
}

func initLogger(cmd *cobra.Command) error {
	cfg, err := logConfigFromFlags(cmd, logutil.Config{})
	if err != nil {
		return err
	}
	return errors.Trace(logutil.InitAppLogger(&cfg))
}

// logConfigFromFlags overlays the log flags onto base. A flag only wins over
// base when base leaves the field empty or the flag was given explicitly.
func logConfigFromFlags(cmd *cobra.Command, base logutil.Config) (logutil.Config, error) {
	flags := cmd.Flags()
	for name, field := range map[string]*string{
		FlagLogLevel:  &base.Level,
		FlagLogFile:   &base.File,
		FlagLogFormat: &base.Format,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return base, errors.Trace(err)
		}
		if *field == "" || flags.Changed(name) {
			*field = v
		}
	}
	return base, nil
}

// usageArgs turns a cobra argument check failure into a usage error.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return errno.ErrUsage.GenWithStackByArgs(err.Error())
		}
		return nil
	}
}
