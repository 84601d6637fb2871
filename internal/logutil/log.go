// Package logutil wraps the zap logger used across the sort engine.
package logutil

import (
	"context"

	"github.com/pingcap/errors"
	pclog "github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	appLogger = AppLogger{zap.NewNop()}
	appLevel  = zap.NewAtomicLevel()
)

// AppLogger wraps the zap logger.
type AppLogger struct {
	*zap.Logger
}

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	// One of "debug", "info", "warn", "error", "dpanic", "panic", and "fatal".
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to log to stderr.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
	// Format of the log, one of `text`, `json` or `console`.
	Format string `toml:"format" json:"format"`
}

// InitAppLogger inits the wrapped logger from config.
func InitAppLogger(cfg *Config) error {
	logger, props, err := pclog.InitLogger(&pclog.Config{
		Level: cfg.Level,
		File: pclog.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
		Format: cfg.Format,
	})
	if err != nil {
		return errors.Trace(err)
	}
	appLogger = AppLogger{logger}
	appLevel = props.Level
	return nil
}

// SetAppLogger replaces the wrapped logger, mostly for tests.
func SetAppLogger(logger *zap.Logger) {
	appLogger = AppLogger{logger}
}

// ChangeAppLogLevel changes the wrapped logger's log level.
func ChangeAppLogLevel(level zapcore.Level) {
	appLevel.SetLevel(level)
}

// L returns the application logger.
func L() AppLogger {
	return appLogger
}

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// WithFields returns a context whose logger carries the extra fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxLogKey, Logger(ctx).With(fields...))
}

// WithJobID returns a context whose logger is tagged with the job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return WithFields(ctx, zap.String("job", jobID))
}

// Logger returns the logger stored in ctx, or the application logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
			return l
		}
	}
	return appLogger.Logger
}
