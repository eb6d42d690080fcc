// Package logging builds the process logger: a console core on stdout and a
// JSON core writing every run to logs/migration_<timestamp>.log.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels accepted by ParseLevel, in the CLI's spelling.
var Levels = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// ParseLevel maps a CLI level name to a zap level. WARN is accepted as an
// alias for WARNING.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (want one of %s)", s, strings.Join(Levels, ", "))
}

// FileName returns the log file name for a run started at t.
func FileName(t time.Time) string {
	return "migration_" + t.Format("20060102_150405") + ".log"
}

// Options configure New.
type Options struct {
	Level   zapcore.Level
	LogsDir string    // empty disables the file core
	Console io.Writer // defaults to os.Stdout
	Now     func() time.Time
}

// Logger is the root logger plus the file it writes to.
type Logger struct {
	*zap.SugaredLogger
	Path string
	file *os.File
}

// New builds the root logger. The console shows Level and above; the file
// always records Level and above as JSON.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleCfg.EncodeCaller = nil
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(console), opts.Level),
	}

	l := &Logger{}
	if opts.LogsDir != "" {
		if err := os.MkdirAll(opts.LogsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		l.Path = filepath.Join(opts.LogsDir, FileName(now()))
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = f
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), opts.Level))
	}

	l.SugaredLogger = zap.New(zapcore.NewTee(cores...)).Sugar()
	return l, nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Named returns a child logger for a component, or a no-op logger when
// parent is nil.
func Named(parent *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if parent == nil {
		return zap.NewNop().Sugar()
	}
	return parent.Named(name)
}
